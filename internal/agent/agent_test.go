package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/channel"
	"github.com/rvql/ringmaster/internal/model"
)

const testMasterID = "master-test"

func newTestAgent(t *testing.T, capabilities ...string) (*Agent, *channel.MemoryChannel) {
	t.Helper()

	ch := channel.NewMemoryChannel(64, zap.NewNop())
	t.Cleanup(func() { _ = ch.Close() })

	cfg := Config{
		ID:                   "agent-under-test",
		MasterID:             testMasterID,
		Capabilities:         capabilities,
		HeartbeatInterval:    50 * time.Millisecond,
		DeviceStatusInterval: 50 * time.Millisecond,
		RegisterTimeout:      300 * time.Millisecond,
		MaxRegisterRetries:   2,
		RegisterBackoff:      10 * time.Millisecond,
		ReceiveTimeout:       20 * time.Millisecond,
	}
	sampler := StaticSampler{Status: model.DeviceStatus{
		BatteryLevel: 90,
		CPUUsage:     20,
		MemoryUsage:  30,
		DiskUsage:    40,
	}}
	return NewAgent(cfg, ch, sampler, zap.NewNop()), ch
}

// ackRegistration plays the master's side of the handshake.
func ackRegistration(t *testing.T, ch channel.Channel, ring model.Ring) *model.Message {
	t.Helper()

	reg := awaitType(t, ch, model.MessageTypeRegistration)
	reply, err := model.NewMessage(model.MessageTypeAck, testMasterID, reg.Sender,
		model.AckPayload{Status: "registered", Ring: ring})
	require.NoError(t, err)
	require.NoError(t, ch.Send(context.Background(), reply))
	return reg
}

// awaitType drains the master's inbox until a message of the wanted type
// arrives, skipping heartbeats and device reports.
func awaitType(t *testing.T, ch channel.Channel, want model.MessageType) *model.Message {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := ch.Receive(context.Background(), testMasterID, time.Until(deadline))
		if errors.Is(err, channel.ErrReceiveTimeout) {
			break
		}
		require.NoError(t, err)
		if msg.Type == want {
			return msg
		}
	}
	t.Fatalf("no %s message arrived", want)
	return nil
}

func assign(t *testing.T, ch channel.Channel, agentID string, task model.Task) {
	t.Helper()

	msg, err := model.NewMessage(model.MessageTypeTaskAssign, testMasterID, agentID, task)
	require.NoError(t, err)
	require.NoError(t, ch.Send(context.Background(), msg))
}

func TestAgentRegistration(t *testing.T) {
	t.Run("acknowledged", func(t *testing.T) {
		a, ch := newTestAgent(t, "echo")

		done := make(chan *model.Message, 1)
		go func() { done <- ackRegistration(t, ch, model.RingDev) }()

		require.NoError(t, a.Start(context.Background()))
		defer a.Stop()

		reg := <-done
		var payload model.RegistrationPayload
		require.NoError(t, reg.DecodePayload(&payload))
		assert.Equal(t, []string{"echo"}, payload.Capabilities)
		assert.Equal(t, 90, payload.Device.BatteryLevel)

		assert.Equal(t, model.WorkerStatusIdle, a.Status())
		assert.Equal(t, model.RingDev, a.Ring())
	})

	t.Run("fatal after retries", func(t *testing.T) {
		a, _ := newTestAgent(t)

		err := a.Start(context.Background())
		require.ErrorIs(t, err, ErrRegistrationFailed)
	})

	t.Run("second start rejected", func(t *testing.T) {
		a, ch := newTestAgent(t)

		go ackRegistration(t, ch, model.RingCanary)
		require.NoError(t, a.Start(context.Background()))
		defer a.Stop()

		require.ErrorIs(t, a.Start(context.Background()), ErrAlreadyStarted)
	})
}

func TestAgentHeartbeats(t *testing.T) {
	a, ch := newTestAgent(t)

	go ackRegistration(t, ch, model.RingCanary)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	hb := awaitType(t, ch, model.MessageTypeHeartbeat)
	var payload model.HeartbeatPayload
	require.NoError(t, hb.DecodePayload(&payload))
	assert.Equal(t, model.WorkerStatusIdle, payload.Status)

	ds := awaitType(t, ch, model.MessageTypeDeviceStatus)
	var device model.DeviceStatusPayload
	require.NoError(t, ds.DecodePayload(&device))
	assert.Equal(t, 90, device.Device.BatteryLevel)
}

func TestAgentTaskExecution(t *testing.T) {
	t.Run("success emits progress and one result", func(t *testing.T) {
		a, ch := newTestAgent(t, "echo")
		a.RegisterTaskHandler("echo", HandlerFunc(func(_ context.Context, task *model.Task) (*model.TaskResult, error) {
			return &model.TaskResult{Result: task.Payload}, nil
		}))

		go ackRegistration(t, ch, model.RingCanary)
		require.NoError(t, a.Start(context.Background()))
		defer a.Stop()

		assign(t, ch, a.ID(), model.Task{ID: "task-1", Type: "echo", Payload: json.RawMessage(`{"v":1}`)})

		status := awaitType(t, ch, model.MessageTypeTaskStatus)
		var progress model.TaskStatusPayload
		require.NoError(t, status.DecodePayload(&progress))
		assert.Equal(t, "task-1", progress.TaskID)
		assert.Equal(t, 25, progress.Progress)

		result := awaitType(t, ch, model.MessageTypeTaskResult)
		var payload model.TaskResult
		require.NoError(t, result.DecodePayload(&payload))
		assert.Equal(t, "task-1", payload.TaskID)
		assert.Equal(t, a.ID(), payload.WorkerID)
		assert.Equal(t, model.TaskStatusCompleted, payload.Status)
		assert.JSONEq(t, `{"v":1}`, string(payload.Result))
	})

	t.Run("handler error becomes error report", func(t *testing.T) {
		a, ch := newTestAgent(t, "boom")
		a.RegisterTaskHandler("boom", HandlerFunc(func(context.Context, *model.Task) (*model.TaskResult, error) {
			return nil, errors.New("disk on fire")
		}))

		go ackRegistration(t, ch, model.RingCanary)
		require.NoError(t, a.Start(context.Background()))
		defer a.Stop()

		assign(t, ch, a.ID(), model.Task{ID: "task-2", Type: "boom"})

		report := awaitType(t, ch, model.MessageTypeError)
		var payload model.ErrorPayload
		require.NoError(t, report.DecodePayload(&payload))
		assert.Equal(t, "task-2", payload.TaskID)
		assert.Contains(t, payload.Message, "disk on fire")
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		a, ch := newTestAgent(t)

		go ackRegistration(t, ch, model.RingCanary)
		require.NoError(t, a.Start(context.Background()))
		defer a.Stop()

		assign(t, ch, a.ID(), model.Task{ID: "task-3", Type: "mystery"})

		report := awaitType(t, ch, model.MessageTypeError)
		var payload model.ErrorPayload
		require.NoError(t, report.DecodePayload(&payload))
		assert.Equal(t, "no_handler", payload.Code)
		assert.Equal(t, "task-3", payload.TaskID)
	})
}

func TestAgentRejectsAssignmentBeforeAck(t *testing.T) {
	a, ch := newTestAgent(t, "echo")
	a.RegisterTaskHandler("echo", HandlerFunc(func(_ context.Context, task *model.Task) (*model.TaskResult, error) {
		return &model.TaskResult{Result: task.Payload}, nil
	}))

	go func() {
		reg := awaitType(t, ch, model.MessageTypeRegistration)
		// The assignment outruns the ack in the agent's queue.
		assign(t, ch, reg.Sender, model.Task{ID: "early", Type: "echo"})
		reply, err := model.NewMessage(model.MessageTypeAck, testMasterID, reg.Sender,
			model.AckPayload{Status: "registered", Ring: model.RingCanary})
		require.NoError(t, err)
		require.NoError(t, ch.Send(context.Background(), reply))
	}()

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	report := awaitType(t, ch, model.MessageTypeError)
	var payload model.ErrorPayload
	require.NoError(t, report.DecodePayload(&payload))
	assert.Equal(t, "not_ready", payload.Code)
	assert.Equal(t, "early", payload.TaskID)

	// Registration still completes and work is accepted normally.
	assert.Equal(t, model.WorkerStatusIdle, a.Status())
	assign(t, ch, a.ID(), model.Task{ID: "late", Type: "echo", Payload: json.RawMessage(`{}`)})
	result := awaitType(t, ch, model.MessageTypeTaskResult)
	var late model.TaskResult
	require.NoError(t, result.DecodePayload(&late))
	assert.Equal(t, "late", late.TaskID)
}

func TestAgentRejectsDoubleAssignment(t *testing.T) {
	a, ch := newTestAgent(t, "slow")
	release := make(chan struct{})
	a.RegisterTaskHandler("slow", HandlerFunc(func(ctx context.Context, _ *model.Task) (*model.TaskResult, error) {
		select {
		case <-release:
			return &model.TaskResult{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	go ackRegistration(t, ch, model.RingCanary)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	assign(t, ch, a.ID(), model.Task{ID: "first", Type: "slow"})
	awaitType(t, ch, model.MessageTypeTaskStatus)

	assign(t, ch, a.ID(), model.Task{ID: "second", Type: "slow"})

	report := awaitType(t, ch, model.MessageTypeError)
	var payload model.ErrorPayload
	require.NoError(t, report.DecodePayload(&payload))
	assert.Equal(t, "busy", payload.Code)
	assert.Equal(t, "second", payload.TaskID)

	close(release)
	result := awaitType(t, ch, model.MessageTypeTaskResult)
	var first model.TaskResult
	require.NoError(t, result.DecodePayload(&first))
	assert.Equal(t, "first", first.TaskID)
}

func TestAgentShutdownReportsInFlightTask(t *testing.T) {
	a, ch := newTestAgent(t, "slow")
	a.RegisterTaskHandler("slow", HandlerFunc(func(ctx context.Context, _ *model.Task) (*model.TaskResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	go ackRegistration(t, ch, model.RingCanary)
	require.NoError(t, a.Start(context.Background()))

	assign(t, ch, a.ID(), model.Task{ID: "interrupted", Type: "slow"})
	awaitType(t, ch, model.MessageTypeTaskStatus)

	down, err := model.NewMessage(model.MessageTypeShutdown, testMasterID, a.ID(),
		model.ShutdownPayload{Reason: "rolling restart"})
	require.NoError(t, err)
	require.NoError(t, ch.Send(context.Background(), down))

	report := awaitType(t, ch, model.MessageTypeError)
	var payload model.ErrorPayload
	require.NoError(t, report.DecodePayload(&payload))
	assert.Equal(t, "interrupted", payload.TaskID)

	done := make(chan struct{})
	go func() {
		a.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not exit after shutdown")
	}
}

func TestAgentRingAssignment(t *testing.T) {
	a, ch := newTestAgent(t)

	go ackRegistration(t, ch, model.RingCanary)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	move, err := model.NewMessage(model.MessageTypeRingAssign, testMasterID, a.ID(),
		model.RingAssignmentPayload{Ring: model.RingStage, Reason: "operator request"})
	require.NoError(t, err)
	require.NoError(t, ch.Send(context.Background(), move))

	ack := awaitType(t, ch, model.MessageTypeAck)
	var payload model.AckPayload
	require.NoError(t, ack.DecodePayload(&payload))
	assert.Equal(t, "ring_updated", payload.Status)
	assert.Equal(t, model.RingStage, a.Ring())
}

func TestAsyncHandlerAdapter(t *testing.T) {
	handler := Async(func(_ context.Context, task *model.Task) <-chan AsyncOutcome {
		out := make(chan AsyncOutcome, 1)
		go func() {
			out <- AsyncOutcome{Result: &model.TaskResult{TaskID: task.ID}}
		}()
		return out
	})

	result, err := handler.Execute(context.Background(), &model.Task{ID: "async-1"})
	require.NoError(t, err)
	assert.Equal(t, "async-1", result.TaskID)

	blocked := Async(func(ctx context.Context, _ *model.Task) <-chan AsyncOutcome {
		return make(chan AsyncOutcome)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = blocked.Execute(ctx, &model.Task{ID: "async-2"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
