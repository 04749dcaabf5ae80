package agent

import (
	"context"
	"fmt"

	"github.com/rvql/ringmaster/internal/model"
)

// TaskHandler executes one task type on behalf of the agent. Implementations
// return a result or an error; the agent turns either into exactly one report
// back to the master.
type TaskHandler interface {
	Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error)
}

// HandlerFunc adapts a plain function to the TaskHandler interface.
type HandlerFunc func(ctx context.Context, task *model.Task) (*model.TaskResult, error)

// Execute implements TaskHandler.
func (f HandlerFunc) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	return f(ctx, task)
}

// AsyncOutcome is the terminal report of an asynchronous handler.
type AsyncOutcome struct {
	Result *model.TaskResult
	Err    error
}

// Async adapts a callback-style handler that delivers its outcome on a
// channel to the synchronous TaskHandler contract. Execute waits for the
// first outcome or for context cancellation, whichever comes first.
func Async(fn func(ctx context.Context, task *model.Task) <-chan AsyncOutcome) TaskHandler {
	return HandlerFunc(func(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
		select {
		case outcome, ok := <-fn(ctx, task):
			if !ok {
				return nil, fmt.Errorf("task %s: async handler closed without an outcome", task.ID)
			}
			return outcome.Result, outcome.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}
