package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message exchanged between the master
// and its worker agents.
type MessageType string

const (
	MessageTypeRegistration MessageType = "registration"
	MessageTypeAck          MessageType = "acknowledgement"
	MessageTypeTaskAssign   MessageType = "task_assignment"
	MessageTypeTaskStatus   MessageType = "task_status"
	MessageTypeTaskResult   MessageType = "task_result"
	MessageTypeHeartbeat    MessageType = "heartbeat"
	MessageTypeDeviceStatus MessageType = "device_status_update"
	MessageTypeRingAssign   MessageType = "ring_assignment"
	MessageTypeShutdown     MessageType = "shutdown"
	MessageTypeError        MessageType = "error"
)

// BroadcastReceiver addresses a message to every participant on the channel.
const BroadcastReceiver = "*"

// Message is the envelope for all master/worker communication
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message envelope around a JSON-marshaled payload.
func NewMessage(t MessageType, sender, receiver string, payload any) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		raw = data
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      t,
		Sender:    sender,
		Receiver:  receiver,
		Timestamp: time.Now(),
		Payload:   raw,
	}, nil
}

// DecodePayload unmarshals the message payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message %s has no payload", m.Type, m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", m.Type, err)
	}
	return nil
}

// Encode serializes the whole message for transport.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message %s: %w", m.ID, err)
	}
	return data, nil
}

// DecodeMessage parses a message from its wire form.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, nil
}

// RegistrationPayload announces a new worker to the master
type RegistrationPayload struct {
	Name         string       `json:"name,omitempty"`
	Capabilities []string     `json:"capabilities,omitempty"`
	OSVersion    string       `json:"os_version,omitempty"`
	AppVersion   string       `json:"app_version,omitempty"`
	Device       DeviceStatus `json:"device"`
}

// AckPayload acknowledges a registration or other request
type AckPayload struct {
	Status string `json:"status"`
	Ring   Ring   `json:"ring,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// TaskStatusPayload reports execution progress for a running task
type TaskStatusPayload struct {
	TaskID   string     `json:"task_id"`
	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"`
	Detail   string     `json:"detail,omitempty"`
}

// HeartbeatPayload carries the worker liveness beacon
type HeartbeatPayload struct {
	Status        WorkerStatus `json:"status"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
}

// DeviceStatusPayload carries a periodic device metrics report
type DeviceStatusPayload struct {
	Device DeviceStatus `json:"device"`
}

// RingAssignmentPayload moves a worker to a deployment ring
type RingAssignmentPayload struct {
	Ring   Ring   `json:"ring"`
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload reports a failure that is not tied to a task result
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

// ShutdownPayload asks a worker to stop accepting work and exit
type ShutdownPayload struct {
	Reason string `json:"reason,omitempty"`
}
