package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the closed vocabulary spoken between the interactive context and
// the detached background runner. The two contexts share no memory; these
// messages and the durable stores are the only sources of truth.
type Kind string

const (
	KindRegister Kind = "REGISTER"
	KindPause    Kind = "PAUSE"
	KindResume   Kind = "RESUME"
	KindProgress Kind = "PROGRESS"
	KindComplete Kind = "COMPLETE"
	KindError    Kind = "ERROR"
)

// ErrUnknownKind indicates a message outside the vocabulary.
var ErrUnknownKind = errors.New("bridge: unknown message kind")

// Message is the JSON envelope carried over the websocket transport.
type Message struct {
	Kind             Kind            `json:"type"`
	TimestampSeconds int64           `json:"timestamp"`
	Data             json.RawMessage `json:"data,omitempty"`
}

// RegisterPayload asks for a background drain at or above a minimum
// priority, optionally starting immediately.
type RegisterPayload struct {
	MinPriority int  `json:"priority"`
	Immediate   bool `json:"immediate"`
}

// ProgressPayload reports per-item drain progress.
type ProgressPayload struct {
	MinPriority int `json:"priority"`
	Processed   int `json:"processed"`
	Total       int `json:"total"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
}

// CompletePayload reports the outcome of a finished drain.
type CompletePayload struct {
	MinPriority int      `json:"priority"`
	Succeeded   int      `json:"succeeded"`
	Failed      int      `json:"failed"`
	Errors      []string `json:"errors,omitempty"`
}

// ErrorPayload reports a fatal drain failure.
type ErrorPayload struct {
	MinPriority int    `json:"priority"`
	Error       string `json:"error"`
}

// NewMessage wraps a payload in the envelope. Pause and resume carry no
// payload and accept nil.
func NewMessage(kind Kind, at time.Time, payload interface{}) (Message, error) {
	message := Message{Kind: kind, TimestampSeconds: at.UTC().Unix()}
	if payload == nil {
		return message, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("bridge: encode %s payload: %w", kind, err)
	}
	message.Data = encoded
	return message, nil
}

// Decode parses a raw envelope and validates its kind.
func Decode(raw []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(raw, &message); err != nil {
		return Message{}, fmt.Errorf("bridge: decode envelope: %w", err)
	}
	switch message.Kind {
	case KindRegister, KindPause, KindResume, KindProgress, KindComplete, KindError:
		return message, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, message.Kind)
	}
}

// DecodeRegister extracts the REGISTER payload.
func DecodeRegister(message Message) (RegisterPayload, error) {
	var payload RegisterPayload
	if len(message.Data) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(message.Data, &payload); err != nil {
		return RegisterPayload{}, fmt.Errorf("bridge: decode REGISTER payload: %w", err)
	}
	return payload, nil
}

// DecodeProgress extracts the PROGRESS payload.
func DecodeProgress(message Message) (ProgressPayload, error) {
	var payload ProgressPayload
	if err := json.Unmarshal(message.Data, &payload); err != nil {
		return ProgressPayload{}, fmt.Errorf("bridge: decode PROGRESS payload: %w", err)
	}
	return payload, nil
}

// DecodeComplete extracts the COMPLETE payload.
func DecodeComplete(message Message) (CompletePayload, error) {
	var payload CompletePayload
	if err := json.Unmarshal(message.Data, &payload); err != nil {
		return CompletePayload{}, fmt.Errorf("bridge: decode COMPLETE payload: %w", err)
	}
	return payload, nil
}
