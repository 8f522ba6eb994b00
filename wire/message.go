package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType tags a handshake message.
type MessageType string

const (
	MessageReady  MessageType = "ready"
	MessageReturn MessageType = "return"
	MessageError  MessageType = "error"
	MessageDone   MessageType = "done"
)

// ErrorKind classifies a failed execution.
type ErrorKind string

const (
	ContractViolation ErrorKind = "ContractViolation"
	StartupTimeout    ErrorKind = "StartupTimeout"
	ExecutionTimeout  ErrorKind = "ExecutionTimeout"
	PayloadTooLarge   ErrorKind = "PayloadTooLarge"
	Unserializable    ErrorKind = "Unserializable"
	UnknownFault      ErrorKind = "UnknownFault"

	// Raised by the host only.
	ProtocolViolation ErrorKind = "ProtocolViolation"
	Canceled          ErrorKind = "Canceled"
)

// DefaultMaxMessageBytes is the largest encoded message either side accepts.
const DefaultMaxMessageBytes = 10_000_000

// ErrorValue is the payload of an error message.
type ErrorValue struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
}

// Timing marks are milliseconds since the execution context started.
type Timing struct {
	ExecutionStart    float64 `json:"executionStart"`
	ImportComplete    float64 `json:"importComplete"`
	ExecutionComplete float64 `json:"executionComplete"`
}

// Dispatch is the single instruction sent to a sandbox after it is ready.
type Dispatch struct {
	Entrypoint string            `json:"entrypoint"`
	Env        map[string]string `json:"env"`
	Req        SerializedRequest `json:"req"`
}

// Message is one handshake message. Which fields are set depends on Type:
// Response and Timing for return, Error for error, WallTime for done.
type Message struct {
	Type     MessageType
	Response *SerializedResponse
	Error    *ErrorValue
	Timing   *Timing
	WallTime float64
	SendTime float64
}

func Ready() Message { return Message{Type: MessageReady} }

func Return(resp SerializedResponse, timing *Timing) Message {
	return Message{Type: MessageReturn, Response: &resp, Timing: timing}
}

func Error(kind ErrorKind, message, stack string) Message {
	return Message{Type: MessageError, Error: &ErrorValue{Kind: kind, Message: message, Stack: stack}}
}

func Done(wallTime float64) Message {
	return Message{Type: MessageDone, WallTime: wallTime}
}

type messageJSON struct {
	Type     MessageType     `json:"type"`
	Value    json.RawMessage `json:"value,omitempty"`
	Timing   *Timing         `json:"timing,omitempty"`
	WallTime *float64        `json:"wallTime,omitempty"`
	SendTime *float64        `json:"_send_time,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{Type: m.Type}
	if m.SendTime != 0 {
		out.SendTime = &m.SendTime
	}

	switch m.Type {
	case MessageReady:
	case MessageReturn:
		if m.Response == nil {
			return nil, errors.New("return message without a response")
		}
		value, err := json.Marshal(m.Response)
		if err != nil {
			return nil, err
		}
		out.Value = value
		out.Timing = m.Timing
	case MessageError:
		if m.Error == nil {
			return nil, errors.New("error message without a value")
		}
		value, err := json.Marshal(m.Error)
		if err != nil {
			return nil, err
		}
		out.Value = value
	case MessageDone:
		out.WallTime = &m.WallTime
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	msg := Message{Type: in.Type}
	if in.SendTime != nil {
		msg.SendTime = *in.SendTime
	}

	switch in.Type {
	case MessageReady:
	case MessageReturn:
		if len(in.Value) == 0 {
			return errors.New("return message without a value")
		}
		var resp SerializedResponse
		if err := json.Unmarshal(in.Value, &resp); err != nil {
			return fmt.Errorf("invalid return value: %w", err)
		}
		msg.Response = &resp
		msg.Timing = in.Timing
	case MessageError:
		if len(in.Value) == 0 {
			return errors.New("error message without a value")
		}
		var value ErrorValue
		if err := json.Unmarshal(in.Value, &value); err != nil {
			return fmt.Errorf("invalid error value: %w", err)
		}
		msg.Error = &value
	case MessageDone:
		if in.WallTime != nil {
			msg.WallTime = *in.WallTime
		}
	default:
		return fmt.Errorf("unknown message type %q", in.Type)
	}

	*m = msg
	return nil
}
