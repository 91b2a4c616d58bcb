package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// MessageType identifies a control message from the client.
type MessageType string

const (
	MsgStartRecording  MessageType = "start_recording"
	MsgStopRecording   MessageType = "stop_recording"
	MsgClearTranscript MessageType = "clear_transcript"
	MsgGetStudyTypes   MessageType = "get_study_types"
)

// EventType identifies an event sent to the client.
type EventType string

const (
	EventStatus                 EventType = "status"
	EventStudyTypes             EventType = "study_types"
	EventPartialTranscript      EventType = "partial_transcript"
	EventFinalTranscript        EventType = "final_transcript"
	EventAccumulativeTranscript EventType = "accumulative_transcript"
	EventPolishedTranscript     EventType = "polished_transcript"
	EventTranscriptCleared      EventType = "transcript_cleared"
	EventError                  EventType = "error"
)

// Control message limits.
const (
	MaxControlSize   = 4096
	MaxStudyTypeSize = 128
)

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrMissingField   = errors.New("missing required field")
	ErrTooLarge       = errors.New("control message too large")
)

// Control is a client control message.
type Control struct {
	Type      MessageType `json:"type" jsonschema:"title=Type,enum=start_recording,enum=stop_recording,enum=clear_transcript,enum=get_study_types"`
	StudyType string      `json:"study_type,omitempty" jsonschema:"title=Study type,description=Study to dictate; only used by start_recording"`
}

// Event is a message sent to the client. Only the fields relevant to Type are set.
type Event struct {
	Type       EventType `json:"type" jsonschema:"title=Type,enum=status,enum=study_types,enum=partial_transcript,enum=final_transcript,enum=accumulative_transcript,enum=polished_transcript,enum=transcript_cleared,enum=error"`
	Message    string    `json:"message,omitempty"`
	Text       string    `json:"text,omitempty"`
	Turn       int       `json:"turn,omitempty"`
	StudyTypes []string  `json:"study_types,omitempty"`
	Mode       string    `json:"mode,omitempty"`
}

// Sender delivers events to one client connection.
type Sender interface {
	SendEvent(ctx context.Context, event Event) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, event Event) error

// SendEvent calls f.
func (f SenderFunc) SendEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// ParseControl decodes and validates a control message.
func ParseControl(data []byte) (*Control, error) {
	if len(data) > MaxControlSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	var msg Control
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid control message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return &msg, nil
}

// Validate checks the message type and its fields.
func (c *Control) Validate() error {
	switch c.Type {
	case MsgStartRecording:
		c.StudyType = strings.TrimSpace(c.StudyType)
		if len(c.StudyType) > MaxStudyTypeSize {
			return fmt.Errorf("study_type exceeds %d bytes", MaxStudyTypeSize)
		}
	case MsgStopRecording, MsgClearTranscript, MsgGetStudyTypes:
	case "":
		return fmt.Errorf("%w: type", ErrMissingField)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, c.Type)
	}
	return nil
}

// Status builds a status event.
func Status(message string) Event {
	return Event{Type: EventStatus, Message: message}
}

// StudyTypes builds a study_types event.
func StudyTypes(list []string) Event {
	return Event{Type: EventStudyTypes, StudyTypes: list}
}

// PartialTranscript builds a partial_transcript event for a live turn.
func PartialTranscript(text string, turn int) Event {
	return Event{Type: EventPartialTranscript, Text: text, Turn: turn}
}

// FinalTranscript builds a final_transcript event for a closed turn.
func FinalTranscript(text string, turn int) Event {
	return Event{Type: EventFinalTranscript, Text: text, Turn: turn}
}

// AccumulativeTranscript builds an accumulative_transcript event.
func AccumulativeTranscript(text string) Event {
	return Event{Type: EventAccumulativeTranscript, Text: text}
}

// PolishedTranscript builds a polished_transcript event.
func PolishedTranscript(text string) Event {
	return Event{Type: EventPolishedTranscript, Text: text}
}

// TranscriptCleared builds a transcript_cleared event.
func TranscriptCleared() Event {
	return Event{Type: EventTranscriptCleared}
}

// Error builds an error event.
func Error(message string) Event {
	return Event{Type: EventError, Message: message}
}

// Schema describes the control messages and events as JSON schema.
type Schema struct {
	Control *jsonschema.Schema `json:"control"`
	Event   *jsonschema.Schema `json:"event"`
}

// BuildSchema reflects the wire types into JSON schema documents.
func BuildSchema() Schema {
	reflector := jsonschema.Reflector{DoNotReference: true}
	return Schema{
		Control: reflector.Reflect(&Control{}),
		Event:   reflector.Reflect(&Event{}),
	}
}
