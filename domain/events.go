package domain

import (
	"encoding/json"
	"fmt"
)

// ServerEventType is the closed set of inbound wire event kinds the
// conversation store understands, plus the two the client handles
// itself (session.created, error) which never reach the store.
type ServerEventType string

const (
	EventItemCreated                   ServerEventType = "conversation.item.created"
	EventItemTruncated                 ServerEventType = "conversation.item.truncated"
	EventItemDeleted                   ServerEventType = "conversation.item.deleted"
	EventInputAudioTranscriptCompleted ServerEventType = "conversation.item.input_audio_transcription.completed"
	EventSpeechStarted                 ServerEventType = "input_audio_buffer.speech_started"
	EventSpeechStopped                 ServerEventType = "input_audio_buffer.speech_stopped"
	EventResponseCreated               ServerEventType = "response.created"
	EventOutputItemAdded               ServerEventType = "response.output_item.added"
	EventOutputItemDone                ServerEventType = "response.output_item.done"
	EventContentPartAdded              ServerEventType = "response.content_part.added"
	EventAudioTranscriptDelta          ServerEventType = "response.audio_transcript.delta"
	EventAudioDelta                    ServerEventType = "response.audio.delta"
	EventTextDelta                     ServerEventType = "response.text.delta"
	EventFunctionCallArgumentsDelta    ServerEventType = "response.function_call_arguments.delta"

	EventSessionCreated ServerEventType = "session.created"
	EventError          ServerEventType = "error"
)

// ServerEvent is implemented by every concrete inbound event struct.
type ServerEvent interface {
	EventType() ServerEventType
}

type envelope struct {
	EventType ServerEventType `json:"type"`
}

type ItemCreatedEvent struct {
	Type ServerEventType `json:"type"`
	Item Item            `json:"item"`
}

func (e ItemCreatedEvent) EventType() ServerEventType { return e.Type }

type ItemTruncatedEvent struct {
	Type        ServerEventType `json:"type"`
	ItemID      string          `json:"item_id"`
	AudioEndMs  int             `json:"audio_end_ms"`
}

func (e ItemTruncatedEvent) EventType() ServerEventType { return e.Type }

type ItemDeletedEvent struct {
	Type   ServerEventType `json:"type"`
	ItemID string          `json:"item_id"`
}

func (e ItemDeletedEvent) EventType() ServerEventType { return e.Type }

type InputAudioTranscriptionCompletedEvent struct {
	Type         ServerEventType `json:"type"`
	ItemID       string          `json:"item_id"`
	ContentIndex int             `json:"content_index"`
	Transcript   string          `json:"transcript"`
}

func (e InputAudioTranscriptionCompletedEvent) EventType() ServerEventType { return e.Type }

type SpeechStartedEvent struct {
	Type        ServerEventType `json:"type"`
	ItemID      string          `json:"item_id"`
	AudioStartMs int            `json:"audio_start_ms"`
}

func (e SpeechStartedEvent) EventType() ServerEventType { return e.Type }

type SpeechStoppedEvent struct {
	Type       ServerEventType `json:"type"`
	ItemID     string          `json:"item_id"`
	AudioEndMs int             `json:"audio_end_ms"`
}

func (e SpeechStoppedEvent) EventType() ServerEventType { return e.Type }

type ResponseCreatedEvent struct {
	Type     ServerEventType `json:"type"`
	Response Response        `json:"response"`
}

func (e ResponseCreatedEvent) EventType() ServerEventType { return e.Type }

type OutputItemAddedEvent struct {
	Type       ServerEventType `json:"type"`
	ResponseID string          `json:"response_id"`
	Item       Item            `json:"item"`
}

func (e OutputItemAddedEvent) EventType() ServerEventType { return e.Type }

type OutputItemDoneEvent struct {
	Type ServerEventType `json:"type"`
	Item Item            `json:"item"`
}

func (e OutputItemDoneEvent) EventType() ServerEventType { return e.Type }

type ContentPartAddedEvent struct {
	Type   ServerEventType `json:"type"`
	ItemID string          `json:"item_id"`
	Part   ContentPart     `json:"part"`
}

func (e ContentPartAddedEvent) EventType() ServerEventType { return e.Type }

type AudioTranscriptDeltaEvent struct {
	Type         ServerEventType `json:"type"`
	ItemID       string          `json:"item_id"`
	ContentIndex int             `json:"content_index"`
	Delta        string          `json:"delta"`
}

func (e AudioTranscriptDeltaEvent) EventType() ServerEventType { return e.Type }

type AudioDeltaEvent struct {
	Type   ServerEventType `json:"type"`
	ItemID string          `json:"item_id"`
	Delta  string          `json:"delta"` // base64
}

func (e AudioDeltaEvent) EventType() ServerEventType { return e.Type }

type TextDeltaEvent struct {
	Type         ServerEventType `json:"type"`
	ItemID       string          `json:"item_id"`
	ContentIndex int             `json:"content_index"`
	Delta        string          `json:"delta"`
}

func (e TextDeltaEvent) EventType() ServerEventType { return e.Type }

type FunctionCallArgumentsDeltaEvent struct {
	Type   ServerEventType `json:"type"`
	ItemID string          `json:"item_id"`
	Delta  string          `json:"delta"`
}

func (e FunctionCallArgumentsDeltaEvent) EventType() ServerEventType { return e.Type }

type SessionCreatedEvent struct {
	Type    ServerEventType `json:"type"`
	Session json.RawMessage `json:"session"`
}

func (e SessionCreatedEvent) EventType() ServerEventType { return e.Type }

type ErrorEvent struct {
	Type  ServerEventType `json:"type"`
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (e ErrorEvent) EventType() ServerEventType { return e.Type }

// UnmarshalServerEvent decodes a raw inbound frame into its concrete
// typed event based on the "type" field, failing on an unrecognized
// type per spec (protocol violation).
func UnmarshalServerEvent(data []byte) (ServerEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed event envelope: %w", err)
	}

	switch env.EventType {
	case EventItemCreated:
		var e ItemCreatedEvent
		if err := unmarshalInto(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventItemTruncated:
		var e ItemTruncatedEvent
		if err := unmarshalInto(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventItemDeleted:
		var e ItemDeletedEvent
		if err := unmarshalInto(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventInputAudioTranscriptCompleted:
		var e InputAudioTranscriptionCompletedEvent
		if err := unmarshalInto(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventSpeechStarted:
		var e SpeechStartedEvent
		if err := unmarshalInto(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventSpeechStopped:
		var e SpeechStoppedEvent
		if err := unmarshalInto(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventResponseCreated:
		var e ResponseCreatedEvent
		if err := unmarshalInto(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventOutputItemAdded:
		var e OutputItemAddedEvent
		if err := unmarshalInto(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventOutputItemDone:
		var e OutputItemDoneEvent
		if err := unmarshalInto(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventContentPartAdded:
		var e ContentPartAddedEvent
		if err := unmarshalInto(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventAudioTranscriptDelta:
		var e AudioTranscriptDeltaEvent
		if err := unmarshalInto(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventAudioDelta:
		var e AudioDeltaEvent
		if err := unmarshalInto(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTextDelta:
		var e TextDeltaEvent
		if err := unmarshalInto(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventFunctionCallArgumentsDelta:
		var e FunctionCallArgumentsDeltaEvent
		if err := unmarshalInto(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventSessionCreated:
		var e SessionCreatedEvent
		if err := unmarshalInto(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventError:
		var e ErrorEvent
		if err := unmarshalInto(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown server event type: %q", env.EventType)
	}
}

func unmarshalInto(data []byte, v ServerEvent) error {
	return json.Unmarshal(data, v)
}
