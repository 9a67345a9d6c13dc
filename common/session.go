// Package common holds the types shared between the engine's public API
// and the wire protocol: tool definitions, tool-choice policy, and the
// session configuration sent on connect and on every update_session.
package common

import (
	"reflect"

	"github.com/invopop/jsonschema"
)

// Modality is a channel the session may produce or accept.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
)

// AudioFormat is a wire-level PCM encoding name.
type AudioFormat string

const (
	AudioFormatPCM16 AudioFormat = "pcm16"
)

// ToolChoiceType selects how the model may invoke registered tools.
type ToolChoiceType string

const (
	ToolChoiceAuto     ToolChoiceType = "auto"
	ToolChoiceNone     ToolChoiceType = "none"
	ToolChoiceRequired ToolChoiceType = "required"
)

// ToolChoice is either one of the fixed policies above or the name of a
// single tool the model must call.
type ToolChoice struct {
	Type ToolChoiceType
	Name string // set only when Type is empty: "force this named tool"
}

// Tool describes one function the model may call. Parameters is derived
// from ParametersType via reflection (invopop/jsonschema) when the
// caller registers a Go struct instead of hand-building a schema.
type Tool struct {
	Name           string
	Description    string
	Parameters     *jsonschema.Schema
	ParametersType reflect.Type
}

// SchemaFor builds a Tool's Parameters from a Go struct type using
// struct tags, the same way invopop/jsonschema is used elsewhere in the
// pack for LLM function-calling schemas.
func SchemaFor(t reflect.Type) *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	return reflector.ReflectFromType(t)
}

// TurnDetection configures server-side voice activity detection. A nil
// *TurnDetection in SessionConfig disables server VAD entirely (the
// caller must drive response creation manually).
type TurnDetection struct {
	Type              string  `json:"type"` // "server_vad"
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// InputAudioTranscription configures the optional separate
// speech-to-text pass run over input audio.
type InputAudioTranscription struct {
	Model string `json:"model,omitempty"`
}

// SessionConfig is sent on connect and may be re-sent via update_session
// whenever the tool registry or generation parameters change.
type SessionConfig struct {
	Modalities              []Modality               `json:"modalities,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioFormat        AudioFormat              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       AudioFormat              `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection            `json:"turn_detection"`
	Tools                   []Tool                   `json:"-"` // marshaled via MarshalTools
	ToolChoice              ToolChoice               `json:"-"`
	Temperature             float64                  `json:"temperature,omitempty"`
	MaxResponseOutputTokens interface{}               `json:"max_response_output_tokens,omitempty"` // int or "inf"
}
