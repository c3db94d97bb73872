package tutor

import (
	"errors"
	"fmt"

	"github.com/lexiqai/voice-tutor/internal/audio"
)

// MinUploadSize is the smallest recording worth sending. Anything shorter is
// a click or an empty container.
const MinUploadSize = 100

var (
	// ErrRecordingTooShort is returned by SubmitVoice for missing or tiny recordings.
	ErrRecordingTooShort = errors.New("no audio data recorded or recording too short")

	// ErrEmptyMessage is returned by Chat for blank messages.
	ErrEmptyMessage = errors.New("message is empty")
)

// Settings are the per-conversation preferences sent with every request.
type Settings struct {
	Tempo          float64 `json:"tempo" validate:"gte=0.5,lte=1.5"`
	Difficulty     string  `json:"difficulty" validate:"oneof=beginner intermediate advanced"`
	NativeLanguage string  `json:"native_language" validate:"oneof=en es"`
	TargetLanguage string  `json:"target_language" validate:"oneof=en es,nefield=NativeLanguage"`
}

// Validate checks the settings against the values the service accepts.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid tutor settings: %w", err)
	}
	return nil
}

// Message is one entry of the conversation history.
type Message struct {
	Role      string `json:"role"` // user, assistant or system
	Content   string `json:"content"`
	Corrected string `json:"corrected,omitempty"`
	Natural   string `json:"natural,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Settings
}

// ChatResponse is returned by POST /chat.
type ChatResponse struct {
	ConversationID string    `json:"conversation_id"`
	History        []Message `json:"history"`
	AudioURL       string    `json:"audio_url,omitempty"`
}

// VoiceRequest carries a finished recording to POST /voice-input.
type VoiceRequest struct {
	Artifact       *audio.Artifact
	ConversationID string
	Settings       Settings
}

// VoiceResponse is returned by POST /voice-input.
type VoiceResponse struct {
	ConversationID  string `json:"conversation_id"`
	TranscribedText string `json:"transcribed_text"`
	Reply           string `json:"reply"`
	Corrected       string `json:"corrected,omitempty"`
	Natural         string `json:"natural,omitempty"`
	AudioURL        string `json:"audio_url,omitempty"`
}

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: server responded with status %d", e.Endpoint, e.StatusCode)
}

// WelcomeMessage returns the greeting shown before the first exchange.
func WelcomeMessage(targetLanguage string) string {
	if targetLanguage == "es" {
		return "¡Hola! Soy tu tutor de español. ¿Cómo puedo ayudarte hoy?"
	}
	return "Hello! I'm your English tutor. How can I help you today?"
}
