package stream

import (
	"github.com/lexiqai/voice-tutor/internal/capture"
	"github.com/lexiqai/voice-tutor/internal/tutor"
)

// Events sent by the browser
const (
	EventStart         = "start"
	EventStop          = "stop"
	EventReset         = "reset"
	EventMicGranted    = "mic_granted"
	EventMicDenied     = "mic_denied"
	EventMedia         = "media"
	EventChat          = "chat"
	EventSettings      = "settings"
	EventPlaybackEnded = "playback_ended"
)

// Events sent to the browser
const (
	EventMicRequest = "mic_request"
	EventMicRelease = "mic_release"
	EventState      = "state"
	EventReply      = "reply"
	EventError      = "error"
)

// ClientMessage is a message from the browser
type ClientMessage struct {
	Event    string          `json:"event"`
	Format   *MicFormat      `json:"format,omitempty"`   // mic_granted
	Media    *Media          `json:"media,omitempty"`    // media
	Text     string          `json:"text,omitempty"`     // chat
	Error    string          `json:"error,omitempty"`    // mic_denied
	Settings *SettingsUpdate `json:"settings,omitempty"` // settings
}

// MicFormat describes the PCM the browser will stream after a grant
type MicFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// Media carries one chunk of captured audio
type Media struct {
	Payload  string `json:"payload"`            // Base64 encoded audio
	Encoding string `json:"encoding,omitempty"` // pcm16 (default) or mulaw
}

// SettingsUpdate changes conversation preferences. Nil fields are left alone.
type SettingsUpdate struct {
	Tempo          *float64 `json:"tempo,omitempty"`
	Difficulty     *string  `json:"difficulty,omitempty"`
	NativeLanguage *string  `json:"native_language,omitempty"`
	TargetLanguage *string  `json:"target_language,omitempty"`
	VoiceInput     *bool    `json:"voice_input,omitempty"`
	Continuous     *bool    `json:"continuous,omitempty"`
}

// ServerMessage is a message to the browser
type ServerMessage struct {
	Event string            `json:"event"`
	State *capture.Snapshot `json:"state,omitempty"`
	Reply *Reply            `json:"reply,omitempty"`
	Error string            `json:"error,omitempty"`
}

// Reply is a response from the tutoring service, ready for display.
// Chat replies carry the full history; voice replies carry the new exchange.
type Reply struct {
	ConversationID  string          `json:"conversation_id,omitempty"`
	History         []tutor.Message `json:"history,omitempty"`
	TranscribedText string          `json:"transcribed_text,omitempty"`
	Reply           string          `json:"reply,omitempty"`
	Corrected       string          `json:"corrected,omitempty"`
	Natural         string          `json:"natural,omitempty"`
	AudioURL        string          `json:"audio_url,omitempty"` // absolute
}
