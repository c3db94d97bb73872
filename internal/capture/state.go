package capture

import (
	"time"

	"github.com/lexiqai/voice-tutor/internal/audio"
)

// State is the lifecycle phase of the engine.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting" // waiting for the device
	StateRecording  State = "recording"
	StateProcessing State = "processing" // entered and left by the caller
)

// StopReason records what ended a recording.
type StopReason string

const (
	ReasonManual      StopReason = "manual"
	ReasonSilence     StopReason = "silence"
	ReasonSafetyTimer StopReason = "safety_timer"
	ReasonReset       StopReason = "reset" // metrics only; reset never completes a recording
)

// Snapshot is the observable state of the engine.
type Snapshot struct {
	SessionID        string    `json:"session_id,omitempty"`
	State            State     `json:"state"`
	IsRecording      bool      `json:"is_recording"`
	IsProcessing     bool      `json:"is_processing"`
	HasSpeech        bool      `json:"has_speech"`
	SilenceDetected  bool      `json:"silence_detected"`
	CurrentLevel     float64   `json:"current_level"`
	PeakLevel        float64   `json:"peak_level"`
	StatusMessage    string    `json:"status_message"`
	SilenceCountdown *int      `json:"silence_countdown"` // seconds until auto-stop, nil when not counting
	SampleHistory    []float64 `json:"sample_history"`
}

// Recording is handed to the completion callback when a recording that
// contained speech stops.
type Recording struct {
	SessionID string
	Reason    StopReason
	Artifact  *audio.Artifact // nil if nothing was captured
	Duration  time.Duration
	PeakLevel float64
}
