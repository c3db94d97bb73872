package capture

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lexiqai/voice-tutor/internal/audio"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// RecorderConfig holds the caller-supplied settings for a recording session.
// It is copied on Start and never changes while a session runs.
type RecorderConfig struct {
	SilenceThreshold float64       `validate:"gte=0,lte=255"`
	SpeechThreshold  float64       `validate:"gtefield=SilenceThreshold,lte=255"`
	SilenceDuration  time.Duration `validate:"gt=0"`
	MinRecordingTime time.Duration `validate:"gte=0"`
	SampleInterval   time.Duration `validate:"gt=0"`
	Resolution       audio.Resolution
	HistorySize      int           `validate:"gt=0"`
	SafetyBuffer     time.Duration `validate:"gte=0"` // added to SilenceDuration for the safety timer
}

// DefaultRecorderConfig returns the settings used by the tutor screen.
func DefaultRecorderConfig() RecorderConfig {
	vad := audio.DefaultVADConfig()
	return RecorderConfig{
		SilenceThreshold: vad.SilenceThreshold,
		SpeechThreshold:  vad.SpeechThreshold,
		SilenceDuration:  vad.SilenceDuration,
		MinRecordingTime: vad.MinRecordingTime,
		SampleInterval:   50 * time.Millisecond,
		Resolution:       audio.DefaultResolution(),
		HistorySize:      audio.DefaultHistorySize,
		SafetyBuffer:     500 * time.Millisecond,
	}
}

// Validate checks field ranges and the FFT size.
func (c RecorderConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid recorder config: %w", err)
	}
	if n := c.Resolution.FFTSize; n&(n-1) != 0 {
		return fmt.Errorf("invalid recorder config: fft size %d is not a power of two", n)
	}
	return nil
}

// VAD returns the classification part of the config.
func (c RecorderConfig) VAD() audio.VADConfig {
	return audio.VADConfig{
		SilenceThreshold: c.SilenceThreshold,
		SpeechThreshold:  c.SpeechThreshold,
		SilenceDuration:  c.SilenceDuration,
		MinRecordingTime: c.MinRecordingTime,
	}
}
