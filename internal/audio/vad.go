package audio

import (
	"math"
	"time"
)

// VADConfig holds the thresholds for speech/silence classification.
// Levels between SilenceThreshold and SpeechThreshold are ambiguous: they never
// start speech and never start a silence run.
type VADConfig struct {
	SilenceThreshold float64       // level below which a sample is silence
	SpeechThreshold  float64       // level above which a sample is speech
	SilenceDuration  time.Duration // post-speech silence needed to auto-stop
	MinRecordingTime time.Duration // grace period before silence is evaluated
}

// DefaultVADConfig returns the thresholds used by the tutor screen.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SilenceThreshold: 40,
		SpeechThreshold:  70,
		SilenceDuration:  1500 * time.Millisecond,
		MinRecordingTime: 500 * time.Millisecond,
	}
}

// VoiceEvent is the outcome of classifying one level sample.
type VoiceEvent struct {
	Level float64

	// Transitions caused by this sample
	SpeechStarted   bool
	SilenceStarted  bool
	SilenceCanceled bool
	AutoStop        bool // silence run reached SilenceDuration; reported once

	// Countdown, valid while Counting
	Counting  bool
	Elapsed   time.Duration
	Remaining time.Duration
}

// CountdownSeconds returns the remaining silence time rounded up to whole seconds.
func (e VoiceEvent) CountdownSeconds() int {
	if e.Remaining <= 0 {
		return 0
	}
	return int(math.Ceil(e.Remaining.Seconds()))
}

// VoiceDetector classifies energy levels into speech and silence and decides
// when a recording should stop. It only uses the timestamps it is given,
// so callers drive it from a ticker and tests drive it from a fixed sequence.
type VoiceDetector struct {
	config       VADConfig
	started      time.Time
	hasSpeech    bool
	inSilence    bool
	silenceStart time.Time
	fired        bool
}

// NewVoiceDetector creates a detector for the given thresholds
func NewVoiceDetector(config VADConfig) *VoiceDetector {
	return &VoiceDetector{config: config}
}

// Begin starts a new recording at now and clears all previous state.
func (v *VoiceDetector) Begin(now time.Time) {
	v.Reset()
	v.started = now
}

// Update classifies level sampled at now and returns what changed.
func (v *VoiceDetector) Update(level float64, now time.Time) VoiceEvent {
	event := VoiceEvent{Level: level}

	if level > v.config.SpeechThreshold && !v.hasSpeech {
		v.hasSpeech = true
		event.SpeechStarted = true
		v.clearSilence()
	}

	// Silence only counts once speech has been heard and the grace period is over.
	if !v.hasSpeech || now.Sub(v.started) <= v.config.MinRecordingTime {
		return event
	}

	if level < v.config.SilenceThreshold {
		if !v.inSilence {
			v.inSilence = true
			v.silenceStart = now
			event.SilenceStarted = true
		}

		elapsed := now.Sub(v.silenceStart)
		event.Counting = true
		event.Elapsed = elapsed
		event.Remaining = max(v.config.SilenceDuration-elapsed, 0)

		if elapsed >= v.config.SilenceDuration && !v.fired {
			v.fired = true
			event.AutoStop = true
		}
		return event
	}

	if v.inSilence {
		v.clearSilence()
		event.SilenceCanceled = true
	}
	return event
}

func (v *VoiceDetector) clearSilence() {
	v.inSilence = false
	v.silenceStart = time.Time{}
}

// Finish ends the recording: any silence run is dropped, speech is kept.
func (v *VoiceDetector) Finish() {
	v.clearSilence()
}

// HasSpeech reports whether speech was heard since Begin
func (v *VoiceDetector) HasSpeech() bool {
	return v.hasSpeech
}

// SilenceDetected reports whether a post-speech silence run is in progress
func (v *VoiceDetector) SilenceDetected() bool {
	return v.inSilence
}

// SilenceStart returns when the current silence run began, or the zero time
func (v *VoiceDetector) SilenceStart() time.Time {
	return v.silenceStart
}

// Reset resets the detector state
func (v *VoiceDetector) Reset() {
	v.started = time.Time{}
	v.hasSpeech = false
	v.fired = false
	v.clearSilence()
}
