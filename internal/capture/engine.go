package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-tutor/internal/audio"
	"github.com/lexiqai/voice-tutor/internal/observability"
)

const statusReady = "Ready"

// session holds everything that belongs to one Start. A new session replaces
// the old one on Start and Reset, so nothing leaks between recordings.
type session struct {
	id      string
	vad     *audio.VoiceDetector
	history *audio.LevelHistory
	logger  zerolog.Logger

	format   audio.Format
	stream   Stream
	analyser *audio.Analyser
	bins     []uint8 // owned by the sampling goroutine
	chunks   [][]byte
	started  time.Time

	currentLevel float64
	peakLevel    float64
	countdown    *int

	stopLoop    chan struct{}
	loopStopped bool
	pumpDone    chan struct{}
	stopping    bool

	safety *time.Timer
	runSeq uint64 // bumped whenever a silence run starts or ends
}

// Engine is the voice capture engine. It owns at most one recording session,
// samples the input level at a fixed interval while recording and stops by
// itself once speech has been followed by enough silence.
//
// All methods are safe for concurrent use. OnChange listeners run with the
// engine locked: they must not block or call back into the engine.
type Engine struct {
	config RecorderConfig
	device Device
	logger zerolog.Logger
	now    func() time.Time

	onChange   func(Snapshot)
	onComplete func(Recording)

	mu         sync.Mutex
	state      State
	status     string
	closed     bool
	gen        uint64
	session    *session
	cancelOpen context.CancelFunc
}

// New creates an idle engine reading from device.
func New(config RecorderConfig, device Device, logger zerolog.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if device == nil {
		return nil, errors.New("capture device is required")
	}

	e := &Engine{
		config: config,
		device: device,
		logger: logger.With().Str("component", "capture").Logger(),
		now:    time.Now,
		state:  StateIdle,
		status: statusReady,
	}
	e.session = e.newSession("")
	return e, nil
}

// OnChange registers a listener for state changes. Set it before Start.
func (e *Engine) OnChange(fn func(Snapshot)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// OnComplete registers the callback invoked when a recording that contained
// speech stops. It runs synchronously on the goroutine that stopped the
// recording, after the engine has returned to idle. Set it before Start.
func (e *Engine) OnComplete(fn func(Recording)) {
	e.mu.Lock()
	e.onComplete = fn
	e.mu.Unlock()
}

// Config returns the settings the engine was created with.
func (e *Engine) Config() RecorderConfig {
	return e.config
}

func (e *Engine) newSession(id string) *session {
	logger := e.logger
	if id != "" {
		logger = logger.With().Str("session_id", id).Logger()
	}
	return &session{
		id:      id,
		vad:     audio.NewVoiceDetector(e.config.VAD()),
		history: audio.NewLevelHistory(e.config.HistorySize),
		logger:  logger,
	}
}

// Start requests the device and begins recording. It blocks until the device
// is granted or refused.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrSessionActive
	}

	e.gen++
	gen := e.gen
	s := e.newSession(uuid.New().String())
	e.session = s
	e.state = StateRequesting
	e.status = "Requesting microphone permissions..."
	openCtx, cancel := context.WithCancel(ctx)
	e.cancelOpen = cancel
	e.emitLocked()
	e.mu.Unlock()

	stream, err := e.device.Open(openCtx)
	cancel()

	e.mu.Lock()
	if gen != e.gen {
		// Reset or Close ran while we were waiting.
		e.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		return ErrSessionSuperseded
	}
	e.cancelOpen = nil

	if err != nil {
		e.state = StateIdle
		e.status = fmt.Sprintf("Microphone error: %v", err)
		e.emitLocked()
		e.mu.Unlock()

		kind := "denied"
		if errors.Is(err, ErrDeviceBusy) {
			kind = "busy"
		}
		observability.RecordDeviceError(kind)
		s.logger.Warn().Err(err).Msg("Microphone request failed")

		if errors.Is(err, ErrDeviceAccessDenied) || errors.Is(err, ErrDeviceBusy) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDeviceAccessDenied, err)
	}

	analyser, err := audio.NewAnalyser(e.config.Resolution)
	if err != nil {
		e.state = StateIdle
		e.status = fmt.Sprintf("Microphone error: %v", err)
		e.emitLocked()
		e.mu.Unlock()
		stream.Close()
		return fmt.Errorf("failed to create analyser: %w", err)
	}

	s.format = stream.Format()
	s.stream = stream
	s.analyser = analyser
	s.started = e.now()
	s.stopLoop = make(chan struct{})
	s.pumpDone = make(chan struct{})
	s.vad.Begin(s.started)

	e.state = StateRecording
	e.status = "Recording started! Waiting for speech..."
	e.emitLocked()
	e.mu.Unlock()

	observability.RecordRecordingStart()
	s.logger.Info().
		Int("sample_rate", s.format.SampleRate).
		Int("channels", s.format.Channels).
		Msg("Recording started")

	go e.pump(gen, s, stream.Chunks())
	go e.run(gen, s)
	return nil
}

// pump moves captured audio into the analyser and the chunk list until the
// stream's channel is closed.
func (e *Engine) pump(gen uint64, s *session, chunks <-chan []byte) {
	defer close(s.pumpDone)

	for chunk := range chunks {
		samples, err := audio.DecodePCM16(chunk)
		if err != nil {
			s.logger.Debug().Err(err).Int("bytes", len(chunk)).Msg("Dropping malformed chunk")
			continue
		}
		s.analyser.Write(audio.MixToMono(samples, s.format.Channels))

		e.mu.Lock()
		if gen == e.gen && len(chunk) > 0 {
			s.chunks = append(s.chunks, chunk)
		}
		e.mu.Unlock()
	}
}

// run is the sampling loop. Samples are processed in order on this goroutine.
func (e *Engine) run(gen uint64, s *session) {
	ticker := time.NewTicker(e.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopLoop:
			return
		case <-ticker.C:
			bins, err := s.analyser.ByteFrequencyData(s.bins)
			if err != nil {
				return
			}
			s.bins = bins
			e.observe(gen, audio.VoiceBandLevel(bins), e.now())
		}
	}
}

// observe applies one level sample to the session belonging to gen.
func (e *Engine) observe(gen uint64, level float64, now time.Time) {
	e.mu.Lock()
	s := e.session
	if gen != e.gen || e.state != StateRecording || s.stopping {
		e.mu.Unlock()
		return
	}

	s.currentLevel = level
	if level > s.peakLevel {
		s.peakLevel = level
	}
	s.history.Push(level)

	event := s.vad.Update(level, now)

	if event.SpeechStarted {
		s.logger.Debug().Float64("level", level).Msg("Speech detected")
		e.status = "Recording speech..."
		s.countdown = nil
	}

	switch {
	case event.SilenceStarted:
		e.armSafety(gen, s)
		e.status = "Silence detected after speech..."
	case event.SilenceCanceled:
		e.disarmSafety(s)
		e.status = "Recording speech..."
		s.countdown = nil
	}

	if event.Counting {
		seconds := event.CountdownSeconds()
		s.countdown = &seconds
		if !event.SilenceStarted {
			e.status = fmt.Sprintf("Silence detected (%ds until auto-submit)...", seconds)
		}
	}

	if event.AutoStop {
		e.status = "Silence threshold reached - auto-stopping"
		s.logger.Debug().Dur("silence", event.Elapsed).Msg("Silence threshold reached")
	}

	e.emitLocked()
	e.mu.Unlock()

	if event.AutoStop {
		e.stop(gen, ReasonSilence)
	}
}

func (e *Engine) armSafety(gen uint64, s *session) {
	if s.safety != nil {
		s.safety.Stop()
	}
	s.runSeq++
	seq := s.runSeq
	s.safety = time.AfterFunc(e.config.SilenceDuration+e.config.SafetyBuffer, func() {
		e.safetyExpired(gen, seq)
	})
}

func (e *Engine) disarmSafety(s *session) {
	if s.safety != nil {
		s.safety.Stop()
		s.safety = nil
	}
	s.runSeq++
}

// safetyExpired stops the recording if the silence run that armed the timer
// is still in progress. The sampling loop normally gets there first.
func (e *Engine) safetyExpired(gen, seq uint64) {
	e.mu.Lock()
	s := e.session
	valid := gen == e.gen && e.state == StateRecording && !s.stopping &&
		seq == s.runSeq && s.vad.SilenceDetected()
	e.mu.Unlock()

	if !valid {
		e.logger.Debug().Uint64("generation", gen).Msg("Ignoring stale safety timer")
		return
	}

	s.logger.Warn().Msg("Safety timer expired, stopping recording")
	e.stop(gen, ReasonSafetyTimer)
}

// Stop ends the current recording. It is a no-op unless recording.
func (e *Engine) Stop() {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()

	e.stop(gen, ReasonManual)
}

func (e *Engine) stop(gen uint64, reason StopReason) {
	e.mu.Lock()
	s := e.session
	if gen != e.gen || e.state != StateRecording || s.stopping {
		e.mu.Unlock()
		return
	}

	s.stopping = true
	s.haltLoop()
	e.disarmSafety(s)
	e.status = "Stopping recording..."
	e.emitLocked()
	stream := s.stream
	e.mu.Unlock()

	// Closing the stream flushes the last chunks; wait for the pump to take them.
	if err := stream.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close capture stream")
	}
	<-s.pumpDone

	e.mu.Lock()
	if gen != e.gen {
		// Reset took over the teardown.
		e.mu.Unlock()
		return
	}

	s.analyser.Close()
	s.stream = nil
	s.vad.Finish()
	s.countdown = nil

	duration := e.now().Sub(s.started)
	hasSpeech := s.vad.HasSpeech()
	e.state = StateIdle
	if hasSpeech {
		e.status = "Recording stopped"
	} else {
		e.status = "Recording stopped - no speech detected"
	}
	e.emitLocked()

	recording := Recording{
		SessionID: s.id,
		Reason:    reason,
		Artifact:  audio.NewWAVArtifact(s.format, s.chunks),
		Duration:  duration,
		PeakLevel: s.peakLevel,
	}
	onComplete := e.onComplete
	e.mu.Unlock()

	observability.RecordRecordingEnd(string(reason), duration)
	s.logger.Info().
		Str("reason", string(reason)).
		Dur("duration", duration).
		Bool("has_speech", hasSpeech).
		Int("bytes", recording.Artifact.Size()).
		Msg("Recording stopped")

	if hasSpeech && onComplete != nil {
		onComplete(recording)
	}
}

func (s *session) haltLoop() {
	if s.stopLoop != nil && !s.loopStopped {
		close(s.stopLoop)
		s.loopStopped = true
	}
}

// Reset abandons any session, including a pending device request, and
// returns the engine to the state of a freshly created one.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.gen++
	if e.cancelOpen != nil {
		e.cancelOpen()
		e.cancelOpen = nil
	}

	old := e.session
	wasRecording := e.state == StateRecording
	old.haltLoop()
	e.disarmSafety(old)
	stream, pumpDone, analyser := old.stream, old.pumpDone, old.analyser
	old.stream = nil

	e.session = e.newSession("")
	e.state = StateIdle
	e.status = statusReady
	e.emitLocked()
	e.mu.Unlock()

	if wasRecording {
		observability.RecordRecordingEnd(string(ReasonReset), e.now().Sub(old.started))
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to close capture stream")
		}
		<-pumpDone
	}
	if analyser != nil {
		analyser.Close()
	}
}

// Close resets the engine and rejects further Start calls.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.Reset()
}

// AudioBlob returns the audio captured by the latest session, or nil if
// nothing was captured. Each call builds a new artifact from the same chunks.
func (e *Engine) AudioBlob() *audio.Artifact {
	e.mu.Lock()
	defer e.mu.Unlock()

	return audio.NewWAVArtifact(e.session.format, e.session.chunks)
}

// BeginProcessing marks the engine busy while the caller submits the
// recording of sessionID. It fails if that session is no longer current.
func (e *Engine) BeginProcessing(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.id != sessionID {
		return ErrSessionSuperseded
	}
	if e.state != StateIdle {
		return ErrNotIdle
	}
	e.state = StateProcessing
	e.status = "Processing audio..."
	e.emitLocked()
	return nil
}

// FinishProcessing ends processing for sessionID and leaves the engine as
// fresh, showing status. It returns false, changing nothing, when sessionID
// is no longer processing because Reset or a new recording took over.
func (e *Engine) FinishProcessing(sessionID, status string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.id != sessionID || e.state != StateProcessing {
		return false
	}
	// Stop already released the stream, loop and analyser.
	e.gen++
	e.session = e.newSession("")
	e.state = StateIdle
	e.status = status
	e.emitLocked()
	return true
}

// SetStatus replaces the status message shown to the user.
func (e *Engine) SetStatus(message string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.status = message
	e.emitLocked()
}

// SetSessionStatus replaces the status message only while sessionID is
// current. It reports whether the message was applied.
func (e *Engine) SetSessionStatus(sessionID, message string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.id != sessionID {
		return false
	}
	e.status = message
	e.emitLocked()
	return true
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns the current observable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	s := e.session

	var countdown *int
	if s.countdown != nil {
		v := *s.countdown
		countdown = &v
	}

	return Snapshot{
		SessionID:        s.id,
		State:            e.state,
		IsRecording:      e.state == StateRecording,
		IsProcessing:     e.state == StateProcessing,
		HasSpeech:        s.vad.HasSpeech(),
		SilenceDetected:  s.vad.SilenceDetected(),
		CurrentLevel:     s.currentLevel,
		PeakLevel:        s.peakLevel,
		StatusMessage:    e.status,
		SilenceCountdown: countdown,
		SampleHistory:    s.history.Values(),
	}
}

func (e *Engine) emitLocked() {
	if e.onChange != nil {
		e.onChange(e.snapshotLocked())
	}
}
