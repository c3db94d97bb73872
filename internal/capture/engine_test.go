package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-tutor/internal/audio"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return t0.Add(time.Duration(ms) * time.Millisecond)
}

type fakeStream struct {
	format audio.Format
	ch     chan []byte
	once   sync.Once
	closes int
	mu     sync.Mutex
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		format: audio.Format{SampleRate: 16000, Channels: 1},
		ch:     make(chan []byte, 64),
	}
}

func (s *fakeStream) Format() audio.Format  { return s.format }
func (s *fakeStream) Chunks() <-chan []byte { return s.ch }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
	return nil
}

func (s *fakeStream) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes > 0
}

type fakeDevice struct {
	mu      sync.Mutex
	err     error
	block   bool // wait for ctx instead of returning
	opened  chan struct{}
	streams []*fakeStream
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{opened: make(chan struct{}, 8)}
}

func (d *fakeDevice) Open(ctx context.Context) (Stream, error) {
	d.mu.Lock()
	err, block := d.err, d.block
	d.mu.Unlock()

	d.opened <- struct{}{}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	s := newFakeStream()
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDevice) last() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

// testConfig never lets the ticker fire, so tests drive samples through observe.
func testConfig() RecorderConfig {
	cfg := DefaultRecorderConfig()
	cfg.MinRecordingTime = 0
	cfg.SampleInterval = time.Hour
	cfg.SafetyBuffer = time.Hour
	return cfg
}

func newTestEngine(t *testing.T, cfg RecorderConfig, device Device) *Engine {
	t.Helper()
	e, err := New(cfg, device, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	e.now = func() time.Time { return t0 }
	t.Cleanup(e.Close)
	return e
}

func startRecording(t *testing.T, e *Engine) uint64 {
	t.Helper()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen
}

func pcmChunk(samples int) []byte {
	b := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(int16(i*100)))
	}
	return b
}

func TestEngine_StartAndStop(t *testing.T) {
	device := newFakeDevice()
	e := newTestEngine(t, testConfig(), device)

	var states []State
	e.OnChange(func(s Snapshot) { states = append(states, s.State) })

	startRecording(t, e)
	snap := e.Snapshot()
	if !snap.IsRecording || snap.State != StateRecording {
		t.Fatalf("Expected recording state, got %+v", snap)
	}
	if snap.SessionID == "" {
		t.Error("Expected a session ID while recording")
	}
	if snap.StatusMessage != "Recording started! Waiting for speech..." {
		t.Errorf("Unexpected status %q", snap.StatusMessage)
	}

	e.Stop()
	if e.State() != StateIdle {
		t.Errorf("Expected idle after Stop, got %s", e.State())
	}
	if !device.last().closed() {
		t.Error("Expected stream closed after Stop")
	}

	want := []State{StateRequesting, StateRecording}
	if !reflect.DeepEqual(states[:2], want) {
		t.Errorf("Expected transitions to begin with %v, got %v", want, states)
	}
}

func TestEngine_PeakLevelNonDecreasing(t *testing.T) {
	e := newTestEngine(t, testConfig(), newFakeDevice())
	gen := startRecording(t, e)

	for i, level := range []float64{10, 90, 30, 60} {
		e.observe(gen, level, at(i*50))
	}

	snap := e.Snapshot()
	if snap.PeakLevel != 90 {
		t.Errorf("Expected peak 90, got %f", snap.PeakLevel)
	}
	if snap.CurrentLevel != 60 {
		t.Errorf("Expected current level 60, got %f", snap.CurrentLevel)
	}
	if !reflect.DeepEqual(snap.SampleHistory, []float64{10, 90, 30, 60}) {
		t.Errorf("Unexpected history %v", snap.SampleHistory)
	}
}

func TestEngine_HistoryBounded(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 5
	e := newTestEngine(t, cfg, newFakeDevice())
	gen := startRecording(t, e)

	for i := 0; i < 12; i++ {
		e.observe(gen, float64(i), at(i*50))
	}

	history := e.Snapshot().SampleHistory
	if !reflect.DeepEqual(history, []float64{7, 8, 9, 10, 11}) {
		t.Errorf("Expected the five most recent levels, got %v", history)
	}
}

func TestEngine_AutoStopAfterSilence(t *testing.T) {
	device := newFakeDevice()
	e := newTestEngine(t, testConfig(), device)

	var completed []Recording
	e.OnComplete(func(r Recording) { completed = append(completed, r) })

	gen := startRecording(t, e)
	device.last().ch <- pcmChunk(160)

	e.observe(gen, 80, at(0))
	e.observe(gen, 80, at(50))
	e.observe(gen, 20, at(100))

	snap := e.Snapshot()
	if !snap.SilenceDetected {
		t.Fatal("Expected silence run after speech")
	}
	if snap.SilenceCountdown == nil || *snap.SilenceCountdown != 2 {
		t.Errorf("Expected countdown 2 at run start, got %v", snap.SilenceCountdown)
	}

	e.observe(gen, 20, at(1100))
	snap = e.Snapshot()
	if snap.SilenceCountdown == nil || *snap.SilenceCountdown != 1 {
		t.Errorf("Expected countdown 1 with 500ms left, got %v", snap.SilenceCountdown)
	}
	if snap.StatusMessage != "Silence detected (1s until auto-submit)..." {
		t.Errorf("Unexpected status %q", snap.StatusMessage)
	}

	e.observe(gen, 20, at(1600))
	if e.State() != StateIdle {
		t.Fatalf("Expected auto-stop to return to idle, got %s", e.State())
	}

	// later samples from the dead loop are ignored
	e.observe(gen, 20, at(1650))

	if len(completed) != 1 {
		t.Fatalf("Expected one completion, got %d", len(completed))
	}
	rec := completed[0]
	if rec.Reason != ReasonSilence {
		t.Errorf("Expected reason %s, got %s", ReasonSilence, rec.Reason)
	}
	if rec.Artifact == nil || rec.Artifact.Size() != 44+320 {
		t.Errorf("Expected a WAV artifact of %d bytes, got %+v", 44+320, rec.Artifact)
	}
	if rec.PeakLevel != 80 {
		t.Errorf("Expected peak 80, got %f", rec.PeakLevel)
	}

	snap = e.Snapshot()
	if !snap.HasSpeech {
		t.Error("Expected hasSpeech to survive the stop")
	}
	if snap.SilenceDetected || snap.SilenceCountdown != nil {
		t.Error("Expected the silence run cleared after stop")
	}
}

func TestEngine_NoCompletionWithoutSpeech(t *testing.T) {
	e := newTestEngine(t, testConfig(), newFakeDevice())

	calls := 0
	e.OnComplete(func(Recording) { calls++ })

	gen := startRecording(t, e)
	for i := 0; i < 100; i++ {
		e.observe(gen, 0, at(i*50))
	}
	if e.State() != StateRecording {
		t.Fatal("Expected silence without speech never to auto-stop")
	}

	e.Stop()
	if calls != 0 {
		t.Errorf("Expected no completion without speech, got %d", calls)
	}
	if got := e.Snapshot().StatusMessage; got != "Recording stopped - no speech detected" {
		t.Errorf("Unexpected status %q", got)
	}
}

func TestEngine_AmbiguousLevelCancelsSilence(t *testing.T) {
	e := newTestEngine(t, testConfig(), newFakeDevice())
	gen := startRecording(t, e)

	e.observe(gen, 80, at(0))
	e.observe(gen, 20, at(50))
	e.observe(gen, 50, at(100))

	snap := e.Snapshot()
	if snap.SilenceDetected || snap.SilenceCountdown != nil {
		t.Errorf("Expected level 50 to cancel the silence run, got %+v", snap)
	}
	if snap.StatusMessage != "Recording speech..." {
		t.Errorf("Unexpected status %q", snap.StatusMessage)
	}
}

func TestEngine_MinRecordingTime(t *testing.T) {
	cfg := testConfig()
	cfg.MinRecordingTime = 500 * time.Millisecond
	e := newTestEngine(t, cfg, newFakeDevice())
	gen := startRecording(t, e)

	e.observe(gen, 80, at(0))
	for ms := 50; ms <= 500; ms += 50 {
		e.observe(gen, 10, at(ms))
		if e.Snapshot().SilenceDetected {
			t.Fatalf("Silence evaluated inside the grace period at %dms", ms)
		}
	}

	e.observe(gen, 10, at(550))
	if !e.Snapshot().SilenceDetected {
		t.Error("Expected silence run once the grace period is over")
	}
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	device := newFakeDevice()
	e := newTestEngine(t, testConfig(), device)

	calls := 0
	e.OnComplete(func(Recording) { calls++ })

	gen := startRecording(t, e)
	e.observe(gen, 80, at(0))

	e.Stop()
	e.Stop()
	if calls != 1 {
		t.Errorf("Expected one completion, got %d", calls)
	}

	// Stop on a fresh engine is a no-op
	fresh := newTestEngine(t, testConfig(), newFakeDevice())
	fresh.Stop()
	if fresh.State() != StateIdle {
		t.Errorf("Expected fresh engine to stay idle, got %s", fresh.State())
	}
}

func TestEngine_ConcurrentStartRejected(t *testing.T) {
	device := newFakeDevice()
	e := newTestEngine(t, testConfig(), device)
	startRecording(t, e)

	if err := e.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("Expected ErrSessionActive, got %v", err)
	}
	id := e.Snapshot().SessionID
	if err := e.BeginProcessing(id); !errors.Is(err, ErrNotIdle) {
		t.Errorf("Expected ErrNotIdle while recording, got %v", err)
	}

	e.Stop()
	if err := e.BeginProcessing(id); err != nil {
		t.Fatalf("BeginProcessing failed: %v", err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("Expected ErrSessionActive while processing, got %v", err)
	}
	if !e.Snapshot().IsProcessing {
		t.Error("Expected isProcessing")
	}
	if !e.FinishProcessing(id, "Received response from server") {
		t.Fatal("Expected FinishProcessing to apply to the current session")
	}
	snap := e.Snapshot()
	if snap.State != StateIdle || snap.SessionID != "" || snap.HasSpeech {
		t.Errorf("Expected a fresh idle engine after FinishProcessing, got %+v", snap)
	}
	if snap.StatusMessage != "Received response from server" {
		t.Errorf("Unexpected status %q", snap.StatusMessage)
	}
}

func TestEngine_StaleProcessingIgnored(t *testing.T) {
	device := newFakeDevice()
	e := newTestEngine(t, testConfig(), device)

	gen := startRecording(t, e)
	e.observe(gen, 80, at(0))
	old := e.Snapshot().SessionID
	e.Stop()
	if err := e.BeginProcessing(old); err != nil {
		t.Fatalf("BeginProcessing failed: %v", err)
	}

	// the user abandons the upload and records again
	e.Reset()
	gen = startRecording(t, e)
	e.observe(gen, 80, at(100))
	current := e.Snapshot()

	if err := e.BeginProcessing(old); !errors.Is(err, ErrSessionSuperseded) {
		t.Errorf("Expected ErrSessionSuperseded, got %v", err)
	}
	if e.SetSessionStatus(old, "Sending audio to server...") {
		t.Error("Expected stale status update to be rejected")
	}
	if e.FinishProcessing(old, "Playing audio response...") {
		t.Error("Expected stale FinishProcessing to be rejected")
	}

	snap := e.Snapshot()
	if snap.SessionID != current.SessionID || !snap.IsRecording || !snap.HasSpeech {
		t.Errorf("Expected the new recording to survive, got %+v", snap)
	}
	if snap.StatusMessage != current.StatusMessage {
		t.Errorf("Expected status %q to be kept, got %q", current.StatusMessage, snap.StatusMessage)
	}
	if device.last().closed() {
		t.Error("Expected the new stream to stay open")
	}

	if !e.SetSessionStatus(current.SessionID, "still here") {
		t.Error("Expected status update for the current session")
	}
}

func TestEngine_DeviceDenied(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"denied", ErrDeviceAccessDenied, ErrDeviceAccessDenied},
		{"busy", ErrDeviceBusy, ErrDeviceBusy},
		{"other", errors.New("no input device"), ErrDeviceAccessDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := newFakeDevice()
			device.err = tt.err
			e := newTestEngine(t, testConfig(), device)

			err := e.Start(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}

			snap := e.Snapshot()
			if snap.State != StateIdle || snap.IsRecording {
				t.Errorf("Expected idle after device failure, got %+v", snap)
			}
			if snap.StatusMessage == "" || snap.StatusMessage == statusReady {
				t.Errorf("Expected an error status, got %q", snap.StatusMessage)
			}
			if e.AudioBlob() != nil {
				t.Error("Expected no audio after device failure")
			}
		})
	}
}

func TestEngine_AudioBlob(t *testing.T) {
	device := newFakeDevice()
	e := newTestEngine(t, testConfig(), device)

	if e.AudioBlob() != nil {
		t.Error("Expected nil blob on a fresh engine")
	}

	startRecording(t, e)
	e.Stop()
	if e.AudioBlob() != nil {
		t.Error("Expected nil blob when nothing was captured")
	}

	startRecording(t, e)
	stream := device.last()
	stream.ch <- pcmChunk(100)
	stream.ch <- pcmChunk(60)
	e.Stop()

	first := e.AudioBlob()
	second := e.AudioBlob()
	if first == nil {
		t.Fatal("Expected a blob after capture")
	}
	if first.MIMEType != audio.MIMETypeWAV {
		t.Errorf("Expected MIME type %s, got %s", audio.MIMETypeWAV, first.MIMEType)
	}
	if first.Size() != 44+320 {
		t.Errorf("Expected %d bytes, got %d", 44+320, first.Size())
	}
	if !reflect.DeepEqual(first.Data, second.Data) {
		t.Error("Expected AudioBlob to be idempotent")
	}
}

func TestEngine_ResetMatchesFreshEngine(t *testing.T) {
	device := newFakeDevice()
	e := newTestEngine(t, testConfig(), device)
	fresh := newTestEngine(t, testConfig(), newFakeDevice())

	gen := startRecording(t, e)
	device.last().ch <- pcmChunk(100)
	e.observe(gen, 80, at(0))
	e.observe(gen, 10, at(50))

	e.Reset()

	if !reflect.DeepEqual(e.Snapshot(), fresh.Snapshot()) {
		t.Errorf("Expected reset engine to match a fresh one:\n got %+v\nwant %+v", e.Snapshot(), fresh.Snapshot())
	}
	if e.AudioBlob() != nil {
		t.Error("Expected captured audio dropped by reset")
	}
	if !device.last().closed() {
		t.Error("Expected stream released by reset")
	}

	// stale samples from the old session are ignored
	e.observe(gen, 99, at(100))
	if e.Snapshot().PeakLevel != 0 {
		t.Error("Expected stale sample to be ignored after reset")
	}

	// reset when idle is a no-op
	e.Reset()
	if !reflect.DeepEqual(e.Snapshot(), fresh.Snapshot()) {
		t.Error("Expected second reset to leave a fresh state")
	}
}

func TestEngine_ResetCancelsPendingRequest(t *testing.T) {
	device := newFakeDevice()
	device.block = true
	e := newTestEngine(t, testConfig(), device)

	errc := make(chan error, 1)
	go func() { errc <- e.Start(context.Background()) }()

	<-device.opened
	if e.State() != StateRequesting {
		t.Fatalf("Expected requesting state, got %s", e.State())
	}

	e.Reset()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrSessionSuperseded) {
			t.Errorf("Expected ErrSessionSuperseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Reset")
	}
	if e.State() != StateIdle {
		t.Errorf("Expected idle, got %s", e.State())
	}
}

func TestEngine_NewSessionClearsPreviousState(t *testing.T) {
	e := newTestEngine(t, testConfig(), newFakeDevice())

	gen := startRecording(t, e)
	e.observe(gen, 90, at(0))
	e.Stop()

	startRecording(t, e)
	snap := e.Snapshot()
	if snap.HasSpeech || snap.PeakLevel != 0 || len(snap.SampleHistory) != 0 {
		t.Errorf("Expected a clean session on Start, got %+v", snap)
	}
}

func TestEngine_SafetyTimerStopsStalledLoop(t *testing.T) {
	cfg := testConfig()
	cfg.SilenceDuration = 20 * time.Millisecond
	cfg.SafetyBuffer = 10 * time.Millisecond
	e := newTestEngine(t, cfg, newFakeDevice())

	done := make(chan Recording, 1)
	e.OnComplete(func(r Recording) { done <- r })

	gen := startRecording(t, e)
	e.observe(gen, 80, at(0))
	e.observe(gen, 10, at(50))

	// no further samples arrive; the timer has to stop the recording
	select {
	case rec := <-done:
		if rec.Reason != ReasonSafetyTimer {
			t.Errorf("Expected reason %s, got %s", ReasonSafetyTimer, rec.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Safety timer did not stop the recording")
	}
}

func TestEngine_SafetyTimerCanceledWithSilenceRun(t *testing.T) {
	cfg := testConfig()
	cfg.SilenceDuration = 20 * time.Millisecond
	cfg.SafetyBuffer = 10 * time.Millisecond
	e := newTestEngine(t, cfg, newFakeDevice())

	gen := startRecording(t, e)
	e.observe(gen, 80, at(0))
	e.observe(gen, 10, at(50))
	e.observe(gen, 80, at(60))

	time.Sleep(100 * time.Millisecond)
	if e.State() != StateRecording {
		t.Errorf("Expected canceled silence run to disarm the timer, got %s", e.State())
	}
}

func TestEngine_StaleSafetyTimerIgnored(t *testing.T) {
	e := newTestEngine(t, testConfig(), newFakeDevice())
	gen := startRecording(t, e)
	e.observe(gen, 80, at(0))
	e.observe(gen, 10, at(50))

	e.mu.Lock()
	seq := e.session.runSeq
	e.mu.Unlock()

	e.Reset()
	startRecording(t, e)

	e.safetyExpired(gen, seq)
	if e.State() != StateRecording {
		t.Errorf("Expected stale timer to leave the new session alone, got %s", e.State())
	}
}

func TestEngine_SamplingLoop(t *testing.T) {
	cfg := DefaultRecorderConfig()
	cfg.SampleInterval = 5 * time.Millisecond
	e, err := New(cfg, newFakeDevice(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	defer e.Close()

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(e.Snapshot().SampleHistory) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("Sampling loop produced no samples")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if e.Snapshot().HasSpeech {
		t.Error("Expected silent input to produce no speech")
	}
}

func TestEngine_Close(t *testing.T) {
	e := newTestEngine(t, testConfig(), newFakeDevice())
	startRecording(t, e)

	e.Close()
	if e.State() != StateIdle {
		t.Errorf("Expected idle after Close, got %s", e.State())
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed, got %v", err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultRecorderConfig()
	cfg.SpeechThreshold = 10

	if _, err := New(cfg, newFakeDevice(), zerolog.Nop()); err == nil {
		t.Error("Expected error for speech threshold below silence threshold")
	}
	if _, err := New(DefaultRecorderConfig(), nil, zerolog.Nop()); err == nil {
		t.Error("Expected error for nil device")
	}
}
