package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-tutor/internal/audio"
	"github.com/lexiqai/voice-tutor/internal/capture"
	"github.com/lexiqai/voice-tutor/internal/observability"
	"github.com/lexiqai/voice-tutor/internal/tutor"
)

const (
	writeWait           = 10 * time.Second
	maxMessageSize      = 1 << 20
	defaultGrantTimeout = 30 * time.Second
)

// Tutor is the part of the tutoring service client a session needs
type Tutor interface {
	Chat(ctx context.Context, req tutor.ChatRequest) (*tutor.ChatResponse, error)
	SubmitVoice(ctx context.Context, req tutor.VoiceRequest) (*tutor.VoiceResponse, error)
	AudioURL(path string) string
}

// Options configures a Session
type Options struct {
	Recorder        capture.RecorderConfig
	Settings        tutor.Settings
	MicGrantTimeout time.Duration
}

// Session binds one browser connection to its own capture engine and
// conversation. It forwards engine state to the browser and submits finished
// recordings to the tutoring service.
type Session struct {
	conn    *websocket.Conn
	tutor   Tutor
	engine  *capture.Engine
	mic     *micDevice
	logger  zerolog.Logger
	metrics *observability.StreamMetrics

	ctx        context.Context
	out        chan ServerMessage
	stateReady chan struct{}

	stateMu sync.Mutex
	latest  capture.Snapshot

	// Conversation state
	mu             sync.Mutex
	conversationID string
	settings       tutor.Settings
	voiceEnabled   bool
	continuous     bool
	closing        bool
	tasks          sync.WaitGroup
}

// NewSession creates a session for an upgraded connection
func NewSession(conn *websocket.Conn, client Tutor, opts Options) (*Session, error) {
	streamID := observability.NewCorrelationID()
	logger := observability.WithCorrelationID(streamID).
		With().
		Str("component", "stream").
		Logger()

	s := &Session{
		conn:         conn,
		tutor:        client,
		logger:       logger,
		metrics:      observability.NewStreamMetrics(streamID),
		out:          make(chan ServerMessage, 64),
		stateReady:   make(chan struct{}, 1),
		settings:     opts.Settings,
		voiceEnabled: true,
		continuous:   true,
	}
	grantTimeout := opts.MicGrantTimeout
	if grantTimeout <= 0 {
		grantTimeout = defaultGrantTimeout
	}
	s.mic = newMicDevice(s.enqueue, grantTimeout, logger)

	engine, err := capture.New(opts.Recorder, s.mic, logger)
	if err != nil {
		return nil, err
	}
	engine.OnChange(s.pushState)
	engine.OnComplete(s.onRecording)
	s.engine = engine
	s.latest = engine.Snapshot()

	return s, nil
}

// Run serves the connection until the browser disconnects or ctx is done.
func (s *Session) Run(ctx context.Context) error {
	s.metrics.RecordStreamStart()
	defer s.metrics.RecordStreamEnd()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	s.ctx = gctx

	s.logger.Info().Msg("Browser stream connected")

	s.mu.Lock()
	target := s.settings.TargetLanguage
	s.mu.Unlock()
	s.enqueue(ServerMessage{Event: EventReply, Reply: &Reply{
		History: []tutor.Message{{
			Role:      "assistant",
			Content:   tutor.WelcomeMessage(target),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}})
	s.pushState(s.engine.Snapshot())

	g.Go(func() error {
		defer cancel()
		return s.readLoop(gctx)
	})
	g.Go(func() error {
		return s.writeLoop(gctx)
	})

	err := g.Wait()

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.engine.Close()
	s.mic.Close()
	s.tasks.Wait()

	s.logger.Info().Msg("Browser stream closed")
	return err
}

// spawn runs fn in the background unless the session is shutting down.
func (s *Session) spawn(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return
	}
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn()
	}()
}

func (s *Session) readLoop(ctx context.Context) error {
	s.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return nil
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse client message")
			s.metrics.RecordError("invalid_message", "stream")
			continue
		}

		s.handleMessage(msg)
	}
}

func (s *Session) handleMessage(msg ClientMessage) {
	switch msg.Event {
	case EventStart:
		s.startRecording()

	case EventStop:
		s.engine.Stop()

	case EventReset:
		s.engine.Reset()

	case EventMicGranted:
		if msg.Format == nil {
			s.sendError("mic_granted without format")
			if err := s.mic.Deny("no audio format"); err != nil {
				s.logger.Debug().Err(err).Msg("Ignoring microphone grant without format")
			}
			return
		}
		if err := s.mic.Grant(*msg.Format); err != nil {
			s.logger.Warn().Err(err).Msg("Ignoring microphone grant")
		}

	case EventMicDenied:
		if err := s.mic.Deny(msg.Error); err != nil {
			s.logger.Debug().Err(err).Msg("Ignoring microphone denial")
		}

	case EventMedia:
		if msg.Media != nil {
			s.handleMedia(msg.Media)
		}

	case EventChat:
		text := msg.Text
		s.spawn(func() { s.chat(text) })

	case EventSettings:
		if msg.Settings != nil {
			s.applySettings(*msg.Settings)
		}

	case EventPlaybackEnded:
		s.mu.Lock()
		restart := s.continuous && s.voiceEnabled
		s.mu.Unlock()

		if restart && s.engine.State() == capture.StateIdle {
			s.startRecording()
		}

	default:
		s.logger.Debug().Str("event", msg.Event).Msg("Unknown client event")
	}
}

func (s *Session) startRecording() {
	s.mu.Lock()
	enabled := s.voiceEnabled
	s.mu.Unlock()

	if !enabled {
		s.sendError("voice input is disabled")
		return
	}

	// Start blocks until the browser answers the mic request, which arrives on the read loop.
	s.spawn(func() {
		err := s.engine.Start(s.ctx)
		switch {
		case err == nil, errors.Is(err, capture.ErrSessionSuperseded):
		case errors.Is(err, capture.ErrSessionActive):
			s.sendError("a recording is already in progress")
		default:
			s.metrics.RecordError("device_error", "capture")
			s.sendError(err.Error())
		}
	})
}

func (s *Session) handleMedia(media *Media) {
	data, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Failed to decode base64 audio")
		s.metrics.RecordError("invalid_audio", "stream")
		return
	}

	switch media.Encoding {
	case "", audio.EncodingPCM16:
	case audio.EncodingMulaw:
		data = audio.MulawToPCM16(data)
	default:
		s.logger.Debug().Str("encoding", media.Encoding).Msg("Unsupported audio encoding")
		return
	}

	s.metrics.RecordAudioBytes("in", int64(len(data)))
	s.mic.Write(data)
}

func (s *Session) applySettings(update SettingsUpdate) {
	s.mu.Lock()
	next := s.settings
	if update.Tempo != nil {
		next.Tempo = *update.Tempo
	}
	if update.Difficulty != nil {
		next.Difficulty = *update.Difficulty
	}
	if update.NativeLanguage != nil {
		next.NativeLanguage = *update.NativeLanguage
	}
	if update.TargetLanguage != nil {
		next.TargetLanguage = *update.TargetLanguage
	}
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		s.sendError(err.Error())
		return
	}
	s.settings = next

	if update.Continuous != nil {
		s.continuous = *update.Continuous
	}
	toggled := update.VoiceInput != nil && *update.VoiceInput != s.voiceEnabled
	if toggled {
		s.voiceEnabled = *update.VoiceInput
	}
	enabled := s.voiceEnabled
	s.mu.Unlock()

	if toggled {
		if !enabled {
			s.engine.Stop()
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		s.engine.SetStatus("Voice input " + state)
	}
}

// onRecording runs on the engine goroutine that stopped the recording.
func (s *Session) onRecording(rec capture.Recording) {
	s.spawn(func() { s.submit(rec) })
}

func (s *Session) submit(rec capture.Recording) {
	logger := s.logger.With().Str("session_id", rec.SessionID).Logger()

	if rec.Artifact.Size() < tutor.MinUploadSize {
		s.engine.SetSessionStatus(rec.SessionID, "No audio data recorded or recording too short")
		return
	}
	if err := s.engine.BeginProcessing(rec.SessionID); err != nil {
		logger.Warn().Err(err).Msg("Recording finished while the engine was busy")
		return
	}

	s.mu.Lock()
	req := tutor.VoiceRequest{
		Artifact:       rec.Artifact,
		ConversationID: s.conversationID,
		Settings:       s.settings,
	}
	s.mu.Unlock()

	s.engine.SetSessionStatus(rec.SessionID, "Sending audio to server...")
	s.metrics.RecordTutorStart(tutor.EndpointVoice)
	s.metrics.RecordAudioBytes("out", int64(rec.Artifact.Size()))

	resp, err := s.tutor.SubmitVoice(s.ctx, req)
	s.metrics.RecordTutorEnd(tutor.EndpointVoice, err == nil)

	if err != nil {
		logger.Error().Err(err).Msg("Voice submission failed")
		s.metrics.RecordError("tutor_voice_error", "tutor")
		if !s.engine.FinishProcessing(rec.SessionID, fmt.Sprintf("Processing error: %v", err)) {
			logger.Debug().Msg("Recording was reset during submission, dropping error")
			return
		}
		s.sendError(fmt.Sprintf("Error: %v. Please try again.", err))
		return
	}

	// The service stored the exchange even if the user moved on.
	s.adoptConversation(resp.ConversationID)
	reply := &Reply{
		ConversationID:  resp.ConversationID,
		TranscribedText: resp.TranscribedText,
		Reply:           resp.Reply,
		Corrected:       resp.Corrected,
		Natural:         resp.Natural,
		AudioURL:        s.tutor.AudioURL(resp.AudioURL),
	}

	status := "Received response from server"
	if reply.AudioURL != "" {
		status = "Playing audio response..."
	}
	if !s.engine.FinishProcessing(rec.SessionID, status) {
		logger.Debug().Msg("Recording was reset during submission, dropping reply")
		return
	}
	s.enqueue(ServerMessage{Event: EventReply, Reply: reply})

	logger.Info().
		Dur("duration", rec.Duration).
		Str("reason", string(rec.Reason)).
		Msg("Voice reply received")
}

func (s *Session) chat(text string) {
	s.mu.Lock()
	req := tutor.ChatRequest{
		Message:        text,
		ConversationID: s.conversationID,
		Settings:       s.settings,
	}
	s.mu.Unlock()

	s.metrics.RecordTutorStart(tutor.EndpointChat)
	resp, err := s.tutor.Chat(s.ctx, req)
	s.metrics.RecordTutorEnd(tutor.EndpointChat, err == nil)

	if err != nil {
		if !errors.Is(err, tutor.ErrEmptyMessage) {
			s.logger.Error().Err(err).Msg("Chat request failed")
			s.metrics.RecordError("tutor_chat_error", "tutor")
		}
		s.sendError(fmt.Sprintf("Error: %v. Please try again.", err))
		return
	}

	s.adoptConversation(resp.ConversationID)
	s.enqueue(ServerMessage{Event: EventReply, Reply: &Reply{
		ConversationID: resp.ConversationID,
		History:        resp.History,
		AudioURL:       s.tutor.AudioURL(resp.AudioURL),
	}})
}

// adoptConversation keeps the first conversation ID the service hands out.
func (s *Session) adoptConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conversationID == "" && id != "" {
		s.conversationID = id
		s.logger.Info().Str("conversation_id", id).Msg("Conversation started")
	}
}

// ConversationID returns the conversation this session is part of, if any
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// pushState records the latest snapshot and wakes the writer. It runs with the
// engine locked, so it never blocks; intermediate snapshots may be skipped.
func (s *Session) pushState(snap capture.Snapshot) {
	s.stateMu.Lock()
	s.latest = snap
	s.stateMu.Unlock()

	select {
	case s.stateReady <- struct{}{}:
	default:
	}
}

func (s *Session) sendError(message string) {
	s.enqueue(ServerMessage{Event: EventError, Error: message})
}

// enqueue hands msg to the writer. Messages are dropped once the connection is closing.
func (s *Session) enqueue(msg ServerMessage) {
	done := s.done()
	select {
	case s.out <- msg:
	case <-done:
	}
}

func (s *Session) done() <-chan struct{} {
	if s.ctx == nil {
		return nil
	}
	return s.ctx.Done()
}

func (s *Session) writeLoop(ctx context.Context) error {
	defer s.conn.Close()

	for {
		var msg ServerMessage
		select {
		case <-ctx.Done():
			return nil
		case msg = <-s.out:
		case <-s.stateReady:
			s.stateMu.Lock()
			snap := s.latest
			s.stateMu.Unlock()
			msg = ServerMessage{Event: EventState, State: &snap}
		}

		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteJSON(msg); err != nil {
			s.metrics.RecordError("write_error", "stream")
			return fmt.Errorf("failed to write %s event: %w", msg.Event, err)
		}
	}
}
