package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-tutor/internal/audio"
	"github.com/lexiqai/voice-tutor/internal/capture"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var errNoPendingRequest = errors.New("no microphone request pending")

type grant struct {
	format audio.Format
	err    error
}

// micDevice is the browser's microphone seen through the WebSocket. Opening
// it asks the browser for access; the answer arrives as mic_granted or
// mic_denied on the read loop. Only one stream can be open at a time.
type micDevice struct {
	send         func(ServerMessage)
	grantTimeout time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	pending chan grant
	active  *micStream
}

func newMicDevice(send func(ServerMessage), grantTimeout time.Duration, logger zerolog.Logger) *micDevice {
	return &micDevice{
		send:         send,
		grantTimeout: grantTimeout,
		logger:       logger,
	}
}

// Open implements capture.Device
func (d *micDevice) Open(ctx context.Context) (capture.Stream, error) {
	d.mu.Lock()
	if d.active != nil || d.pending != nil {
		d.mu.Unlock()
		return nil, capture.ErrDeviceBusy
	}
	answer := make(chan grant, 1)
	d.pending = answer
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.pending == answer {
			d.pending = nil
		}
		d.mu.Unlock()
	}()

	d.send(ServerMessage{Event: EventMicRequest})

	timer := time.NewTimer(d.grantTimeout)
	defer timer.Stop()

	select {
	case g := <-answer:
		if g.err != nil {
			return nil, g.err
		}
		s := &micStream{
			device: d,
			format: g.format,
			ch:     make(chan []byte, 256),
		}
		d.mu.Lock()
		d.active = s
		d.mu.Unlock()
		return s, nil

	case <-ctx.Done():
		select {
		case g := <-answer:
			if g.err == nil {
				d.send(ServerMessage{Event: EventMicRelease})
			}
		default:
		}
		return nil, ctx.Err()

	case <-timer.C:
		return nil, fmt.Errorf("%w: no answer within %v", capture.ErrDeviceAccessDenied, d.grantTimeout)
	}
}

// Grant answers a pending request with the format the browser will stream.
func (d *micDevice) Grant(f MicFormat) error {
	format := audio.Format{SampleRate: f.SampleRate, Channels: f.Channels}
	if err := validate.Struct(format); err != nil {
		d.answer(grant{err: fmt.Errorf("%w: unsupported format %d Hz x %d", capture.ErrDeviceAccessDenied, f.SampleRate, f.Channels)})
		return fmt.Errorf("invalid microphone format: %w", err)
	}

	if !d.answer(grant{format: format}) {
		// The request was abandoned; tell the browser to let go of the mic.
		d.send(ServerMessage{Event: EventMicRelease})
		return errNoPendingRequest
	}
	return nil
}

// Deny answers a pending request with a refusal.
func (d *micDevice) Deny(reason string) error {
	if reason == "" {
		reason = "permission denied"
	}
	if !d.answer(grant{err: fmt.Errorf("%w: %s", capture.ErrDeviceAccessDenied, reason)}) {
		return errNoPendingRequest
	}
	return nil
}

func (d *micDevice) answer(g grant) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending == nil {
		return false
	}
	select {
	case d.pending <- g:
		return true
	default:
		return false // already answered
	}
}

// Write passes captured PCM16 to the open stream. Audio without an open
// stream is dropped.
func (d *micDevice) Write(chunk []byte) bool {
	d.mu.Lock()
	s := d.active
	d.mu.Unlock()

	if s == nil {
		return false
	}
	return s.push(chunk)
}

// Close releases the open stream, if any.
func (d *micDevice) Close() {
	d.mu.Lock()
	s := d.active
	d.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

func (d *micDevice) release(s *micStream) {
	d.mu.Lock()
	if d.active == s {
		d.active = nil
	}
	d.mu.Unlock()

	d.send(ServerMessage{Event: EventMicRelease})
}

// micStream implements capture.Stream
type micStream struct {
	device *micDevice
	format audio.Format

	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func (s *micStream) Format() audio.Format  { return s.format }
func (s *micStream) Chunks() <-chan []byte { return s.ch }

func (s *micStream) push(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- chunk:
		return true
	default:
		s.device.logger.Warn().Int("bytes", len(chunk)).Msg("Capture buffer full, dropping audio chunk")
		return false
	}
}

func (s *micStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.device.release(s)
	return nil
}
