package capture

import (
	"context"

	"github.com/lexiqai/voice-tutor/internal/audio"
)

// Device is an audio input that can be opened for exclusive capture.
type Device interface {
	// Open requests access to the input and starts capturing. It blocks until
	// access is granted, refused, or ctx is done. A refusal should wrap
	// ErrDeviceAccessDenied; a device already held returns ErrDeviceBusy.
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open capture on a Device.
type Stream interface {
	// Format describes the PCM16 audio delivered on Chunks.
	Format() audio.Format

	// Chunks delivers captured PCM16 little-endian audio. Ownership of each
	// slice passes to the receiver. The channel is closed after Close has
	// flushed any buffered audio.
	Chunks() <-chan []byte

	// Close stops capture and releases the device. It is safe to call more than once.
	Close() error
}
