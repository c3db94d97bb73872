package capture

import "errors"

var (
	// ErrDeviceAccessDenied is returned when microphone permission is refused or no input is available.
	ErrDeviceAccessDenied = errors.New("microphone access denied")

	// ErrDeviceBusy is returned by a Device that is already held by another session.
	ErrDeviceBusy = errors.New("audio input is already in use")

	// ErrSessionActive is returned when Start is called while recording or processing.
	ErrSessionActive = errors.New("a recording session is already active")

	// ErrSessionSuperseded is returned by Start when Reset or Close ran while the device was being opened,
	// and by BeginProcessing for a session that is no longer current.
	ErrSessionSuperseded = errors.New("recording session was reset before it started")

	// ErrEngineClosed is returned by Start after Close.
	ErrEngineClosed = errors.New("capture engine is closed")

	// ErrNotIdle is returned by BeginProcessing outside the idle state.
	ErrNotIdle = errors.New("capture engine is not idle")
)
