package session

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyStarted   = errors.New("session already started")
	ErrNotActive        = errors.New("session is not active")
	ErrTransportClosed  = errors.New("transport closed while session was active")
	ErrMissingDialer    = errors.New("no transport dialer configured")
	ErrMissingDevice    = errors.New("no audio device configured")
	ErrTeardownStarted  = errors.New("session teardown has started")
	ErrCancelledByOwner = errors.New("session closed before it finished")
)

// DeviceError means the microphone or output device is unavailable or was
// revoked. It is fatal to the session.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s device error: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// TransportError means the handshake or the live channel failed. It is fatal
// to the session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
