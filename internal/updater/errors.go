package updater

import (
	"errors"
	"fmt"

	"github.com/bigbag/securefw/internal/protocol"
)

// Error kinds reported by the transport driver.
var (
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrPeerRejected     = errors.New("peer rejected")
)

// HandshakeTimeoutError indicates the bootloader never echoed the update
// request. Retriable after checking the physical link.
type HandshakeTimeoutError struct {
	Attempts int
	Err      error
}

func (e *HandshakeTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake timeout: no echo after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("handshake timeout: no echo after %d attempt(s)", e.Attempts)
}

// Is reports whether target is ErrHandshakeTimeout.
func (e *HandshakeTimeoutError) Is(target error) bool {
	return target == ErrHandshakeTimeout
}

func (e *HandshakeTimeoutError) Unwrap() error {
	return e.Err
}

// PeerRejectedError indicates a phase or frame was not acknowledged with
// protocol.RespOK. The transfer must be restarted from the handshake.
type PeerRejectedError struct {
	Phase Phase
	// Frame is the payload frame index, only meaningful in PhasePayload
	Frame int
	// Code is the acknowledgment byte received, unset when Timeout is true
	Code    byte
	Timeout bool
	Err     error
}

func (e *PeerRejectedError) Error() string {
	where := e.Phase.String()
	if e.Phase == PhasePayload {
		where = fmt.Sprintf("payload frame %d", e.Frame)
	}

	switch {
	case e.Err != nil:
		return fmt.Sprintf("peer rejected %s: %v", where, e.Err)
	case e.Timeout:
		return fmt.Sprintf("peer rejected %s: no acknowledgment before timeout", where)
	default:
		return fmt.Sprintf("peer rejected %s: response=0x%02X (%s)", where, e.Code, protocol.ResponseMessage(e.Code))
	}
}

// Is reports whether target is ErrPeerRejected.
func (e *PeerRejectedError) Is(target error) bool {
	return target == ErrPeerRejected
}

func (e *PeerRejectedError) Unwrap() error {
	return e.Err
}
