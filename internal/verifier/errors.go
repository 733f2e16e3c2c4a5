package verifier

import (
	"errors"
	"fmt"
)

// Reasons for rejecting an update attempt.
var (
	ErrRejected      = errors.New("update rejected")
	ErrFlashBudget   = errors.New("image does not fit flash")
	ErrUnaligned     = errors.New("ciphertext size not block aligned")
	ErrRollback      = errors.New("version rollback")
	ErrFrameSequence = errors.New("unexpected frame")
)

// RejectError records why the emulated bootloader answered with an error
// byte. It matches ErrRejected and unwraps to the reason, which may be a
// bundle verification error.
type RejectError struct {
	Stage string
	Err   error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("rejected at %s: %v", e.Stage, e.Err)
}

// Is reports whether target is ErrRejected.
func (e *RejectError) Is(target error) bool {
	return target == ErrRejected
}

func (e *RejectError) Unwrap() error {
	return e.Err
}
