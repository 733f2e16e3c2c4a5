package bundle

import (
	"errors"
	"fmt"
)

// Error kinds reported by the builder and by bundle verification.
var (
	ErrSizeExceeded     = errors.New("size exceeded")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrSizeMismatch     = errors.New("size mismatch")
	ErrBadPadding       = errors.New("bad padding")
)

// SizeExceededError indicates the firmware and message do not fit the
// 16-bit size fields of the metadata.
type SizeExceededError struct {
	FirmwareSize int
	MessageSize  int
	Limit        int
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("size exceeded: firmware (%d bytes) + message (%d bytes) + terminator exceeds %d bytes",
		e.FirmwareSize, e.MessageSize, e.Limit)
}

// Is reports whether target is ErrSizeExceeded.
func (e *SizeExceededError) Is(target error) bool {
	return target == ErrSizeExceeded
}
