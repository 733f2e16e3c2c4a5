package protocol

import "time"

// Serial line defaults matching the bootloader's UART configuration
const (
	DefaultBaudRate    = 115200
	DefaultReadTimeout = 2 * time.Second
)

// DefaultFrameDelay gives the bootloader time to buffer a frame before the
// acknowledgment is read.
const DefaultFrameDelay = 100 * time.Millisecond

// Build output locations
const (
	DefaultSecretsFile = "secret_build_output.txt"
	DefaultHeaderFile  = "keys.h"
)
