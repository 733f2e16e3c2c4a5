package embedded

import (
	_ "embed"
)

//go:embed keys.h.tmpl
var keysHeader string

// KeysHeader returns the template for the bootloader's key header.
func KeysHeader() string {
	return keysHeader
}
