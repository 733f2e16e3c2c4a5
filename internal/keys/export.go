package keys

import (
	"fmt"
	"io"
	"strings"
	"text/template"

	"github.com/bigbag/securefw/embedded"
)

var headerTemplate = template.Must(template.New("keys.h").Parse(embedded.KeysHeader()))

type headerData struct {
	AESKey       string
	ModulusSize  int
	Modulus      string
	ExponentSize int
	Exponent     string
}

// WriteHeader renders the bootloader's compile-time key constants.
func WriteHeader(w io.Writer, s *Secrets) error {
	pub := s.Public()
	data := headerData{
		AESKey:       CArray(s.aesKey),
		ModulusSize:  len(pub.Modulus()),
		Modulus:      CArray(pub.Modulus()),
		ExponentSize: pub.ExponentSize(),
		Exponent:     CArray(pub.Exponent()),
	}

	if err := headerTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("failed to render key header: %w", err)
	}
	return nil
}

// MakeVariables returns the key constants as make variable assignments for
// bootloader builds that take them on the command line.
func MakeVariables(s *Secrets) []string {
	pub := s.Public()
	return []string{
		"AES_KEY=" + CArray(s.aesKey),
		"MODULUS=" + CArray(pub.Modulus()),
		"EXPONENT=" + CArray(pub.Exponent()),
		fmt.Sprintf("EXP_SIZE=%d", pub.ExponentSize()),
	}
}

// CArray formats bytes as a C array initializer, e.g. {0x01,0xab}.
func CArray(data []byte) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, c := range data {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "0x%02x", c)
	}
	b.WriteByte('}')
	return b.String()
}
