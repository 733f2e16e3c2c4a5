package keys

import (
	"bytes"
	"strings"
	"testing"
)

func TestCArray(t *testing.T) {
	tests := []struct {
		input    []byte
		expected string
	}{
		{nil, "{}"},
		{[]byte{0x00}, "{0x00}"},
		{[]byte{0x01, 0xAB, 0xFF}, "{0x01,0xab,0xff}"},
	}

	for _, tc := range tests {
		if got := CArray(tc.input); got != tc.expected {
			t.Errorf("CArray(%v) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestWriteHeader(t *testing.T) {
	s := secretsForTest(t)

	var buf bytes.Buffer
	if err := WriteHeader(&buf, s); err != nil {
		t.Fatalf("WriteHeader() error = %v", err)
	}
	header := buf.String()

	pub := s.Public()
	expected := []string{
		"#define AES_KEY " + CArray(s.aesKey),
		"#define MODULUS_SIZE 256",
		"#define MODULUS " + CArray(pub.Modulus()),
		"#define EXP_SIZE 8",
		"#define EXPONENT {0x00,0x00,0x00,0x00,0x00,0x01,0x00,0x01}",
	}
	for _, line := range expected {
		if !strings.Contains(header, line) {
			t.Errorf("header missing %q", line)
		}
	}

	if strings.Contains(header, "PRIVATE KEY") {
		t.Error("header leaks the private key")
	}
}

func TestMakeVariables(t *testing.T) {
	s := secretsForTest(t)
	vars := MakeVariables(s)

	if len(vars) != 4 {
		t.Fatalf("MakeVariables() returned %d entries, want 4", len(vars))
	}
	prefixes := []string{"AES_KEY={", "MODULUS={", "EXPONENT={", "EXP_SIZE=8"}
	for i, p := range prefixes {
		if !strings.HasPrefix(vars[i], p) {
			t.Errorf("MakeVariables()[%d] = %q, want prefix %q", i, vars[i], p)
		}
	}
}
