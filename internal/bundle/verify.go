package bundle

import (
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"github.com/bigbag/securefw/internal/keys"
	"github.com/bigbag/securefw/internal/protocol"
)

// Release is the decrypted content of a bundle.
type Release struct {
	Version uint16
	// Plaintext is firmware || message || 0x00
	Plaintext []byte
}

// Message returns the printable text immediately before the terminator.
// The plaintext does not record where the firmware ends, so firmware that
// itself ends in printable bytes is reported as part of the message. Use it
// for display only.
func (r *Release) Message() string {
	if len(r.Plaintext) == 0 {
		return ""
	}
	body := r.Plaintext[:len(r.Plaintext)-1]

	start := len(body)
	for start > 0 {
		c := body[start-1]
		if c < 0x20 || c > 0x7E {
			break
		}
		start--
	}
	return string(body[start:])
}

// Verify parses raw bundle bytes and checks the signature against pub.
func Verify(pub *keys.PublicKey, raw []byte) (*protocol.Bundle, error) {
	b, err := protocol.DecodeBundle(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSizeMismatch, err)
	}
	if err := VerifySignature(pub, b); err != nil {
		return nil, err
	}
	return b, nil
}

// VerifySignature checks the signature of an already decoded bundle.
func VerifySignature(pub *keys.PublicKey, b *protocol.Bundle) error {
	digest := sha256.Sum256(b.SignedRegion())
	if err := pub.Verify(digest[:], b.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// Open verifies and decrypts a bundle.
func Open(s *keys.Secrets, raw []byte) (*Release, error) {
	if s == nil {
		return nil, keys.ErrProvisioningUnavailable
	}

	b, err := Verify(s.Public(), raw)
	if err != nil {
		return nil, err
	}
	return Decrypt(s, b)
}

// Decrypt decrypts and unpads a bundle whose signature has already been
// verified, checking the result against the metadata.
func Decrypt(s *keys.Secrets, b *protocol.Bundle) (*Release, error) {
	if len(b.Ciphertext) == 0 || len(b.Ciphertext)%protocol.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is %d bytes", ErrSizeMismatch, len(b.Ciphertext))
	}

	plaintext := make([]byte, len(b.Ciphertext))
	cipher.NewCBCDecrypter(s.Cipher(), b.IV).CryptBlocks(plaintext, b.Ciphertext)

	plaintext, err := unpad(plaintext, protocol.BlockSize)
	if err != nil {
		return nil, err
	}
	if len(plaintext) != int(b.Metadata.PlaintextSize) {
		return nil, fmt.Errorf("%w: plaintext is %d bytes, metadata says %d",
			ErrSizeMismatch, len(plaintext), b.Metadata.PlaintextSize)
	}
	if len(plaintext) == 0 || plaintext[len(plaintext)-1] != 0x00 {
		return nil, fmt.Errorf("%w: plaintext is not zero terminated", ErrSizeMismatch)
	}
	return &Release{Version: b.Metadata.Version, Plaintext: plaintext}, nil
}
