// Package bundle builds and checks signed, encrypted firmware bundles.
//
// A bundle is signature || metadata || iv || ciphertext where the
// ciphertext is AES-128-CBC over PKCS#7-padded firmware || message || 0x00
// and the signature is RSASSA-PKCS1-v1_5 over SHA-256(metadata || iv ||
// ciphertext).
package bundle

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"k8s.io/klog/v2"

	"github.com/bigbag/securefw/internal/atomicfile"
	"github.com/bigbag/securefw/internal/keys"
	"github.com/bigbag/securefw/internal/protocol"
)

// Config holds builder configuration.
type Config struct {
	// Rand is the source of IVs
	Rand io.Reader
}

func defaultConfig() Config {
	return Config{Rand: rand.Reader}
}

// Option is a functional option for Protect.
type Option func(*Config)

// WithRand sets the source of IVs. Only tests should need this.
func WithRand(r io.Reader) Option {
	return func(c *Config) {
		if r != nil {
			c.Rand = r
		}
	}
}

// Protect packages firmware and a release message into a bundle signed and
// encrypted with the provisioned secrets.
func Protect(s *keys.Secrets, firmware []byte, version uint16, message string, opts ...Option) ([]byte, error) {
	if s == nil {
		return nil, keys.ErrProvisioningUnavailable
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	plaintextSize := len(firmware) + len(message) + 1
	if plaintextSize > protocol.MaxPlaintextSize {
		return nil, &SizeExceededError{
			FirmwareSize: len(firmware),
			MessageSize:  len(message),
			Limit:        protocol.MaxPlaintextSize,
		}
	}

	// firmware || message || 0x00
	plaintext := make([]byte, 0, plaintextSize)
	plaintext = append(plaintext, firmware...)
	plaintext = append(plaintext, message...)
	plaintext = append(plaintext, 0x00)

	iv := make([]byte, protocol.IVSize)
	if _, err := io.ReadFull(cfg.Rand, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext := pad(plaintext, protocol.BlockSize)
	cipher.NewCBCEncrypter(s.Cipher(), iv).CryptBlocks(ciphertext, ciphertext)

	b := &protocol.Bundle{
		Metadata: protocol.Metadata{
			Version:        version,
			PlaintextSize:  uint16(plaintextSize),
			CiphertextSize: uint16(len(ciphertext)),
		},
		IV:         iv,
		Ciphertext: ciphertext,
	}

	digest := sha256.Sum256(b.SignedRegion())
	signature, err := s.Sign(digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign bundle: %w", err)
	}
	b.Signature = signature

	klog.V(1).Infof("Protected firmware: version=%d plaintext=%d ciphertext=%d bundle=%d",
		version, plaintextSize, len(ciphertext), b.Size())
	return b.Encode(), nil
}

// WriteFile writes a bundle to path. A failed write never leaves a partial
// bundle behind.
func WriteFile(path string, bundle []byte) error {
	return atomicfile.WriteFile(path, bundle, 0644)
}
