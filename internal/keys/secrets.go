// Package keys provisions and loads the key material shared between the
// host tools and the bootloader.
//
// A Secrets value is only ever produced by Generate (once per build) or by
// Load (reading the store Generate's caller persisted). The private half
// never leaves this package except as a signature.
package keys

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/bigbag/securefw/internal/atomicfile"
	"github.com/bigbag/securefw/internal/protocol"
)

// ErrProvisioningUnavailable is returned when the secret store is missing or
// cannot be decoded. The build must be provisioned again.
var ErrProvisioningUnavailable = errors.New("provisioning unavailable")

// RSA parameters
const (
	RSABits            = protocol.SignatureSize * 8
	PublicExponentSize = 8
)

const pemBlockType = "RSA PRIVATE KEY"

// Secrets holds the symmetric key and the signing key of one build.
type Secrets struct {
	aesKey []byte
	rsaKey *rsa.PrivateKey
}

// Generate creates a fresh AES key and RSA key pair.
func Generate(random io.Reader) (*Secrets, error) {
	if random == nil {
		random = rand.Reader
	}

	aesKey := make([]byte, protocol.KeySize)
	if _, err := io.ReadFull(random, aesKey); err != nil {
		return nil, fmt.Errorf("failed to generate AES key: %w", err)
	}

	rsaKey, err := rsa.GenerateKey(random, RSABits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	return &Secrets{aesKey: aesKey, rsaKey: rsaKey}, nil
}

// Load reads a secret store written by Store.
func Load(path string) (*Secrets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvisioningUnavailable, err)
	}

	s, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProvisioningUnavailable, path, err)
	}
	return s, nil
}

// Store persists the secrets to path. The store is written atomically with
// owner-only permissions; an existing store is only replaced when overwrite
// is set.
func (s *Secrets) Store(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("secret store %s already exists", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to check secret store: %w", err)
		}
	}

	if err := atomicfile.WriteFile(path, s.encode(), 0600); err != nil {
		return fmt.Errorf("failed to write secret store: %w", err)
	}
	return nil
}

// encode produces aes_key || PEM(PKCS#1 private key).
func (s *Secrets) encode() []byte {
	block := &pem.Block{
		Type:  pemBlockType,
		Bytes: x509.MarshalPKCS1PrivateKey(s.rsaKey),
	}

	out := make([]byte, 0, protocol.KeySize+2048)
	out = append(out, s.aesKey...)
	return append(out, pem.EncodeToMemory(block)...)
}

func decode(data []byte) (*Secrets, error) {
	if len(data) < protocol.KeySize {
		return nil, fmt.Errorf("store is %d bytes, too short for the AES key", len(data))
	}

	block, _ := pem.Decode(data[protocol.KeySize:])
	if block == nil {
		return nil, errors.New("no PEM block after the AES key")
	}
	if block.Type != pemBlockType {
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	if rsaKey.N.BitLen() != RSABits {
		return nil, fmt.Errorf("private key is %d bits, want %d", rsaKey.N.BitLen(), RSABits)
	}

	aesKey := make([]byte, protocol.KeySize)
	copy(aesKey, data[:protocol.KeySize])
	return &Secrets{aesKey: aesKey, rsaKey: rsaKey}, nil
}

// Cipher returns an AES block cipher keyed with the symmetric key.
func (s *Secrets) Cipher() cipher.Block {
	block, err := aes.NewCipher(s.aesKey)
	if err != nil {
		// aesKey is always protocol.KeySize bytes
		panic(err)
	}
	return block
}

// Sign signs a SHA-256 digest with RSASSA-PKCS1-v1_5.
func (s *Secrets) Sign(digest []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, s.rsaKey, crypto.SHA256, digest)
}

// Public returns the verification half of the signing key.
func (s *Secrets) Public() *PublicKey {
	return &PublicKey{key: &s.rsaKey.PublicKey}
}

// String keeps key material out of logs and error messages.
func (s Secrets) String() string {
	return "keys.Secrets{redacted}"
}

// GoString keeps key material out of %#v output.
func (s Secrets) GoString() string {
	return s.String()
}

// Format redacts every verb, including those such as %d and %x that
// would otherwise print the struct fields.
func (s Secrets) Format(f fmt.State, verb rune) {
	io.WriteString(f, s.String())
}

// PublicKey is the key material embedded in the bootloader.
type PublicKey struct {
	key *rsa.PublicKey
}

// Verify checks an RSASSA-PKCS1-v1_5 signature over a SHA-256 digest.
func (p *PublicKey) Verify(digest, signature []byte) error {
	return rsa.VerifyPKCS1v15(p.key, crypto.SHA256, digest, signature)
}

// Modulus returns the modulus as big-endian bytes, left padded to the
// signature size.
func (p *PublicKey) Modulus() []byte {
	return p.key.N.FillBytes(make([]byte, protocol.SignatureSize))
}

// Exponent returns the public exponent as PublicExponentSize big-endian bytes.
func (p *PublicKey) Exponent() []byte {
	return big.NewInt(int64(p.key.E)).FillBytes(make([]byte, PublicExponentSize))
}

// ExponentSize returns the length of Exponent.
func (p *PublicKey) ExponentSize() int {
	return PublicExponentSize
}
