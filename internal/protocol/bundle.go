package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedBundle is returned when bundle bytes do not match the layout.
var ErrMalformedBundle = errors.New("malformed bundle")

// Metadata is the plaintext header describing a bundle's payload.
type Metadata struct {
	Version        uint16
	PlaintextSize  uint16
	CiphertextSize uint16
}

// Encode serializes the metadata in wire order.
func (m Metadata) Encode() []byte {
	// Format (all little-endian):
	// 0-1: version
	// 2-3: plaintext size (firmware + message + terminator)
	// 4-5: ciphertext size
	data := make([]byte, MetadataSize)
	binary.LittleEndian.PutUint16(data[0:2], m.Version)
	binary.LittleEndian.PutUint16(data[2:4], m.PlaintextSize)
	binary.LittleEndian.PutUint16(data[4:6], m.CiphertextSize)
	return data
}

// DecodeMetadata parses the 6-byte metadata field.
func DecodeMetadata(data []byte) (Metadata, error) {
	if len(data) != MetadataSize {
		return Metadata{}, fmt.Errorf("%w: metadata is %d bytes, want %d", ErrMalformedBundle, len(data), MetadataSize)
	}
	return Metadata{
		Version:        binary.LittleEndian.Uint16(data[0:2]),
		PlaintextSize:  binary.LittleEndian.Uint16(data[2:4]),
		CiphertextSize: binary.LittleEndian.Uint16(data[4:6]),
	}, nil
}

// Bundle is a signed, encrypted firmware release split into its fields.
type Bundle struct {
	Signature  []byte
	Metadata   Metadata
	IV         []byte
	Ciphertext []byte
}

// SignedRegion returns metadata || iv || ciphertext, the bytes covered by
// the signature.
func (b *Bundle) SignedRegion() []byte {
	region := make([]byte, 0, MetadataSize+len(b.IV)+len(b.Ciphertext))
	region = append(region, b.Metadata.Encode()...)
	region = append(region, b.IV...)
	region = append(region, b.Ciphertext...)
	return region
}

// Encode serializes the bundle as signature || metadata || iv || ciphertext.
func (b *Bundle) Encode() []byte {
	out := make([]byte, 0, len(b.Signature)+MetadataSize+len(b.IV)+len(b.Ciphertext))
	out = append(out, b.Signature...)
	return append(out, b.SignedRegion()...)
}

// Size returns the encoded length of the bundle.
func (b *Bundle) Size() int {
	return len(b.Signature) + MetadataSize + len(b.IV) + len(b.Ciphertext)
}

// DecodeBundle splits raw bundle bytes into fields and checks the sizes
// declared in the metadata against what is actually present.
func DecodeBundle(data []byte) (*Bundle, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d byte header", ErrMalformedBundle, len(data), HeaderSize)
	}

	meta, err := DecodeMetadata(data[SignatureSize : SignatureSize+MetadataSize])
	if err != nil {
		return nil, err
	}

	ciphertext := data[HeaderSize:]
	if int(meta.CiphertextSize) != len(ciphertext) {
		return nil, fmt.Errorf("%w: ciphertext size mismatch: header says %d, have %d",
			ErrMalformedBundle, meta.CiphertextSize, len(ciphertext))
	}
	if len(ciphertext) == 0 || len(ciphertext)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext size %d is not a positive multiple of %d",
			ErrMalformedBundle, len(ciphertext), BlockSize)
	}
	if int(meta.PlaintextSize) >= len(ciphertext) || len(ciphertext)-int(meta.PlaintextSize) > BlockSize {
		return nil, fmt.Errorf("%w: plaintext size %d does not pad to %d",
			ErrMalformedBundle, meta.PlaintextSize, len(ciphertext))
	}

	return &Bundle{
		Signature:  data[:SignatureSize],
		Metadata:   meta,
		IV:         data[SignatureSize+MetadataSize : HeaderSize],
		Ciphertext: ciphertext,
	}, nil
}
