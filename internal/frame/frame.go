// Package frame implements the length-prefixed framing used for the bundle
// payload: a 2-byte big-endian length followed by that many data bytes. A
// zero-length frame terminates the transfer.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bigbag/securefw/internal/protocol"
)

// ErrFrameTooLarge is returned for frames longer than protocol.MaxFrameData.
var ErrFrameTooLarge = errors.New("frame too large")

// Encode wraps data in a single frame.
func Encode(data []byte) ([]byte, error) {
	if len(data) > protocol.MaxFrameData {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, len(data), protocol.MaxFrameData)
	}

	result := make([]byte, protocol.FrameHeaderSize+len(data))
	binary.BigEndian.PutUint16(result[0:2], uint16(len(data)))
	copy(result[protocol.FrameHeaderSize:], data)
	return result, nil
}

// Terminator returns the zero-length end-of-transfer frame.
func Terminator() []byte {
	return []byte{0x00, 0x00}
}

// Split cuts payload into consecutive chunks of at most size bytes. The
// final chunk may be shorter. An empty payload yields no chunks.
func Split(payload []byte, size int) [][]byte {
	if size <= 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for start := 0; start < len(payload); start += size {
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end])
	}
	return chunks
}

// Count returns the number of data frames needed for n payload bytes.
func Count(n int) int {
	return (n + protocol.MaxFrameData - 1) / protocol.MaxFrameData
}

// ReadFrame extracts one complete frame from the front of a byte buffer.
// Returns the frame data and the remaining bytes; ok is false while the
// buffer does not hold a complete frame yet.
func ReadFrame(data []byte) (payload []byte, remaining []byte, ok bool) {
	if len(data) < protocol.FrameHeaderSize {
		return nil, data, false
	}

	length := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < protocol.FrameHeaderSize+length {
		return nil, data, false
	}

	end := protocol.FrameHeaderSize + length
	return data[protocol.FrameHeaderSize:end], data[end:], true
}

// Reader decodes frames from a blocking byte stream.
type Reader struct {
	r    io.Reader
	done bool
	// skip is the unread body of a frame refused as too large
	skip int
}

// NewReader returns a Reader consuming frames from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the data of the next frame. It returns io.EOF once the
// terminator has been read, and ErrFrameTooLarge without consuming the
// body when the declared length exceeds protocol.MaxFrameData. The refused
// body is discarded before the following frame is read.
func (fr *Reader) Next() ([]byte, error) {
	if fr.done {
		return nil, io.EOF
	}
	if err := fr.Discard(); err != nil {
		return nil, err
	}

	var header [protocol.FrameHeaderSize]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(header[:]))
	if length == 0 {
		fr.done = true
		return nil, io.EOF
	}
	if length > protocol.MaxFrameData {
		fr.skip = length
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, length, protocol.MaxFrameData)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(fr.r, data); err != nil {
		return nil, fmt.Errorf("short frame: %w", err)
	}
	return data, nil
}

// Discard consumes the body of the last frame Next refused as too large,
// so that the stream is positioned after it. It is a no-op otherwise.
func (fr *Reader) Discard() error {
	if fr.skip == 0 {
		return nil
	}

	n := fr.skip
	fr.skip = 0
	if _, err := io.CopyN(io.Discard, fr.r, int64(n)); err != nil {
		return fmt.Errorf("discarding %d byte frame: %w", n, err)
	}
	return nil
}

// Done reports whether the terminator has been read. It tells a clean end
// of transfer apart from the stream itself ending, both of which surface as
// io.EOF from Next.
func (fr *Reader) Done() bool {
	return fr.done
}

// Join reassembles frame data in order.
func Join(chunks [][]byte) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
