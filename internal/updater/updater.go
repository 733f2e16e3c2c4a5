// Package updater streams a protected firmware bundle to the bootloader.
//
// The transfer is strictly sequential: handshake, signature, metadata, IV,
// then the ciphertext in length-prefixed frames of at most 16 bytes and a
// zero-length terminator. Every step waits for a single acknowledgment byte
// before the next one is written, so the bootloader never buffers more than
// one frame.
package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"

	"github.com/bigbag/securefw/internal/frame"
	"github.com/bigbag/securefw/internal/protocol"
)

// Port is the duplex byte channel to the bootloader. ReadWithTimeout returns
// (0, nil) when nothing arrived before the timeout.
type Port interface {
	Write(data []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
}

// Phase names a step of the transfer.
type Phase int

const (
	PhaseHandshake Phase = iota
	PhaseSignature
	PhaseMetadata
	PhaseIV
	PhasePayload
	PhaseFinish
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseSignature:
		return "signature"
	case PhaseMetadata:
		return "metadata"
	case PhaseIV:
		return "IV"
	case PhasePayload:
		return "payload"
	case PhaseFinish:
		return "finish"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// pollInterval bounds a single read while waiting for the handshake echo.
const pollInterval = 100 * time.Millisecond

// Updater sends firmware bundles over a port. It is not safe for
// concurrent use.
type Updater struct {
	port   Port
	config Config
}

// New creates a new Updater for the given port.
func New(port Port, opts ...Option) *Updater {
	if port == nil {
		panic("port cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Updater{port: port, config: cfg}
}

// reportProgress calls the progress callback if set.
func (u *Updater) reportProgress(current, total int) {
	if u.config.ProgressCallback != nil {
		u.config.ProgressCallback(current, total)
	}
}

// SendUpdate performs the complete transfer of a bundle. Any error aborts
// the transfer; the device keeps its prior firmware and a retry has to
// start again from the handshake.
func (u *Updater) SendUpdate(ctx context.Context, raw []byte) error {
	b, err := protocol.DecodeBundle(raw)
	if err != nil {
		return fmt.Errorf("invalid bundle: %w", err)
	}

	if err := u.Handshake(ctx); err != nil {
		return err
	}

	// Fields are sent exactly as they appear in the bundle file.
	phases := []struct {
		phase Phase
		data  []byte
	}{
		{PhaseSignature, raw[:protocol.SignatureSize]},
		{PhaseMetadata, raw[protocol.SignatureSize : protocol.SignatureSize+protocol.MetadataSize]},
		{PhaseIV, raw[protocol.SignatureSize+protocol.MetadataSize : protocol.HeaderSize]},
	}
	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: cancelled: %w", p.phase, err)
		}
		klog.V(1).Infof("Sending %s (%d bytes)", p.phase, len(p.data))
		if err := u.write(p.phase, p.data); err != nil {
			return err
		}
		if err := u.readAck(p.phase, 0, u.config.ReadTimeout); err != nil {
			return err
		}
	}

	klog.V(1).Infof("Version %d, plaintext %d bytes, ciphertext %d bytes",
		b.Metadata.Version, b.Metadata.PlaintextSize, b.Metadata.CiphertextSize)

	if err := u.sendPayload(ctx, b.Ciphertext); err != nil {
		return err
	}

	// Zero-length frame ends the transfer; the bootloader answers once it
	// has verified and installed the image.
	klog.V(1).Info("Sending terminator")
	if err := u.write(PhaseFinish, frame.Terminator()); err != nil {
		return err
	}
	return u.readAck(PhaseFinish, 0, u.config.FinalTimeout)
}

// sendPayload writes the ciphertext frame by frame.
func (u *Updater) sendPayload(ctx context.Context, ciphertext []byte) error {
	chunks := frame.Split(ciphertext, protocol.MaxFrameData)
	total := len(chunks)

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("payload frame %d: cancelled: %w", i, err)
		}

		f, err := frame.Encode(chunk)
		if err != nil {
			return fmt.Errorf("payload frame %d: %w", i, err)
		}

		klog.V(2).Infof("Writing frame %d (%d bytes)", i, len(f))
		if err := u.write(PhasePayload, f); err != nil {
			return fmt.Errorf("payload frame %d: %w", i, err)
		}

		if err := sleep(ctx, u.config.FrameDelay); err != nil {
			return fmt.Errorf("payload frame %d: cancelled: %w", i, err)
		}

		if err := u.readAck(PhasePayload, i, u.config.ReadTimeout); err != nil {
			return err
		}

		u.reportProgress(i+1, total)
	}

	return nil
}

// Handshake requests update mode and waits for the bootloader to echo the
// request. Attempts are bounded by the retry policy and by ctx.
//
// Input is flushed before every attempt. An echo that arrives after its
// attempt window would otherwise be taken as the answer to the next
// request, and the bootloader would then read that second request as the
// first signature byte.
func (u *Updater) Handshake(ctx context.Context) error {
	attempts := 0
	op := func() error {
		attempts++
		klog.V(1).Infof("Handshake attempt %d", attempts)

		// Discard leftovers from a previous session or a late echo.
		if err := u.port.Flush(); err != nil {
			klog.V(2).Infof("Flush before handshake failed: %v", err)
		}

		if _, err := u.port.Write([]byte{protocol.CmdUpdate}); err != nil {
			klog.Warningf("Handshake write failed: %v", err)
			return err
		}
		return u.waitEcho(ctx)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(u.config.HandshakeInterval), uint64(u.config.HandshakeRetries)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return &HandshakeTimeoutError{Attempts: attempts, Err: err}
	}

	klog.V(1).Infof("Bootloader entered update mode after %d attempt(s)", attempts)
	return nil
}

// waitEcho polls the port until the update byte comes back or the attempt
// window closes. Other bytes, such as boot banners, are skipped.
func (u *Updater) waitEcho(ctx context.Context) error {
	deadline := time.Now().Add(u.config.HandshakeWindow)
	buf := make([]byte, 1)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		wait := time.Until(deadline)
		if wait > pollInterval {
			wait = pollInterval
		}

		n, err := u.port.ReadWithTimeout(buf, wait)
		if n > 0 {
			if buf[0] == protocol.CmdUpdate {
				return nil
			}
			klog.V(2).Infof("Ignoring byte 0x%02X while waiting for echo", buf[0])
			continue
		}
		if err != nil {
			klog.V(2).Infof("Read while waiting for echo: %v", err)
		}
	}

	return errors.New("no echo within attempt window")
}

// write sends data in full or fails.
func (u *Updater) write(phase Phase, data []byte) error {
	n, err := u.port.Write(data)
	if err != nil {
		return fmt.Errorf("%s: write failed: %w", phase, err)
	}
	if n != len(data) {
		return fmt.Errorf("%s: short write: %d of %d bytes", phase, n, len(data))
	}
	return nil
}

// readAck reads exactly one acknowledgment byte.
func (u *Updater) readAck(phase Phase, frameIdx int, timeout time.Duration) error {
	buf := make([]byte, 1)
	n, err := u.port.ReadWithTimeout(buf, timeout)
	if n == 0 {
		return &PeerRejectedError{Phase: phase, Frame: frameIdx, Timeout: err == nil, Err: err}
	}

	klog.V(2).Infof("%s ack: 0x%02X", phase, buf[0])
	if buf[0] != protocol.RespOK {
		return &PeerRejectedError{Phase: phase, Frame: frameIdx, Code: buf[0]}
	}
	return nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
