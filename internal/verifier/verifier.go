// Package verifier emulates the bootloader side of the update protocol.
//
// A Device answers the handshake, checks the metadata against its flash
// budget and installed version, receives the framed ciphertext and only
// installs the release after the signature, padding and sizes all check
// out. Any failed attempt leaves the installed release untouched. It is
// used to exercise the host tools without hardware.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"k8s.io/klog/v2"

	"github.com/bigbag/securefw/internal/bundle"
	"github.com/bigbag/securefw/internal/frame"
	"github.com/bigbag/securefw/internal/keys"
	"github.com/bigbag/securefw/internal/protocol"
)

// Device is an emulated bootloader holding provisioned secrets and an
// installed release.
type Device struct {
	secrets *keys.Secrets
	config  Config

	mu        sync.Mutex
	version   uint16
	installed *bundle.Release
}

// New creates a Device provisioned with s.
func New(s *keys.Secrets, opts ...Option) *Device {
	if s == nil {
		panic("secrets cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Device{secrets: s, config: cfg, version: cfg.CurrentVersion}
}

// Version returns the installed firmware version.
func (d *Device) Version() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Installed returns the last release installed, or nil.
func (d *Device) Installed() *bundle.Release {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installed
}

// Serve runs the idle loop: it waits for update requests on rw and runs a
// session for each one. Bytes other than the update and boot commands are
// ignored. Serve returns nil when rw reaches EOF, including in the middle
// of a session, and ctx.Err() once ctx is done.
func (d *Device) Serve(ctx context.Context, rw io.ReadWriter) error {
	r := &ctxReader{ctx: ctx, r: rw}
	buf := make([]byte, 1)

	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch buf[0] {
		case protocol.CmdUpdate:
			klog.V(1).Info("Update requested")
			if _, err := rw.Write([]byte{protocol.CmdUpdate}); err != nil {
				return fmt.Errorf("failed to echo update request: %w", err)
			}

			release, err := d.Session(ctx, rw)
			var rejected *RejectError
			switch {
			case err == nil:
				klog.Infof("Installed version %d (%d bytes)", release.Version, len(release.Plaintext))
			case errors.As(err, &rejected):
				klog.Warningf("Update %v", err)
			default:
				d.report(nil, err)
				// The host went away mid-session.
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					klog.Warningf("Update aborted: %v", err)
					return nil
				}
				return err
			}
			d.report(release, err)

		case protocol.CmdBoot:
			klog.Infof("Boot requested, running version %d", d.Version())

		default:
			klog.V(2).Infof("Ignoring byte 0x%02X in idle loop", buf[0])
		}
	}
}

func (d *Device) report(release *bundle.Release, err error) {
	if d.config.ResultCallback != nil {
		d.config.ResultCallback(release, err)
	}
}

// Session runs one update attempt after the handshake echo has been sent.
// A rejected attempt writes RespError and returns a *RejectError; I/O
// failures are returned as is.
func (d *Device) Session(ctx context.Context, rw io.ReadWriter) (*bundle.Release, error) {
	r := &ctxReader{ctx: ctx, r: rw}
	s := &session{rw: rw, r: r}

	signature := make([]byte, protocol.SignatureSize)
	if err := s.receive("signature", signature); err != nil {
		return nil, err
	}

	rawMeta := make([]byte, protocol.MetadataSize)
	if _, err := io.ReadFull(r, rawMeta); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	meta, err := protocol.DecodeMetadata(rawMeta)
	if err != nil {
		return nil, s.reject("metadata", err)
	}
	if err := d.checkMetadata(meta); err != nil {
		return nil, s.reject("metadata", err)
	}
	if err := s.ack(); err != nil {
		return nil, err
	}

	iv := make([]byte, protocol.IVSize)
	if err := s.receive("IV", iv); err != nil {
		return nil, err
	}

	ciphertext, err := s.receivePayload(int(meta.CiphertextSize))
	if err != nil {
		return nil, err
	}

	b := &protocol.Bundle{Signature: signature, Metadata: meta, IV: iv, Ciphertext: ciphertext}
	if err := bundle.VerifySignature(d.secrets.Public(), b); err != nil {
		return nil, s.reject("verification", err)
	}
	release, err := bundle.Decrypt(d.secrets, b)
	if err != nil {
		return nil, s.reject("verification", err)
	}

	if err := s.ack(); err != nil {
		return nil, err
	}
	d.commit(release)
	return release, nil
}

func (d *Device) checkMetadata(meta protocol.Metadata) error {
	size := int(meta.CiphertextSize)
	if size > d.config.FlashBudget {
		return fmt.Errorf("%w: %d bytes, budget %d", ErrFlashBudget, size, d.config.FlashBudget)
	}
	if size == 0 || size%protocol.BlockSize != 0 {
		return fmt.Errorf("%w: %d bytes", ErrUnaligned, size)
	}

	// Version 0 is a debug build and may always be installed.
	if current := d.Version(); meta.Version != 0 && meta.Version <= current {
		return fmt.Errorf("%w: version %d, installed %d", ErrRollback, meta.Version, current)
	}
	return nil
}

func (d *Device) commit(release *bundle.Release) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if release.Version != 0 {
		d.version = release.Version
	}
	d.installed = release
}

type session struct {
	rw io.ReadWriter
	r  io.Reader
}

// receive reads a fixed-size field and acknowledges it.
func (s *session) receive(stage string, buf []byte) error {
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	klog.V(2).Infof("Received %s (%d bytes)", stage, len(buf))
	return s.ack()
}

// receivePayload reads exactly size ciphertext bytes in frames followed by
// the terminator. Every data frame is acknowledged; the terminator is not,
// its answer is the final verdict.
func (s *session) receivePayload(size int) ([]byte, error) {
	fr := frame.NewReader(s.r)
	ciphertext := make([]byte, 0, size)

	for len(ciphertext) < size {
		data, err := fr.Next()
		switch {
		case errors.Is(err, io.EOF) && fr.Done():
			return nil, s.reject("payload", fmt.Errorf("%w: terminator after %d of %d bytes",
				ErrFrameSequence, len(ciphertext), size))
		case errors.Is(err, frame.ErrFrameTooLarge):
			return nil, s.rejectFrame(fr, err)
		case err != nil:
			return nil, fmt.Errorf("payload: %w", err)
		}

		if len(ciphertext)+len(data) > size {
			return nil, s.reject("payload", fmt.Errorf("%w: frame of %d bytes overruns %d byte ciphertext",
				ErrFrameSequence, len(data), size))
		}
		ciphertext = append(ciphertext, data...)
		if err := s.ack(); err != nil {
			return nil, err
		}
	}

	data, err := fr.Next()
	switch {
	case errors.Is(err, io.EOF) && fr.Done():
		return ciphertext, nil
	case err == nil:
		return nil, s.reject("payload", fmt.Errorf("%w: %d byte frame instead of terminator", ErrFrameSequence, len(data)))
	case errors.Is(err, frame.ErrFrameTooLarge):
		return nil, s.rejectFrame(fr, fmt.Errorf("%w: %w", ErrFrameSequence, err))
	default:
		return nil, fmt.Errorf("payload: %w", err)
	}
}

func (s *session) ack() error {
	if _, err := s.rw.Write([]byte{protocol.RespOK}); err != nil {
		return fmt.Errorf("failed to write ack: %w", err)
	}
	return nil
}

// reject answers with the error byte and returns the reason.
func (s *session) reject(stage string, reason error) error {
	if _, err := s.rw.Write([]byte{protocol.RespError}); err != nil {
		return fmt.Errorf("failed to write rejection: %w", err)
	}
	return &RejectError{Stage: stage, Err: reason}
}

// rejectFrame drains the body of an oversized frame before rejecting it,
// so that its bytes are not read as commands by the idle loop.
func (s *session) rejectFrame(fr *frame.Reader, reason error) error {
	if err := fr.Discard(); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	return s.reject("payload", reason)
}

// ctxReader turns the (0, nil) timeouts of a polled port into retries that
// end with ctx.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	for {
		if err := c.ctx.Err(); err != nil {
			return 0, err
		}
		n, err := c.r.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}
