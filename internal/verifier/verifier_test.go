package verifier

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/bigbag/securefw/internal/bundle"
	"github.com/bigbag/securefw/internal/frame"
	"github.com/bigbag/securefw/internal/keys"
	"github.com/bigbag/securefw/internal/protocol"
	"github.com/bigbag/securefw/internal/updater"
)

var (
	testSecretsOnce sync.Once
	testSecrets     *keys.Secrets
	testSecretsErr  error
)

func secretsForTest(t *testing.T) *keys.Secrets {
	t.Helper()
	testSecretsOnce.Do(func() {
		testSecrets, testSecretsErr = keys.Generate(rand.Reader)
	})
	if testSecretsErr != nil {
		t.Fatalf("Generate() error = %v", testSecretsErr)
	}
	return testSecrets
}

// pipePort adapts one end of a net.Pipe to updater.Port.
type pipePort struct {
	net.Conn
}

func (p pipePort) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := p.Read(buf)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (p pipePort) Flush() error { return nil }

// runUpdate sends raw to dev over an in-memory link and returns the host
// side result once both ends are finished.
func runUpdate(t *testing.T, dev *Device, raw []byte) error {
	t.Helper()

	host, target := net.Pipe()
	defer target.Close()

	var updateErr error
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return dev.Serve(ctx, target)
	})
	g.Go(func() error {
		defer host.Close()
		u := updater.New(pipePort{host},
			updater.WithFrameDelay(time.Millisecond),
			updater.WithReadTimeout(time.Second),
			updater.WithHandshake(500*time.Millisecond, 2),
		)
		updateErr = u.SendUpdate(ctx, raw)
		return nil
	})

	if err := g.Wait(); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	return updateErr
}

func protect(t *testing.T, firmware []byte, version uint16, message string) []byte {
	t.Helper()
	raw, err := bundle.Protect(secretsForTest(t), firmware, version, message)
	if err != nil {
		t.Fatalf("Protect() error = %v", err)
	}
	return raw
}

func TestEndToEnd_Install(t *testing.T) {
	var results []error
	dev := New(secretsForTest(t), WithResultCallback(func(_ *bundle.Release, err error) {
		results = append(results, err)
	}))

	firmware := make([]byte, 1000)
	raw := protect(t, firmware, 3, "v3 release")
	if len(raw) != protocol.HeaderSize+1024 {
		t.Fatalf("bundle size = %d, want %d", len(raw), protocol.HeaderSize+1024)
	}

	if err := runUpdate(t, dev, raw); err != nil {
		t.Fatalf("SendUpdate() error = %v", err)
	}

	if dev.Version() != 3 {
		t.Errorf("Version() = %d, want 3", dev.Version())
	}
	installed := dev.Installed()
	if installed == nil {
		t.Fatal("Installed() = nil after a successful update")
	}
	want := append(append(append([]byte{}, firmware...), "v3 release"...), 0x00)
	if diff := cmp.Diff(want, installed.Plaintext); diff != "" {
		t.Errorf("installed plaintext mismatch (-want +got):\n%s", diff)
	}
	if got := installed.Message(); got != "v3 release" {
		t.Errorf("Message() = %q, want %q", got, "v3 release")
	}
	if len(results) != 1 || results[0] != nil {
		t.Errorf("results = %v, want one success", results)
	}
}

func TestEndToEnd_TamperedBundle(t *testing.T) {
	var lastErr error
	dev := New(secretsForTest(t), WithResultCallback(func(_ *bundle.Release, err error) {
		lastErr = err
	}))

	if err := runUpdate(t, dev, protect(t, []byte("good image"), 1, "v1")); err != nil {
		t.Fatalf("SendUpdate() error = %v", err)
	}
	before := dev.Installed()

	raw := protect(t, []byte("evil image"), 2, "v2")
	raw[len(raw)-1] ^= 0x01

	err := runUpdate(t, dev, raw)
	var rejected *updater.PeerRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("SendUpdate() error = %v, want *PeerRejectedError", err)
	}
	if rejected.Phase != updater.PhaseFinish || rejected.Code != protocol.RespError {
		t.Errorf("rejected at %s with 0x%02X, want finish with 0x01", rejected.Phase, rejected.Code)
	}

	if !errors.Is(lastErr, bundle.ErrSignatureInvalid) {
		t.Errorf("device error = %v, want ErrSignatureInvalid", lastErr)
	}
	if dev.Installed() != before || dev.Version() != 1 {
		t.Error("rejected update replaced the installed release")
	}
}

func TestEndToEnd_Rollback(t *testing.T) {
	dev := New(secretsForTest(t), WithCurrentVersion(5))

	err := runUpdate(t, dev, protect(t, []byte("old"), 4, ""))
	var rejected *updater.PeerRejectedError
	if !errors.As(err, &rejected) || rejected.Phase != updater.PhaseMetadata {
		t.Fatalf("SendUpdate() error = %v, want rejection at metadata", err)
	}
	if dev.Installed() != nil || dev.Version() != 5 {
		t.Error("rollback changed the device")
	}
}

func TestEndToEnd_DebugVersion(t *testing.T) {
	dev := New(secretsForTest(t), WithCurrentVersion(5))

	if err := runUpdate(t, dev, protect(t, []byte("debug"), 0, "dbg")); err != nil {
		t.Fatalf("SendUpdate() error = %v", err)
	}
	if dev.Installed() == nil {
		t.Fatal("version 0 image was not installed")
	}
	if dev.Version() != 5 {
		t.Errorf("Version() = %d, want 5 kept", dev.Version())
	}
}

func TestEndToEnd_RetryAfterReject(t *testing.T) {
	dev := New(secretsForTest(t))

	raw := protect(t, []byte("firmware"), 7, "")
	tampered := append([]byte{}, raw...)
	tampered[protocol.SignatureSize+protocol.MetadataSize] ^= 0xFF

	if err := runUpdate(t, dev, tampered); !errors.Is(err, updater.ErrPeerRejected) {
		t.Fatalf("SendUpdate(tampered) error = %v, want ErrPeerRejected", err)
	}
	if err := runUpdate(t, dev, raw); err != nil {
		t.Fatalf("SendUpdate() after reject error = %v", err)
	}
	if dev.Version() != 7 {
		t.Errorf("Version() = %d, want 7", dev.Version())
	}
}

// script is a ReadWriter replaying input and recording every byte written.
type script struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func (s *script) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *script) Write(p []byte) (int, error) { return s.out.Write(p) }

type transfer struct {
	version        uint16
	plaintextSize  uint16
	ciphertextSize uint16
	frames         [][]byte
}

func (tr transfer) encode() []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, protocol.SignatureSize))
	buf.Write(protocol.Metadata{
		Version:        tr.version,
		PlaintextSize:  tr.plaintextSize,
		CiphertextSize: tr.ciphertextSize,
	}.Encode())
	buf.Write(make([]byte, protocol.IVSize))
	for _, f := range tr.frames {
		buf.Write(f)
	}
	return buf.Bytes()
}

func dataFrame(t *testing.T, n int) []byte {
	t.Helper()
	f, err := frame.Encode(make([]byte, n))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestSession_Rejections(t *testing.T) {
	oversized := make([]byte, 2+17)
	binary.BigEndian.PutUint16(oversized, 17)

	tests := []struct {
		name     string
		current  uint16
		transfer transfer
		reason   error
		acks     []byte
	}{
		{
			name:     "flash budget",
			transfer: transfer{version: 1, plaintextSize: 1, ciphertextSize: DefaultFlashBudget + 16},
			reason:   ErrFlashBudget,
			acks:     []byte{0x00, 0x01},
		},
		{
			name:     "unaligned ciphertext",
			transfer: transfer{version: 1, plaintextSize: 1, ciphertextSize: 17},
			reason:   ErrUnaligned,
			acks:     []byte{0x00, 0x01},
		},
		{
			name:     "empty ciphertext",
			transfer: transfer{version: 1},
			reason:   ErrUnaligned,
			acks:     []byte{0x00, 0x01},
		},
		{
			name:     "rollback",
			current:  2,
			transfer: transfer{version: 2, plaintextSize: 1, ciphertextSize: 16},
			reason:   ErrRollback,
			acks:     []byte{0x00, 0x01},
		},
		{
			name: "early terminator",
			transfer: transfer{version: 1, plaintextSize: 20, ciphertextSize: 32,
				frames: [][]byte{dataFrame(t, 16), frame.Terminator()}},
			reason: ErrFrameSequence,
			acks:   []byte{0x00, 0x00, 0x00, 0x00, 0x01},
		},
		{
			name: "overrun",
			transfer: transfer{version: 1, plaintextSize: 1, ciphertextSize: 16,
				frames: [][]byte{dataFrame(t, 10), dataFrame(t, 16)}},
			reason: ErrFrameSequence,
			acks:   []byte{0x00, 0x00, 0x00, 0x00, 0x01},
		},
		{
			name: "frame too large",
			transfer: transfer{version: 1, plaintextSize: 20, ciphertextSize: 32,
				frames: [][]byte{oversized}},
			reason: frame.ErrFrameTooLarge,
			acks:   []byte{0x00, 0x00, 0x00, 0x01},
		},
		{
			name: "missing terminator",
			transfer: transfer{version: 1, plaintextSize: 1, ciphertextSize: 16,
				frames: [][]byte{dataFrame(t, 16), dataFrame(t, 1)}},
			reason: ErrFrameSequence,
			acks:   []byte{0x00, 0x00, 0x00, 0x00, 0x01},
		},
		{
			name: "bad signature",
			transfer: transfer{version: 1, plaintextSize: 1, ciphertextSize: 16,
				frames: [][]byte{dataFrame(t, 16), frame.Terminator()}},
			reason: bundle.ErrSignatureInvalid,
			acks:   []byte{0x00, 0x00, 0x00, 0x00, 0x01},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev := New(secretsForTest(t), WithCurrentVersion(tc.current))
			rw := &script{in: bytes.NewReader(tc.transfer.encode())}

			release, err := dev.Session(context.Background(), rw)
			if release != nil {
				t.Error("Session() returned a release for a rejected attempt")
			}
			if !errors.Is(err, ErrRejected) {
				t.Fatalf("Session() error = %v, want ErrRejected", err)
			}
			if !errors.Is(err, tc.reason) {
				t.Errorf("Session() error = %v, want %v", err, tc.reason)
			}
			if diff := cmp.Diff(tc.acks, rw.out.Bytes()); diff != "" {
				t.Errorf("acks mismatch (-want +got):\n%s", diff)
			}
			if dev.Installed() != nil {
				t.Error("rejected attempt installed a release")
			}
		})
	}
}

func TestSession_TruncatedStream(t *testing.T) {
	dev := New(secretsForTest(t))
	rw := &script{in: bytes.NewReader(make([]byte, 100))}

	_, err := dev.Session(context.Background(), rw)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Session() error = %v, want io.ErrUnexpectedEOF", err)
	}
	if errors.Is(err, ErrRejected) {
		t.Error("I/O failure reported as a rejection")
	}
}

func TestServe_IgnoresIdleBytes(t *testing.T) {
	dev := New(secretsForTest(t))
	rw := &script{in: bytes.NewReader([]byte{protocol.CmdBoot, 0x13, 0xFF})}

	if err := dev.Serve(context.Background(), rw); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if rw.out.Len() != 0 {
		t.Errorf("Serve() wrote %X in idle loop", rw.out.Bytes())
	}
}

func TestServe_OversizedFrameBodyNotReadAsCommands(t *testing.T) {
	var errs []error
	dev := New(secretsForTest(t), WithResultCallback(func(_ *bundle.Release, err error) {
		errs = append(errs, err)
	}))

	body := bytes.Repeat([]byte{protocol.CmdUpdate}, 32)
	oversized := append([]byte{0x00, byte(len(body))}, body...)
	tr := transfer{version: 1, plaintextSize: 20, ciphertextSize: 32, frames: [][]byte{oversized}}
	input := append([]byte{protocol.CmdUpdate}, tr.encode()...)
	rw := &script{in: bytes.NewReader(input)}

	if err := dev.Serve(context.Background(), rw); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	// One echo, signature/metadata/IV acks, one rejection, nothing else.
	want := []byte{protocol.CmdUpdate, 0x00, 0x00, 0x00, 0x01}
	if diff := cmp.Diff(want, rw.out.Bytes()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if len(errs) != 1 || !errors.Is(errs[0], frame.ErrFrameTooLarge) {
		t.Errorf("results = %v, want a single ErrFrameTooLarge rejection", errs)
	}
}

func TestServe_HostGoneMidSession(t *testing.T) {
	var errs []error
	dev := New(secretsForTest(t), WithResultCallback(func(_ *bundle.Release, err error) {
		errs = append(errs, err)
	}))

	input := append([]byte{protocol.CmdUpdate}, make([]byte, 100)...)
	rw := &script{in: bytes.NewReader(input)}

	if err := dev.Serve(context.Background(), rw); err != nil {
		t.Fatalf("Serve() error = %v, want nil when the host disconnects", err)
	}
	if len(errs) != 1 || !errors.Is(errs[0], io.ErrUnexpectedEOF) {
		t.Errorf("results = %v, want a single io.ErrUnexpectedEOF", errs)
	}
	if dev.Installed() != nil {
		t.Error("aborted session installed a release")
	}
}

// idle reads nothing, like a polled serial port with no traffic.
type idle struct{}

func (idle) Read(p []byte) (int, error)  { return 0, nil }
func (idle) Write(p []byte) (int, error) { return len(p), nil }

func TestServe_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	dev := New(secretsForTest(t))
	if err := dev.Serve(ctx, idle{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Serve() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestNew_NilSecrets(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New(nil) did not panic")
		}
	}()
	New(nil)
}

func TestRejectError(t *testing.T) {
	err := &RejectError{Stage: "metadata", Err: ErrRollback}
	if err.Error() != "rejected at metadata: version rollback" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, ErrRejected) || !errors.Is(err, ErrRollback) {
		t.Error("RejectError does not match its kind and reason")
	}
}
