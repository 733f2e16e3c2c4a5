package updater

import (
	"time"

	"github.com/bigbag/securefw/internal/protocol"
)

// ProgressCallback is called after every acknowledged payload frame.
type ProgressCallback func(current, total int)

// Config holds the updater configuration.
type Config struct {
	// ReadTimeout bounds every acknowledgment read
	ReadTimeout time.Duration

	// FrameDelay is slept after writing a payload frame, before its
	// acknowledgment is read. Always positive.
	FrameDelay time.Duration

	// HandshakeWindow is how long one handshake attempt waits for the echo
	HandshakeWindow time.Duration

	// HandshakeRetries is the number of extra handshake attempts
	HandshakeRetries int

	// HandshakeInterval is the pause between handshake attempts
	HandshakeInterval time.Duration

	// FinalTimeout bounds the wait for the verdict after the terminator,
	// which covers signature verification and the flash write
	FinalTimeout time.Duration

	// ProgressCallback reports payload progress (optional)
	ProgressCallback ProgressCallback
}

func defaultConfig() Config {
	return Config{
		ReadTimeout:       protocol.DefaultReadTimeout,
		FrameDelay:        protocol.DefaultFrameDelay,
		HandshakeWindow:   time.Second,
		HandshakeRetries:  9,
		HandshakeInterval: 100 * time.Millisecond,
		FinalTimeout:      10 * time.Second,
	}
}

// Option is a functional option for configuring the Updater.
type Option func(*Config)

// WithProgressCallback sets the progress callback function.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = cb
	}
}

// WithReadTimeout sets the acknowledgment read timeout.
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.ReadTimeout = timeout
		}
	}
}

// WithFrameDelay sets the post-write delay for payload frames. Non-positive
// values are ignored.
func WithFrameDelay(delay time.Duration) Option {
	return func(c *Config) {
		if delay > 0 {
			c.FrameDelay = delay
		}
	}
}

// WithHandshake sets the per-attempt echo window and the number of retries.
//
// Example:
//
//	u := updater.New(port, updater.WithHandshake(500*time.Millisecond, 20))
func WithHandshake(window time.Duration, retries int) Option {
	return func(c *Config) {
		if window > 0 {
			c.HandshakeWindow = window
		}
		if retries >= 0 {
			c.HandshakeRetries = retries
		}
	}
}

// WithHandshakeInterval sets the pause between handshake attempts.
func WithHandshakeInterval(interval time.Duration) Option {
	return func(c *Config) {
		if interval >= 0 {
			c.HandshakeInterval = interval
		}
	}
}

// WithFinalTimeout sets how long to wait for the verdict after the
// terminator frame.
func WithFinalTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.FinalTimeout = timeout
		}
	}
}
