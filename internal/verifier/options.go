package verifier

import "github.com/bigbag/securefw/internal/bundle"

// DefaultFlashBudget is the application flash available to the bootloader.
const DefaultFlashBudget = 31 * 1024

// ResultCallback is called after every update attempt with the installed
// release, or with the reason the attempt failed.
type ResultCallback func(release *bundle.Release, err error)

// Config holds the emulator configuration.
type Config struct {
	// CurrentVersion is the version of the firmware installed at start
	CurrentVersion uint16

	// FlashBudget caps the ciphertext size accepted in the metadata
	FlashBudget int

	// ResultCallback observes update attempts (optional)
	ResultCallback ResultCallback
}

func defaultConfig() Config {
	return Config{FlashBudget: DefaultFlashBudget}
}

// Option is a functional option for configuring the Device.
type Option func(*Config)

// WithCurrentVersion sets the version of the firmware installed at start.
func WithCurrentVersion(version uint16) Option {
	return func(c *Config) {
		c.CurrentVersion = version
	}
}

// WithFlashBudget sets the largest ciphertext the device accepts.
func WithFlashBudget(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.FlashBudget = size
		}
	}
}

// WithResultCallback sets the update attempt callback.
func WithResultCallback(cb ResultCallback) Option {
	return func(c *Config) {
		c.ResultCallback = cb
	}
}
