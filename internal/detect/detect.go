package detect

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// Result represents a serial port that may have a bootloader behind it.
type Result struct {
	Port         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// Description returns a one-line summary of the port.
func (r Result) Description() string {
	if !r.IsUSB {
		return r.Port
	}

	parts := []string{r.Port, fmt.Sprintf("USB %s:%s", r.VID, r.PID)}
	if r.Product != "" {
		parts = append(parts, r.Product)
	}
	if r.SerialNumber != "" {
		parts = append(parts, "serial "+r.SerialNumber)
	}
	return strings.Join(parts, ", ")
}

// lister is replaced in tests.
var lister = enumerator.GetDetailedPortsList

// ListDevices returns every serial port with whatever USB details the
// platform exposes.
func ListDevices() ([]Result, error) {
	ports, err := lister()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	results := make([]Result, 0, len(ports))
	for _, p := range ports {
		results = append(results, Result{
			Port:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	return results, nil
}

// DetectPort picks the port to update when none was given. Detection is
// passive: sending the update request to probe a port would leave a real
// bootloader waiting for a signature. Exactly one USB serial port must be
// present.
func DetectPort() (*Result, error) {
	devices, err := ListDevices()
	if err != nil {
		return nil, err
	}

	var usb []Result
	for _, d := range devices {
		if d.IsUSB {
			usb = append(usb, d)
		}
	}

	switch len(usb) {
	case 0:
		return nil, fmt.Errorf("no USB serial ports found (%d other ports), specify --port", len(devices))
	case 1:
		return &usb[0], nil
	default:
		names := make([]string, 0, len(usb))
		for _, d := range usb {
			names = append(names, d.Port)
		}
		return nil, fmt.Errorf("multiple USB serial ports found (%s), specify --port", strings.Join(names, ", "))
	}
}
