package serial

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// pollTimeout is the read timeout restored after ReadWithTimeout.
const pollTimeout = 100 * time.Millisecond

// Port wraps a serial port connected to the bootloader's host UART.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
}

// Open opens a serial port with the specified baud rate, 8N1.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	// Set read timeout
	if err := port.SetReadTimeout(pollTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port and waits until it has been
// transmitted.
func (p *Port) Write(data []byte) (int, error) {
	n, err := p.port.Write(data)
	if err != nil {
		return n, err
	}
	return n, p.port.Drain()
}

// Read reads data from the serial port. It returns (0, nil) when the read
// timeout expires with nothing received.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// ReadWithTimeout reads data with a specific timeout.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.port.SetReadTimeout(pollTimeout)

	return p.port.Read(buf)
}

// Flush discards any buffered data.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// SetDTR sets the DTR signal.
func (p *Port) SetDTR(value bool) error {
	return p.port.SetDTR(value)
}

// Reset pulses DTR, which restarts boards wired with the usual auto-reset
// circuit so that the bootloader is waiting in its idle loop.
func (p *Port) Reset() error {
	if err := p.SetDTR(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := p.SetDTR(false); err != nil {
		return err
	}

	// Let the bootloader come up, then drop its banner.
	time.Sleep(250 * time.Millisecond)
	return p.Flush()
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}
