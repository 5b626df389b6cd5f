package sensor

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
)

const (
	DefaultPort        = "/dev/serial0"
	DefaultBaud        = 9600
	DefaultReadTimeout = 2 * time.Second
)

// OpenSerial opens port at 8N1. Reads block for at most readTimeout and then
// return zero bytes.
func OpenSerial(port string, baud int, readTimeout time.Duration) (Stream, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", port, err)
	}
	if readTimeout > 0 {
		if err := p.SetReadTimeout(readTimeout); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", port, err)
		}
	}
	return p, nil
}

// SerialOpener defers OpenSerial until the link starts.
func SerialOpener(port string, baud int, readTimeout time.Duration) Opener {
	return func(context.Context) (Stream, error) {
		return OpenSerial(port, baud, readTimeout)
	}
}
