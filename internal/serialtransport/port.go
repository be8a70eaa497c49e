// Package serialtransport implements the RS-232 physical layer binding:
// a single persistent datalink.Session driven over a serial port instead
// of a TCP connection. This restores the original design's
// transport-agnostic PhysicalLayer seam (see internal/transport) for the
// instrument-side deployment, where the gateway dials out to a directly
// attached analyzer rather than accepting inbound TCP clients.
package serialtransport

import (
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens an RS-232 port at the given baud rate. readTimeout bounds
// each Read call so the transport's reader loop can observe context
// cancellation between reads.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}
