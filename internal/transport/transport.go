// Package transport defines the seam between the ASTM data-link engine
// and whatever byte-oriented medium carries it, mirroring the
// PhysicalLayer trait of the reference implementation this core was
// distilled from. It also provides WriteQueue, a single-goroutine fan-in
// writer shared by every physical-layer binding.
package transport

import "context"

// PhysicalLayer drives one or more data-link sessions over some
// byte-oriented medium (TCP, a serial port, ...) until ctx is cancelled
// or an unrecoverable error occurs.
type PhysicalLayer interface {
	Serve(ctx context.Context) error
}
