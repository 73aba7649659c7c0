package transporter

import (
	"context"
)

// Transporter owns one generation of the underlying byte stream. Dial
// opens it, the implementation's read loop feeds Inbound with complete
// protocol messages, and Done closes when the stream dies for any reason.
// Send may be called from many goroutines; implementations serialize
// writes so concurrent callers never interleave partial messages.
type Transporter interface {
	Done() <-chan struct{}
	Err() error
	Inbound() <-chan *[]byte
	Dial(ctx context.Context, address string) error
	Send(message []byte) error
	Close(reason error)
}

// Factory produces a fresh Transporter for each connection generation
type Factory func() Transporter
