// Package connector holds the definitions shared by the bridge's two links: the BLE link to the
// diagnostics adapter and the backend link to the cloud service.
package connector

import "time"

// ReadBufferSize is the size of a single read from the backend socket. Each read is delivered to
// the caller as one payload.
const ReadBufferSize = 1024

// MaxResponseLength caps the maximum byte-length of REST responses that connectors must support.
const MaxResponseLength = 100000

// DefaultRetryInterval is the recommended wait time between transport-level retry attempts.
const DefaultRetryInterval = time.Second

// DataHandler receives a payload from a link. Handlers must not retain the slice after returning
// unless they own it; links always pass a fresh copy.
type DataHandler func(payload []byte)

// Connector sends raw byte buffers over one of the bridge's links.
type Connector interface {
	// Write sends buffer over the link. Writes are fire-and-forget: a nil error does not mean
	// the remote side received the data.
	//
	// Implementations must be thread safe.
	Write(buffer []byte) error

	// Disconnect terminates the link's current connection.
	//
	// Repeated calls to Disconnect must be idempotent.
	Disconnect()
}

// Clone returns a copy of p that the caller owns.
func Clone(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
