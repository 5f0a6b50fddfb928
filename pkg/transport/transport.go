// Package transport provides the blocking message transports the hub runs
// over. A Conn exchanges whole protocol messages; a Listener produces
// exactly one Conn over its lifetime, since the hub never accepts a second
// peer on the same port.
package transport

import "github.com/opentraffic/tracihub/pkg/storage"

// Conn is a blocking, message-oriented connection to a single peer.
type Conn interface {
	// SendExact writes the full contents of s as one protocol message.
	SendExact(s *storage.Storage) error
	// ReceiveExact blocks until one whole protocol message arrives and
	// replaces the contents of s with it, cursor rewound.
	ReceiveExact(s *storage.Storage) error
	Close() error
}

// Listener accepts the single peer connection of a client session.
type Listener interface {
	Port() int
	// Accept blocks until a peer connects. Valid at most once.
	Accept() (Conn, error)
	Close() error
}
