// Package session ties together the per-run transport state: the socket, the
// framed pump layered on it, and the transfer counters. The orchestrator owns
// the session; the session owns the socket and, while a bracket is open, the
// compressor inside the pump.
package session

import (
	"net"

	"github.com/google/uuid"

	"github.com/bamsammich/dsync/internal/stats"
	"github.com/bamsammich/dsync/internal/wire"
)

// Session is the per-run connection state. At most one exists per client
// invocation.
type Session struct {
	ID    string
	Conn  net.Conn
	Pump  *wire.Pump
	Stats *stats.Collector
}

// New wraps an established connection.
func New(conn net.Conn, collector *stats.Collector) *Session {
	if collector == nil {
		collector = stats.NewCollector()
	}
	return &Session{
		ID:    uuid.NewString(),
		Conn:  conn,
		Pump:  wire.NewPump(conn),
		Stats: collector,
	}
}

// Close releases the codec state and closes the socket. Safe to call more
// than once; later calls return the socket's error.
func (s *Session) Close() error {
	s.Pump.Close()
	return s.Conn.Close()
}
