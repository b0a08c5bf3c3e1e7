package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/bamsammich/dsync/internal/errkind"
	"github.com/bamsammich/dsync/internal/wire"
)

// ListeningMarker is the literal the worker prints on stderr once its socket
// is bound. The bootstrapper watches the SSH session's stderr for it.
const ListeningMarker = "DSYNC_WORKER_LISTENING"

// ModeFlag and VersionFlag are the argv sentinels the re-exec'd remote
// process is invoked with. Checked before any CLI parsing.
const (
	ModeFlag    = "--worker-mode"
	VersionFlag = "--worker-version"
)

// Marker formats the full listening line for a port.
func Marker(port int) string {
	return fmt.Sprintf("%s port=%d proto=%d", ListeningMarker, port, wire.ProtocolMajor)
}

// Run binds the loopback listener, announces it on stderr, accepts exactly
// one connection, serves it, and returns. This is the entry point for the
// re-exec'd remote process.
func Run(ctx context.Context, port int, root string) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return errkind.Wrap(errkind.TransportLost, err, "bind worker port")
	}
	defer ln.Close()

	fmt.Fprintln(os.Stderr, Marker(port))

	// Unblock Accept on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return errkind.Wrap(errkind.Cancelled, ctx.Err(), "worker cancelled")
		}
		return errkind.Wrap(errkind.TransportLost, err, "accept connection")
	}
	defer conn.Close()
	ln.Close()

	return Serve(ctx, conn, Config{Root: root})
}
