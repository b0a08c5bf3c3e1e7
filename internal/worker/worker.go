// Package worker implements the remote side of the sync protocol: the mirror
// of the client's phase machine. It accepts exactly one connection, applies
// whole files and deltas through a temp-then-rename write path, deletes
// extras only after all writes succeeded, and exits.
package worker

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/bamsammich/dsync/internal/classify"
	"github.com/bamsammich/dsync/internal/errkind"
	"github.com/bamsammich/dsync/internal/wire"
)

// Config controls one serving session.
type Config struct {
	// Root is the destination directory all relative paths resolve under.
	Root string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type server struct {
	pump   *wire.Pump
	root   string
	log    *slog.Logger
	opts   wire.Options
	inv    wire.Inventory
	ok     uint32
	failed uint32
}

// Serve runs the worker phase machine over an established connection. It is
// single-threaded end-to-end; any protocol or transport error aborts the
// session after a best-effort Error frame.
func Serve(ctx context.Context, conn net.Conn, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &server{
		pump: wire.NewPump(conn),
		root: cfg.Root,
		log:  logger,
	}
	defer s.pump.Close()
	defer CleanupTmpFiles()

	if err := s.run(ctx); err != nil {
		s.sendError(err)
		return err
	}
	return nil
}

func (s *server) run(ctx context.Context) error {
	if err := s.handshake(); err != nil {
		return err
	}
	if err := s.receiveOptions(); err != nil {
		return err
	}
	if err := s.receiveInventory(); err != nil {
		return err
	}

	result, err := classify.Classify(s.inv, s.root, s.opts)
	if err != nil {
		return err
	}
	if err := s.pump.Send(wire.TagClassification, wire.EncodeClassification(result.Classification)); err != nil {
		return err
	}
	s.log.Debug("classified inventory",
		"missing", len(result.Missing),
		"changed", len(result.Changed),
		"identical", len(result.Identical),
		"deletable", len(result.Deleted),
	)

	if s.opts.DryRun {
		if err := s.sendSummary(); err != nil {
			return err
		}
		return s.awaitShutdown()
	}

	if err := s.makeDirs(); err != nil {
		return err
	}
	s.materializeCopyHits(result.CopyHits)

	for _, idx := range result.Missing {
		if err := ctx.Err(); err != nil {
			return errkind.Wrap(errkind.Cancelled, err, "worker cancelled")
		}
		if err := s.receiveWhole(idx); err != nil {
			return err
		}
	}

	for _, idx := range result.Changed {
		if err := ctx.Err(); err != nil {
			return errkind.Wrap(errkind.Cancelled, err, "worker cancelled")
		}
		if err := s.syncChanged(idx); err != nil {
			return err
		}
	}

	// Deletion runs only after every write landed, so a failed run never
	// loses remote data it did not replace.
	if s.failed == 0 {
		s.deleteExtras(result.Deleted)
	}

	if err := s.sendSummary(); err != nil {
		return err
	}
	return s.awaitShutdown()
}

func (s *server) handshake() error {
	tag, payload, err := s.pump.Recv()
	if err != nil {
		return err
	}
	if tag != wire.TagHello {
		return errkind.New(errkind.ProtocolError, "expected Hello, got %s", tag)
	}
	version, err := wire.DecodeHello(payload)
	if err != nil {
		return errkind.Wrap(errkind.ProtocolError, err, "decode Hello")
	}
	if wire.Major(version) != wire.ProtocolMajor {
		return errkind.New(errkind.ProtocolError,
			"protocol major %d does not match %d", wire.Major(version), wire.ProtocolMajor)
	}
	return s.pump.Send(wire.TagHelloAck, wire.EncodeHello(wire.ProtocolVersion))
}

func (s *server) receiveOptions() error {
	tag, payload, err := s.pump.Recv()
	if err != nil {
		return err
	}
	if tag != wire.TagOptions {
		return errkind.New(errkind.ProtocolError, "expected Options, got %s", tag)
	}
	opts, err := wire.DecodeOptions(payload)
	if err != nil {
		return errkind.Wrap(errkind.ProtocolError, err, "decode Options")
	}
	if err := opts.Validate(); err != nil {
		return errkind.Wrap(errkind.Usage, err, "invalid options")
	}
	s.opts = opts
	return nil
}

func (s *server) receiveInventory() error {
	tag, payload, err := s.pump.Recv()
	if err != nil {
		return err
	}
	if tag != wire.TagInventory {
		return errkind.New(errkind.ProtocolError, "expected Inventory, got %s", tag)
	}
	inv, err := wire.DecodeInventory(payload, s.opts.Checksum)
	if err != nil {
		return errkind.Wrap(errkind.ProtocolError, err, "decode Inventory")
	}
	s.inv = inv
	return nil
}

// makeDirs creates the inventory's directories with the client's permissions.
// Intermediate directories absent from the inventory fall back to 0755.
func (s *server) makeDirs() error {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return errkind.Wrap(errkind.LocalIO, err, "create destination root")
	}
	for _, d := range s.inv.Dirs {
		full := filepath.Join(s.root, filepath.FromSlash(d.RelPath))
		if err := os.MkdirAll(full, 0755); err != nil {
			return errkind.Wrap(errkind.LocalIO, err, "create directory")
		}
		if err := os.Chmod(full, os.FileMode(d.Perms)); err != nil {
			s.log.Warn("chmod directory", "path", d.RelPath, "error", err)
		}
	}
	return nil
}

func (s *server) sendSummary() error {
	summary := wire.Summary{
		BytesIn:  uint64(s.pump.BytesReceived()), //nolint:gosec // G115: byte counters are non-negative
		BytesOut: uint64(s.pump.BytesSent()),     //nolint:gosec // G115: byte counters are non-negative
		OK:       s.ok,
		Failed:   s.failed,
	}
	return s.pump.Send(wire.TagSummary, wire.EncodeSummary(summary))
}

// awaitShutdown blocks until the client's Shutdown frame or a clean close.
func (s *server) awaitShutdown() error {
	for {
		tag, _, err := s.pump.Recv()
		if err != nil {
			// The client tearing the socket down instead of sending
			// Shutdown is a normal end of session.
			return nil
		}
		if tag == wire.TagShutdown {
			return nil
		}
		s.log.Warn("ignoring frame after summary", "tag", tag.String())
	}
}

// sendError makes a best-effort attempt to report the failure before the
// session dies.
func (s *server) sendError(err error) {
	kind := errkind.KindOf(err)
	if kind == errkind.Unknown {
		kind = errkind.RemoteError
	}
	msg := wire.ErrorMsg{
		Kind:    uint16(kind), //nolint:gosec // G115: kind enum is small
		Message: err.Error(),
	}
	if sendErr := s.pump.Send(wire.TagError, wire.EncodeError(msg)); sendErr != nil {
		s.log.Debug("could not report error to client", "error", sendErr)
	}
}

func (s *server) fileTarget(idx uint32) (wire.FileRecord, string, error) {
	if int(idx) >= len(s.inv.Files) {
		return wire.FileRecord{}, "", errkind.New(errkind.ProtocolError,
			"file index %d outside inventory of %d", idx, len(s.inv.Files))
	}
	rec := s.inv.Files[idx]
	return rec, filepath.Join(s.root, filepath.FromSlash(rec.RelPath)), nil
}

func (s *server) fileDone(relPath string, err error) {
	if err != nil {
		s.failed++
		s.log.Warn("file failed", "path", relPath, "error", err)
		return
	}
	s.ok++
}

func (s *server) deleteExtras(deleted []string) {
	for _, rel := range deleted {
		full := filepath.Join(s.root, filepath.FromSlash(rel))
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			s.log.Warn("delete extra", "path", rel, "error", err)
			continue
		}
		s.log.Debug("deleted extra", "path", rel)
	}
}
