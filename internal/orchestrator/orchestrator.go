// Package orchestrator drives the client side of a sync run: a sequential
// phase machine over the framed pump, from handshake through inventory,
// classification, whole-file transfer, delta transfer, and summary.
package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/bamsammich/dsync/internal/errkind"
	"github.com/bamsammich/dsync/internal/event"
	"github.com/bamsammich/dsync/internal/filter"
	"github.com/bamsammich/dsync/internal/inventory"
	"github.com/bamsammich/dsync/internal/rollhash"
	"github.com/bamsammich/dsync/internal/session"
	"github.com/bamsammich/dsync/internal/stats"
	"github.com/bamsammich/dsync/internal/wire"
)

// Config configures one sync run.
type Config struct {
	// Conn is the established transport to the worker (the bootstrapper's
	// Init→Connected transition already happened).
	Conn net.Conn

	// Sources are the local roots to mirror.
	Sources []string

	Opts wire.Options

	Filter    *filter.Chain
	FilesFrom []string

	// Events receives progress events; nil disables emission. The channel
	// is never closed by the orchestrator.
	Events chan<- event.Event

	Stats *stats.Collector

	// Limiter throttles bulk-phase bytes; nil means unlimited.
	Limiter *rate.Limiter

	Logger *slog.Logger
}

// Summary is the client's view of a finished run: the server's accounting
// plus the classification counts.
type Summary struct {
	wire.Summary
	Missing   int
	Changed   int
	Identical int
	Deleted   int
	DryRun    bool
}

type run struct {
	cfg   Config
	sess  *session.Session
	phase Phase
	log   *slog.Logger

	inv wire.Inventory
	cl  wire.Classification

	// localPaths maps file index to the local path it was inventoried from.
	localPaths []string
}

// Run executes the phase machine to completion. The returned Summary is
// valid only when err is nil.
func Run(ctx context.Context, cfg Config) (Summary, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}

	r := &run{
		cfg:   cfg,
		sess:  session.New(cfg.Conn, cfg.Stats),
		phase: PhaseConnected,
		log:   logger,
	}

	summary, err := r.drive(ctx)
	if err != nil {
		r.phase = errorPhase(err)
		r.log.Debug("session failed", "phase", r.phase.String(), "error", err)
		r.sess.Close()
		return Summary{}, err
	}

	r.phase = PhaseDone
	// Graceful teardown: tell the worker to exit, then close.
	if err := r.sess.Pump.Send(wire.TagShutdown, nil); err != nil {
		r.log.Debug("shutdown frame not delivered", "error", err)
	}
	r.sess.Close()
	return summary, nil
}

func errorPhase(err error) Phase {
	switch errkind.KindOf(err) {
	case errkind.TransportLost, errkind.DeadlineExceeded:
		return PhaseTransportLost
	case errkind.ProtocolError:
		return PhaseProtocolError
	case errkind.RemoteError:
		return PhaseRemoteError
	case errkind.Cancelled:
		return PhaseCancelled
	default:
		return PhaseLocalIOError
	}
}

func (r *run) drive(ctx context.Context) (Summary, error) {
	if err := r.handshake(ctx); err != nil {
		return Summary{}, err
	}
	if err := r.sendOptions(ctx); err != nil {
		return Summary{}, err
	}
	if err := r.sendInventory(ctx); err != nil {
		return Summary{}, err
	}
	if err := r.receiveClassification(ctx); err != nil {
		return Summary{}, err
	}

	if !r.cfg.Opts.DryRun {
		if err := r.sendWholeFiles(ctx); err != nil {
			return Summary{}, err
		}
		if err := r.sendDeltas(ctx); err != nil {
			return Summary{}, err
		}
	}

	return r.receiveSummary(ctx)
}

// checkCancel polls the cooperative cancellation flag between messages.
func (r *run) checkCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errkind.Wrap(errkind.Cancelled, err, "run cancelled")
	}
	return nil
}

// recv reads the next frame, surfacing a server Error frame as RemoteError.
func (r *run) recv() (wire.Tag, []byte, error) {
	tag, payload, err := r.sess.Pump.Recv()
	if err != nil {
		return 0, nil, err
	}
	if tag == wire.TagError {
		msg, decErr := wire.DecodeError(payload)
		if decErr != nil {
			return 0, nil, errkind.Wrap(errkind.ProtocolError, decErr, "decode Error frame")
		}
		return 0, nil, errkind.New(errkind.RemoteError, "server: %s", msg.Message)
	}
	return tag, payload, nil
}

func (r *run) expect(want wire.Tag) ([]byte, error) {
	tag, payload, err := r.recv()
	if err != nil {
		return nil, err
	}
	if tag != want {
		return nil, errkind.New(errkind.ProtocolError, "expected %s, got %s", want, tag)
	}
	return payload, nil
}

func (r *run) emit(e event.Event) {
	if r.cfg.Events == nil {
		return
	}
	e.Timestamp = time.Now()
	select {
	case r.cfg.Events <- e:
	default:
	}
}

func (r *run) handshake(ctx context.Context) error {
	if err := r.checkCancel(ctx); err != nil {
		return err
	}
	if err := r.sess.Pump.Send(wire.TagHello, wire.EncodeHello(wire.ProtocolVersion)); err != nil {
		return err
	}
	payload, err := r.expect(wire.TagHelloAck)
	if err != nil {
		return err
	}
	version, err := wire.DecodeHello(payload)
	if err != nil {
		return errkind.Wrap(errkind.ProtocolError, err, "decode HelloAck")
	}
	if wire.Major(version) != wire.ProtocolMajor {
		return errkind.New(errkind.ProtocolError,
			"server protocol major %d does not match %d", wire.Major(version), wire.ProtocolMajor)
	}
	r.phase = PhaseHandshakeDone
	return nil
}

// sendOptions ships the options payload. There is no acknowledgement frame:
// an invalid option set surfaces as an Error frame at the next receive.
func (r *run) sendOptions(ctx context.Context) error {
	if err := r.checkCancel(ctx); err != nil {
		return err
	}
	if err := r.cfg.Opts.Validate(); err != nil {
		return errkind.Wrap(errkind.Usage, err, "options")
	}
	if err := r.sess.Pump.Send(wire.TagOptions, wire.EncodeOptions(r.cfg.Opts)); err != nil {
		return err
	}
	r.phase = PhaseOptionsSent
	return nil
}

func (r *run) sendInventory(ctx context.Context) error {
	if err := r.checkCancel(ctx); err != nil {
		return err
	}

	r.emit(event.Event{Type: event.InventoryStarted})
	inv, err := inventory.Build(r.cfg.Sources, inventory.Config{
		Recursive: r.cfg.Opts.Recursive,
		Relative:  r.cfg.Opts.Relative,
		Checksum:  r.cfg.Opts.Checksum,
		Filter:    r.cfg.Filter,
		FilesFrom: r.cfg.FilesFrom,
	})
	if err != nil {
		return err
	}
	r.inv = inv
	r.resolveLocalPaths()

	r.cfg.Stats.AddFilesScanned(int64(len(inv.Files)))
	r.emit(event.Event{Type: event.InventoryDone, Total: int64(len(inv.Files))})

	if err := r.sess.Pump.Send(wire.TagInventory,
		wire.EncodeInventory(inv, r.cfg.Opts.Checksum)); err != nil {
		return err
	}
	r.phase = PhaseInventorySent
	return nil
}

// resolveLocalPaths rebuilds the inventory's relative paths back into local
// filesystem paths, mirroring the walk's prefix rules.
func (r *run) resolveLocalPaths() {
	r.localPaths = make([]string, len(r.inv.Files))

	// Re-walking would be wasteful; instead resolve each record against the
	// source that produced it. With a single source root this is a straight
	// join; with several, probe in argument order (first source wins on
	// duplicates, matching the walk).
	for i, rec := range r.inv.Files {
		r.localPaths[i] = r.resolveOne(rec.RelPath)
	}
}

func (r *run) resolveOne(rel string) string {
	native := filepath.FromSlash(rel)
	for _, src := range r.cfg.Sources {
		info, err := os.Stat(src)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			if filepath.Base(src) == filepath.Base(native) {
				return src
			}
			continue
		}
		candidate := filepath.Join(src, native)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		if r.cfg.Opts.Relative {
			// Under --relative the record embeds the source prefix; strip
			// the longest suffix of src that prefixes rel.
			if p, ok := stripRelativePrefix(src, rel); ok {
				return p
			}
		}
	}
	return native
}

// stripRelativePrefix maps a --relative inventory path back onto the source
// argument that contributed it.
func stripRelativePrefix(src, rel string) (string, bool) {
	cleaned := filepath.ToSlash(filepath.Clean(src))
	for prefix := cleaned; prefix != "." && prefix != "/"; prefix = filepath.ToSlash(filepath.Dir(prefix)) {
		trimmed, ok := trimPathPrefix(rel, prefix)
		if !ok {
			continue
		}
		candidate := filepath.Join(src, filepath.FromSlash(trimmed))
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

func trimPathPrefix(rel, prefix string) (string, bool) {
	prefix = trimLeadingSlash(prefix)
	rel = trimLeadingSlash(rel)
	if rel == prefix {
		return "", true
	}
	if len(rel) > len(prefix) && rel[:len(prefix)] == prefix && rel[len(prefix)] == '/' {
		return rel[len(prefix)+1:], true
	}
	return "", false
}

func trimLeadingSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}

func (r *run) receiveClassification(ctx context.Context) error {
	if err := r.checkCancel(ctx); err != nil {
		return err
	}
	payload, err := r.expect(wire.TagClassification)
	if err != nil {
		return err
	}
	cl, err := wire.DecodeClassification(payload)
	if err != nil {
		return errkind.Wrap(errkind.ProtocolError, err, "decode Classification")
	}
	r.cl = cl
	r.phase = PhaseClassified

	var totalBytes int64
	for _, idx := range cl.Missing {
		if int(idx) < len(r.inv.Files) {
			totalBytes += int64(r.inv.Files[idx].Size) //nolint:gosec // G115: sizes bounded by filesystem
		}
	}
	for _, idx := range cl.Changed {
		if int(idx) < len(r.inv.Files) {
			totalBytes += int64(r.inv.Files[idx].Size) //nolint:gosec // G115: sizes bounded by filesystem
		}
	}
	r.cfg.Stats.SetTotals(int64(len(cl.Missing)+len(cl.Changed)), totalBytes)
	r.cfg.Stats.AddFilesMissing(int64(len(cl.Missing)))
	r.cfg.Stats.AddFilesChanged(int64(len(cl.Changed)))
	r.cfg.Stats.AddFilesIdentical(int64(len(cl.Identical)))

	for _, idx := range cl.Identical {
		if int(idx) < len(r.inv.Files) {
			r.emit(event.Event{Type: event.FileIdentical, Path: r.inv.Files[idx].RelPath})
		}
	}
	for _, p := range cl.Deleted {
		r.emit(event.Event{Type: event.FileDeleted, Path: p})
	}
	r.emit(event.Event{
		Type:      event.Classified,
		Total:     int64(len(cl.Missing) + len(cl.Changed)),
		TotalSize: totalBytes,
	})
	return nil
}

// throttle blocks until the limiter admits n bulk bytes.
func (r *run) throttle(ctx context.Context, n int) error {
	if r.cfg.Limiter == nil {
		return nil
	}
	if err := r.cfg.Limiter.WaitN(ctx, n); err != nil {
		return errkind.Wrap(errkind.Cancelled, err, "bandwidth wait")
	}
	return nil
}

// sendWholeFiles streams every missing file, each inside its own compression
// bracket. A local read error aborts the session: the server cannot complete
// the stream it was promised.
func (r *run) sendWholeFiles(ctx context.Context) error {
	for _, idx := range r.cl.Missing {
		if err := r.checkCancel(ctx); err != nil {
			return err
		}
		if int(idx) >= len(r.inv.Files) {
			return errkind.New(errkind.ProtocolError,
				"missing index %d outside inventory of %d", idx, len(r.inv.Files))
		}
		if err := r.sendOneWhole(ctx, idx); err != nil {
			return err
		}
	}
	r.phase = PhaseWholeFilesSent
	return nil
}

func (r *run) sendOneWhole(ctx context.Context, idx uint32) error {
	rec := r.inv.Files[idx]
	localPath := r.localPaths[idx]
	r.emit(event.Event{Type: event.FileStarted, Path: rec.RelPath, Size: int64(rec.Size)}) //nolint:gosec // G115: sizes bounded by filesystem

	f, err := os.Open(localPath)
	if err != nil {
		return errkind.Wrap(errkind.LocalIO, err, "open source file")
	}
	defer f.Close()

	if err := r.sess.Pump.StartCompression(int(r.cfg.Opts.CompressLevel)); err != nil {
		return err
	}

	remaining := rec.Size
	buf := make([]byte, wire.DataChunkSize)
	first := true
	for first || remaining > 0 {
		first = false
		chunk := buf
		if uint64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		if len(chunk) > 0 {
			if _, err := io.ReadFull(f, chunk); err != nil {
				// The file shrank since inventory; the promised byte count
				// cannot be delivered.
				return errkind.Wrap(errkind.LocalIO, err, "read source file")
			}
		}
		if err := r.throttle(ctx, len(chunk)); err != nil {
			return err
		}
		msg := wire.FileWhole{
			Index: idx,
			Size:  rec.Size,
			Mtime: rec.Mtime,
			Perms: rec.Perms,
			Data:  chunk,
		}
		if err := r.sess.Pump.Send(wire.TagFileWhole, wire.EncodeFileWhole(msg)); err != nil {
			return err
		}
		remaining -= uint64(len(chunk))
	}

	if err := r.sess.Pump.StopCompression(); err != nil {
		return err
	}

	r.cfg.Stats.AddFilesSent(1)
	r.cfg.Stats.AddBytesSent(int64(rec.Size))                                           //nolint:gosec // G115: sizes bounded by filesystem
	r.emit(event.Event{Type: event.FileSent, Path: rec.RelPath, Size: int64(rec.Size)}) //nolint:gosec // G115: sizes bounded by filesystem
	return nil
}

// sendDeltas runs the signature/delta round trip for every changed file, in
// the server's emission order (ascending by index).
func (r *run) sendDeltas(ctx context.Context) error {
	for _, idx := range r.cl.Changed {
		if err := r.checkCancel(ctx); err != nil {
			return err
		}
		if int(idx) >= len(r.inv.Files) {
			return errkind.New(errkind.ProtocolError,
				"changed index %d outside inventory of %d", idx, len(r.inv.Files))
		}
		if err := r.sendOneDelta(ctx, idx); err != nil {
			return err
		}
	}
	r.phase = PhaseDeltasSent
	return nil
}

func (r *run) receiveSignatures(idx uint32) (rollhash.Signature, error) {
	var sig rollhash.Signature
	var total uint32
	for {
		payload, err := r.expect(wire.TagSignatures)
		if err != nil {
			return sig, err
		}
		msg, err := wire.DecodeSignatures(payload)
		if err != nil {
			return sig, errkind.Wrap(errkind.ProtocolError, err, "decode Signatures")
		}
		if msg.Index != idx {
			return sig, errkind.New(errkind.ProtocolError,
				"signatures for index %d while syncing %d", msg.Index, idx)
		}
		sig.BlockSize = int(msg.BlockSize)
		total = msg.Count
		sig.Blocks = append(sig.Blocks, msg.Blocks...)
		if uint32(len(sig.Blocks)) >= total { //nolint:gosec // G115: block count bounded by frame cap
			break
		}
	}
	// The Signatures frames do not carry the basis size, so FileSize is the
	// block-aligned count*B and BuildDelta keeps every block as a candidate. A
	// short basis tail still never matches: its strong hash covers fewer bytes
	// than the full-width window.
	sig.FileSize = int64(total) * int64(sig.BlockSize)
	return sig, nil
}

func (r *run) sendOneDelta(ctx context.Context, idx uint32) error {
	rec := r.inv.Files[idx]
	r.emit(event.Event{Type: event.FileStarted, Path: rec.RelPath, Size: int64(rec.Size)}) //nolint:gosec // G115: sizes bounded by filesystem

	sig, err := r.receiveSignatures(idx)
	if err != nil {
		return err
	}

	f, err := os.Open(r.localPaths[idx])
	if err != nil {
		return errkind.Wrap(errkind.LocalIO, err, "open source file")
	}
	ops, err := rollhash.BuildDelta(f, sig)
	f.Close()
	if err != nil {
		return errkind.Wrap(errkind.LocalIO, err, "build delta")
	}

	blocks, literal := rollhash.Stats(ops)

	if err := r.sess.Pump.StartCompression(int(r.cfg.Opts.CompressLevel)); err != nil {
		return err
	}
	if err := r.sendDeltaOps(ctx, idx, ops); err != nil {
		return err
	}
	if err := r.sess.Pump.StopCompression(); err != nil {
		return err
	}

	r.cfg.Stats.AddFilesSent(1)
	r.cfg.Stats.AddBytesSent(literal)
	r.cfg.Stats.AddLiteralBytes(literal)
	r.cfg.Stats.AddBlocksReused(blocks)
	r.emit(event.Event{
		Type:    event.DeltaSent,
		Path:    rec.RelPath,
		Size:    int64(rec.Size), //nolint:gosec // G115: sizes bounded by filesystem
		Literal: literal,
		Blocks:  blocks,
	})
	return nil
}

// sendDeltaOps chunks the instruction stream into frames around the bulk
// chunk size so a huge delta never approaches the frame cap.
func (r *run) sendDeltaOps(ctx context.Context, idx uint32, ops []rollhash.Op) error {
	flush := func(batch []rollhash.Op, bytes int) error {
		if err := r.throttle(ctx, bytes); err != nil {
			return err
		}
		return r.sess.Pump.Send(wire.TagDelta, wire.EncodeDelta(wire.Delta{Index: idx, Ops: batch}))
	}

	var batch []rollhash.Op
	batchBytes := 0
	for _, op := range ops {
		opBytes := 9
		if !op.IsCopy() {
			opBytes = 5 + len(op.Literal)
		}
		if batchBytes+opBytes > wire.DataChunkSize && len(batch) > 0 {
			if err := flush(batch, batchBytes); err != nil {
				return err
			}
			batch = nil
			batchBytes = 0
		}
		batch = append(batch, op)
		batchBytes += opBytes
	}
	if len(batch) > 0 {
		return flush(batch, batchBytes)
	}
	// A zero-op delta (empty source file) sends nothing: the bracket's
	// Start/Stop pair alone completes the stream.
	return nil
}

func (r *run) receiveSummary(ctx context.Context) (Summary, error) {
	if err := r.checkCancel(ctx); err != nil {
		return Summary{}, err
	}
	payload, err := r.expect(wire.TagSummary)
	if err != nil {
		return Summary{}, err
	}
	ws, err := wire.DecodeSummary(payload)
	if err != nil {
		return Summary{}, errkind.Wrap(errkind.ProtocolError, err, "decode Summary")
	}

	r.cfg.Stats.AddFilesFailed(int64(ws.Failed))
	r.cfg.Stats.AddFilesDeleted(int64(len(r.cl.Deleted)))
	r.cfg.Stats.AddBytesReceived(r.sess.Pump.BytesReceived())

	summary := Summary{
		Summary:   ws,
		Missing:   len(r.cl.Missing),
		Changed:   len(r.cl.Changed),
		Identical: len(r.cl.Identical),
		Deleted:   len(r.cl.Deleted),
		DryRun:    r.cfg.Opts.DryRun,
	}
	r.emit(event.Event{Type: event.SummaryReceived, Total: int64(ws.OK + ws.Failed)})
	return summary, nil
}
