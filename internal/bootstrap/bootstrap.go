package bootstrap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/bamsammich/dsync/internal/errkind"
	"github.com/bamsammich/dsync/internal/portlock"
	"github.com/bamsammich/dsync/internal/worker"
)

const (
	// DefaultConnectTimeout bounds the wait for the worker's listening
	// marker.
	DefaultConnectTimeout = 10 * time.Second

	// shutdownGrace is how long teardown waits for the worker to exit after
	// the orchestrator's Shutdown frame before the transport is torn down.
	shutdownGrace = 5 * time.Second

	// stderrTailBytes bounds the remote stderr carried into error reports.
	stderrTailBytes = 2048
)

// Config controls the bootstrap procedure.
type Config struct {
	Location Location
	SSH      SSHOpts

	// WorkerPath is the remote worker binary location relative to the login
	// home; empty uses DefaultWorkerPath.
	WorkerPath string

	// Version is the local build version; a remote worker reporting a
	// different version is redeployed.
	Version string

	// PortRange bounds the tunnel port search; zero uses the defaults.
	PortRange [2]int

	// PortDBPath overrides the reservation database location (tests).
	PortDBPath string

	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Remote is a connected, running worker. The orchestrator drives Conn; Close
// tears the whole stack down.
type Remote struct {
	// Conn is the tunneled protocol socket.
	Conn net.Conn

	client *ssh.Client
	sess   *ssh.Session
	ln     net.Listener
	lease  *portlock.Lease
	mgr    *portlock.Manager
	log    *slog.Logger

	// stdout and stderr are written by the drain goroutines; they must not
	// be read until exited is closed (the formal handoff).
	stdout bytes.Buffer
	stderr bytes.Buffer

	exited  chan struct{}
	exitErr error
}

// Connect reserves a tunnel port, establishes the SSH transport, ensures the
// worker binary is present and current (deploying at most once), starts it,
// waits for its listening marker, and dials the protocol socket through the
// tunnel.
func Connect(ctx context.Context, cfg Config) (*Remote, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerPath == "" {
		cfg.WorkerPath = DefaultWorkerPath
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	lo, hi := cfg.PortRange[0], cfg.PortRange[1]
	if lo == 0 || hi == 0 {
		lo, hi = portlock.DefaultRangeStart, portlock.DefaultRangeEnd
	}
	dbPath := cfg.PortDBPath
	if dbPath == "" {
		dbPath = portlock.DefaultPath()
	}

	mgr, err := portlock.Open(dbPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.ResourceExhausted, err, "port reservation store")
	}
	lease, err := mgr.Reserve(ctx, lo, hi)
	if err != nil {
		mgr.Close()
		return nil, err
	}

	r := &Remote{
		lease:  lease,
		mgr:    mgr,
		log:    logger,
		exited: make(chan struct{}),
	}

	client, err := DialSSH(cfg.Location.Host, cfg.Location.User, cfg.SSH)
	if err != nil {
		r.releasePorts()
		return nil, errkind.Wrap(errkind.TransportLost, err, "establish transport")
	}
	r.client = client

	if err := r.ensureWorker(cfg); err != nil {
		client.Close()
		r.releasePorts()
		return nil, err
	}

	if err := r.startWorker(ctx, cfg); err != nil {
		client.Close()
		r.releasePorts()
		return nil, err
	}

	if err := r.openTunnel(); err != nil {
		r.stopTransport()
		return nil, err
	}

	logger.Debug("worker connected",
		"host", cfg.Location.Host, "port", lease.Port, "path", cfg.WorkerPath)
	return r, nil
}

// ensureWorker probes the deployed worker's version and deploys the local
// binary when it is missing or mismatched. The deploy happens at most once;
// a probe failure after deploying is fatal.
func (r *Remote) ensureWorker(cfg Config) error {
	version, ok := workerVersion(r.client, cfg.WorkerPath)
	if ok && version == cfg.Version {
		return nil
	}
	if ok {
		r.log.Info("worker version mismatch, redeploying",
			"remote", version, "local", cfg.Version)
	} else {
		r.log.Info("worker binary not found, deploying", "path", cfg.WorkerPath)
	}

	if err := deployWorker(r.client, cfg.WorkerPath); err != nil {
		return err
	}

	version, ok = workerVersion(r.client, cfg.WorkerPath)
	if !ok {
		return errkind.New(errkind.RemoteError,
			"deployed worker at %s does not execute", cfg.WorkerPath)
	}
	if version != cfg.Version {
		return errkind.New(errkind.RemoteError,
			"deployed worker reports version %q, want %q", version, cfg.Version)
	}
	return nil
}

// startWorker launches the remote process and waits for its listening
// marker, bounded by the connect timeout.
func (r *Remote) startWorker(ctx context.Context, cfg Config) error {
	sess, err := r.client.NewSession()
	if err != nil {
		return errkind.Wrap(errkind.TransportLost, err, "open exec session")
	}
	r.sess = sess

	stdoutPipe, err := sess.StdoutPipe()
	if err != nil {
		return errkind.Wrap(errkind.TransportLost, err, "stdout pipe")
	}
	stderrPipe, err := sess.StderrPipe()
	if err != nil {
		return errkind.Wrap(errkind.TransportLost, err, "stderr pipe")
	}

	markerCh := make(chan struct{})
	var drainWg sync.WaitGroup
	drainWg.Add(2)
	go func() {
		defer drainWg.Done()
		_, _ = io.Copy(&r.stdout, stdoutPipe) //nolint:errcheck // pipe EOF on exit
	}()
	go func() {
		defer drainWg.Done()
		r.drainStderr(stderrPipe, markerCh)
	}()
	go func() {
		drainWg.Wait()
		r.exitErr = sess.Wait()
		close(r.exited)
	}()

	cmd := fmt.Sprintf("%s %s --port %d --root %s",
		shellQuote(cfg.WorkerPath), worker.ModeFlag, r.lease.Port, shellQuote(cfg.Location.Path))
	if err := sess.Start(cmd); err != nil {
		return errkind.Wrap(errkind.TransportLost, err, "start worker")
	}

	select {
	case <-markerCh:
		return nil
	case <-r.exited:
		return errkind.WithStderr(
			errkind.New(errkind.RemoteError, "worker exited before listening: %v", r.exitErr),
			r.StderrTail())
	case <-ctx.Done():
		return errkind.Wrap(errkind.Cancelled, ctx.Err(), "worker start")
	case <-time.After(cfg.ConnectTimeout):
		return errkind.New(errkind.DeadlineExceeded,
			"worker did not report listening within %s", cfg.ConnectTimeout)
	}
}

// drainStderr buffers the worker's stderr and signals the listening marker.
func (r *Remote) drainStderr(pipe io.Reader, markerCh chan<- struct{}) {
	scanner := bufio.NewScanner(pipe)
	signaled := false
	for scanner.Scan() {
		line := scanner.Text()
		r.stderr.WriteString(line)
		r.stderr.WriteByte('\n')
		if !signaled && strings.HasPrefix(line, worker.ListeningMarker) {
			close(markerCh)
			signaled = true
		}
	}
}

// openTunnel listens on the reserved local loopback port and forwards the
// one protocol connection through the SSH channel to the worker's remote
// loopback port, then dials it.
func (r *Remote) openTunnel() error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(r.lease.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errkind.Wrap(errkind.TransportLost, err, "bind tunnel port")
	}
	r.ln = ln

	go func() {
		local, err := ln.Accept()
		if err != nil {
			return
		}
		remote, err := r.client.Dial("tcp", addr)
		if err != nil {
			r.log.Debug("tunnel dial failed", "error", err)
			local.Close()
			return
		}
		go func() {
			_, _ = io.Copy(remote, local) //nolint:errcheck // tunnel half-close
			remote.Close()
		}()
		_, _ = io.Copy(local, remote) //nolint:errcheck // tunnel half-close
		local.Close()
	}()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return errkind.Wrap(errkind.TransportLost, err, "dial tunnel")
	}
	r.Conn = conn
	return nil
}

// Close tears the run down: the orchestrator has already sent Shutdown (or
// failed trying), so wait briefly for a graceful worker exit, then drop the
// transport and release the port.
func (r *Remote) Close() error {
	if r.Conn != nil {
		r.Conn.Close()
	}
	if r.ln != nil {
		r.ln.Close()
	}

	select {
	case <-r.exited:
	case <-time.After(shutdownGrace):
		r.log.Warn("worker did not exit, terminating transport")
		if r.sess != nil {
			_ = r.sess.Signal(ssh.SIGKILL) //nolint:errcheck // session may be gone
			r.sess.Close()
		}
	}

	return r.stopTransport()
}

func (r *Remote) stopTransport() error {
	var err error
	if r.client != nil {
		err = r.client.Close()
	}
	r.releasePorts()
	return err
}

func (r *Remote) releasePorts() {
	if r.lease != nil {
		r.lease.Release()
		r.lease = nil
	}
	if r.mgr != nil {
		r.mgr.Close()
		r.mgr = nil
	}
}

// StderrTail returns the tail of the worker's stderr. Valid only after the
// worker has been joined; called earlier it returns a placeholder instead of
// racing the drain goroutine.
func (r *Remote) StderrTail() string {
	select {
	case <-r.exited:
	default:
		return "(worker still running)"
	}
	s := r.stderr.String()
	if len(s) > stderrTailBytes {
		s = s[len(s)-stderrTailBytes:]
	}
	return strings.TrimSpace(s)
}

// ExitErr returns the worker's exit status. Valid only after Close.
func (r *Remote) ExitErr() error {
	select {
	case <-r.exited:
		return r.exitErr
	default:
		return nil
	}
}
