// Package portlock coordinates loopback-port reservations across concurrent
// client processes on one workstation. Reservations live in a single SQLite
// database at a fixed per-user path; leases expire so ports held by crashed
// clients are swept on the next reservation.
package portlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
	_ "modernc.org/sqlite"

	"github.com/bamsammich/dsync/internal/errkind"
)

const (
	// DefaultRangeStart and DefaultRangeEnd bound the tunnel port search.
	DefaultRangeStart = 42000
	DefaultRangeEnd   = 42999

	leaseTTL      = 5 * time.Minute
	renewInterval = time.Minute

	reserveRetries = 5
	retryBase      = 100 * time.Millisecond
)

// Manager hands out port leases backed by the shared database.
type Manager struct {
	db *sql.DB
}

// DefaultPath returns the per-user database location.
func DefaultPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "dsync", "ports.db")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("dsync-%d", os.Getuid()), "ports.db")
}

// Open opens (or creates) the reservation database.
func Open(path string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create portlock dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open portlock db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ports (
			port       INTEGER PRIMARY KEY,
			pid        INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ports table: %w", err)
	}

	return &Manager{db: db}, nil
}

// Close releases the database handle.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Lease is a held port. Release returns it; a background goroutine renews
// the lease until then so long-running transfers never lose their port to
// the stale sweep.
type Lease struct {
	Port int

	mgr  *Manager
	stop chan struct{}
	done chan struct{}
}

// Reserve acquires a free port in [lo, hi], retrying with exponential
// backoff while the range is contended. Exhaustion after the retries run out
// returns ResourceExhausted.
func (m *Manager) Reserve(ctx context.Context, lo, hi int) (*Lease, error) {
	backoff := retryBase
	for attempt := 0; attempt < reserveRetries; attempt++ {
		port, err := m.tryReserve(lo, hi)
		if err == nil {
			lease := &Lease{
				Port: port,
				mgr:  m,
				stop: make(chan struct{}),
				done: make(chan struct{}),
			}
			go lease.renewLoop()
			return lease, nil
		}
		if !errors.Is(err, errRangeBusy) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, errkind.Wrap(errkind.Cancelled, ctx.Err(), "port reservation")
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, errkind.New(errkind.ResourceExhausted,
		"no free port in %d..%d after %d attempts", lo, hi, reserveRetries)
}

var errRangeBusy = errors.New("port range busy")

// tryReserve sweeps stale leases, then claims the first port in range that
// is neither reserved nor currently bound.
func (m *Manager) tryReserve(lo, hi int) (int, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin reservation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := time.Now().Unix()
	if _, err := tx.Exec("DELETE FROM ports WHERE expires_at < ?", now); err != nil {
		return 0, fmt.Errorf("sweep expired leases: %w", err)
	}

	// Leases whose owner died without releasing are also stale.
	rows, err := tx.Query("SELECT port, pid FROM ports")
	if err != nil {
		return 0, fmt.Errorf("list leases: %w", err)
	}
	reserved := make(map[int]struct{})
	var dead []int
	for rows.Next() {
		var port, pid int
		if err := rows.Scan(&port, &pid); err != nil {
			rows.Close()
			return 0, err
		}
		if pidAlive(pid) {
			reserved[port] = struct{}{}
		} else {
			dead = append(dead, port)
		}
	}
	rows.Close()
	for _, port := range dead {
		if _, err := tx.Exec("DELETE FROM ports WHERE port = ?", port); err != nil {
			return 0, err
		}
	}

	for port := lo; port <= hi; port++ {
		if _, taken := reserved[port]; taken {
			continue
		}
		if !bindable(port) {
			continue
		}
		_, err := tx.Exec(
			"INSERT INTO ports (port, pid, expires_at) VALUES (?, ?, ?)",
			port, os.Getpid(), time.Now().Add(leaseTTL).Unix(),
		)
		if err != nil {
			return 0, fmt.Errorf("insert lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit lease: %w", err)
		}
		return port, nil
	}

	return 0, errRangeBusy
}

// bindable probes whether the loopback port is actually free right now.
func bindable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// renewLoop extends the lease until Release.
func (l *Lease) renewLoop() {
	defer close(l.done)
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			_, _ = l.mgr.db.Exec( //nolint:errcheck // a missed renewal self-heals on the next tick
				"UPDATE ports SET expires_at = ? WHERE port = ? AND pid = ?",
				time.Now().Add(leaseTTL).Unix(), l.Port, os.Getpid(),
			)
		}
	}
}

// Release returns the port and stops the renewal goroutine.
func (l *Lease) Release() {
	close(l.stop)
	<-l.done
	_, _ = l.mgr.db.Exec( //nolint:errcheck // best-effort; the lease expires anyway
		"DELETE FROM ports WHERE port = ? AND pid = ?", l.Port, os.Getpid())
}
