// Package progress renders sync progress. It is a thin collaborator: the
// orchestrator only feeds it events and a stats reader, and never knows
// whether output is plain text, JSON lines, or nothing.
package progress

import (
	"io"

	"github.com/bamsammich/dsync/internal/event"
	"github.com/bamsammich/dsync/internal/stats"
)

// Presenter consumes events and displays progress.
type Presenter interface {
	// Run consumes events until the channel closes. Blocks until done.
	Run(events <-chan event.Event) error
	// Summary returns the final summary line ("" suppresses it).
	Summary() string
}

// Config configures a Presenter.
type Config struct {
	Writer    io.Writer
	ErrWriter io.Writer
	Stats     *stats.Collector
	Dest      string
	IsTTY     bool
	Quiet     bool
	JSON      bool
	Verbosity int
	DryRun    bool
}

// New creates the appropriate presenter for the configuration.
//
//nolint:ireturn // factory returns interface by design
func New(cfg Config) Presenter {
	switch {
	case cfg.JSON:
		return &jsonPresenter{w: cfg.Writer, stats: cfg.Stats}
	case cfg.Quiet:
		return &quietPresenter{}
	default:
		return &plainPresenter{
			w:         cfg.Writer,
			errW:      cfg.ErrWriter,
			stats:     cfg.Stats,
			dest:      cfg.Dest,
			isTTY:     cfg.IsTTY,
			verbosity: cfg.Verbosity,
			dryRun:    cfg.DryRun,
		}
	}
}
