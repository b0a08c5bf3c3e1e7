package progress

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/dsync/internal/event"
	"github.com/bamsammich/dsync/internal/stats"
)

// plainPresenter writes one line per transferred file to stdout and, on a
// TTY, a periodic rate line with a sparkline to stderr.
type plainPresenter struct {
	w         io.Writer
	errW      io.Writer
	stats     *stats.Collector
	dest      string
	isTTY     bool
	verbosity int
	dryRun    bool
}

func (p *plainPresenter) Run(events <-chan event.Event) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-ticker.C:
			p.stats.Tick()
			if p.isTTY {
				p.printRate()
			}
		}
	}
}

func (p *plainPresenter) handleEvent(ev event.Event) {
	verb := ""
	switch ev.Type {
	case event.InventoryDone:
		if p.verbosity >= 1 {
			fmt.Fprintf(p.errW, "inventoried %s files\n", FormatCount(ev.Total))
		}
		return
	case event.Classified:
		if p.verbosity >= 1 {
			fmt.Fprintf(p.errW, "transferring %s files (%s)\n",
				FormatCount(ev.Total), stats.FormatBytes(ev.TotalSize))
		}
		return
	case event.FileSent:
		verb = ""
	case event.DeltaSent:
		if p.verbosity >= 2 {
			fmt.Fprintf(p.w, "%s  %s (delta: %s literal, %d blocks reused)\n",
				ev.Path, stats.FormatBytes(ev.Size), stats.FormatBytes(ev.Literal), ev.Blocks)
			return
		}
	case event.FileIdentical:
		if p.verbosity >= 2 {
			fmt.Fprintf(p.w, "%s  up to date\n", ev.Path)
		}
		return
	case event.FileDeleted:
		verb = "deleting "
		if p.dryRun {
			verb = "would delete "
		}
		fmt.Fprintf(p.w, "%s%s\n", verb, ev.Path)
		return
	case event.FileFailed:
		msg := "error"
		if ev.Error != nil {
			msg = ev.Error.Error()
		}
		fmt.Fprintf(p.w, "%s  FAILED: %s\n", ev.Path, msg)
		return
	default:
		return
	}

	fmt.Fprintf(p.w, "%s%s  %s\n", verb, ev.Path, stats.FormatBytes(ev.Size))
}

func (p *plainPresenter) printRate() {
	snap := p.stats.Snapshot()
	if snap.BytesTotal <= 0 {
		return
	}
	pct := float64(snap.BytesSent) / float64(snap.BytesTotal)
	fmt.Fprintf(p.errW, "\r%s %3.0f%%  %s/%s  %s  eta %s ",
		Sparkline(p.stats.SparklineData(20), 20),
		pct*100,
		stats.FormatBytes(snap.BytesSent), stats.FormatBytes(snap.BytesTotal),
		FormatRate(p.stats.RollingSpeed(5)),
		FormatETA(p.stats.ETA()),
	)
}

func (p *plainPresenter) Summary() string {
	snap := p.stats.Snapshot()
	prefix := ""
	if p.dryRun {
		prefix = "(dry run) "
	}
	return fmt.Sprintf("%s%s files sent (%s), %s identical, %s deleted, %s failed in %s",
		prefix,
		FormatCount(snap.FilesSent),
		stats.FormatBytes(snap.BytesSent),
		FormatCount(snap.FilesIdentical),
		FormatCount(snap.FilesDeleted),
		FormatCount(snap.FilesFailed),
		FormatDuration(snap.Elapsed),
	)
}
