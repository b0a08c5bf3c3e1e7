package progress

import (
	"encoding/json"
	"io"
	"time"

	"github.com/bamsammich/dsync/internal/event"
	"github.com/bamsammich/dsync/internal/stats"
)

// jsonPresenter emits one structured line per event for machine consumers.
type jsonPresenter struct {
	w     io.Writer
	stats *stats.Collector
}

type jsonLine struct {
	Time    string `json:"time"`
	Event   string `json:"event"`
	Path    string `json:"path,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Total   int64  `json:"total,omitempty"`
	Bytes   int64  `json:"bytes,omitempty"`
	Literal int64  `json:"literal,omitempty"`
	Blocks  int64  `json:"blocks,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (p *jsonPresenter) Run(events <-chan event.Event) error {
	enc := json.NewEncoder(p.w)
	for ev := range events {
		line := jsonLine{
			Time:    ev.Timestamp.Format(time.RFC3339),
			Event:   ev.Type.String(),
			Path:    ev.Path,
			Size:    ev.Size,
			Total:   ev.Total,
			Bytes:   ev.TotalSize,
			Literal: ev.Literal,
			Blocks:  ev.Blocks,
		}
		if ev.Error != nil {
			line.Error = ev.Error.Error()
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

func (p *jsonPresenter) Summary() string {
	snap := p.stats.Snapshot()
	b, err := json.Marshal(map[string]int64{
		"files_sent":      snap.FilesSent,
		"files_identical": snap.FilesIdentical,
		"files_deleted":   snap.FilesDeleted,
		"files_failed":    snap.FilesFailed,
		"bytes_sent":      snap.BytesSent,
	})
	if err != nil {
		return ""
	}
	return string(b)
}
