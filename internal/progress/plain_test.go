package progress

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/bamsammich/dsync/internal/event"
	"github.com/bamsammich/dsync/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runPresenter(p Presenter, evs ...event.Event) {
	ch := make(chan event.Event, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	_ = p.Run(ch) //nolint:errcheck // test fixtures never fail to write
}

func TestPlainFileLines(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer
	p := New(Config{Writer: &out, ErrWriter: &errOut, Stats: stats.NewCollector()})

	runPresenter(p,
		event.Event{Type: event.FileSent, Path: "a.txt", Size: 6},
		event.Event{Type: event.FileDeleted, Path: "gone.txt"},
		event.Event{Type: event.FileFailed, Path: "bad.bin", Error: errors.New("disk full")},
	)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "a.txt")
	assert.Contains(t, lines[0], "6 B")
	assert.Contains(t, lines[1], "deleting gone.txt")
	assert.Contains(t, lines[2], "FAILED: disk full")
}

func TestPlainDryRunDeleteWording(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p := New(Config{Writer: &out, ErrWriter: &out, Stats: stats.NewCollector(), DryRun: true})
	runPresenter(p, event.Event{Type: event.FileDeleted, Path: "x"})
	assert.Contains(t, out.String(), "would delete x")
}

func TestPlainVerboseDelta(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p := New(Config{Writer: &out, ErrWriter: &out, Stats: stats.NewCollector(), Verbosity: 2})
	runPresenter(p, event.Event{Type: event.DeltaSent, Path: "f", Size: 1000, Literal: 10, Blocks: 3})
	assert.Contains(t, out.String(), "delta")
	assert.Contains(t, out.String(), "3 blocks reused")
}

func TestPlainSummary(t *testing.T) {
	t.Parallel()

	collector := stats.NewCollector()
	collector.AddFilesSent(3)
	collector.AddBytesSent(2048)
	collector.AddFilesIdentical(5)

	p := New(Config{Writer: &bytes.Buffer{}, ErrWriter: &bytes.Buffer{}, Stats: collector})
	s := p.Summary()
	assert.Contains(t, s, "3 files sent")
	assert.Contains(t, s, "2.0 KiB")
	assert.Contains(t, s, "5 identical")
}

func TestQuietProducesNothing(t *testing.T) {
	t.Parallel()

	p := New(Config{Quiet: true, Stats: stats.NewCollector()})
	runPresenter(p, event.Event{Type: event.FileSent, Path: "a"})
	assert.Empty(t, p.Summary())
}

func TestJSONLines(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p := New(Config{JSON: true, Writer: &out, Stats: stats.NewCollector()})
	runPresenter(p,
		event.Event{Type: event.FileSent, Path: "a.txt", Size: 6},
		event.Event{Type: event.FileFailed, Path: "bad", Error: errors.New("boom")},
	)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "FileSent", first["event"])
	assert.Equal(t, "a.txt", first["path"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "boom", second["error"])
}

func TestJSONSummaryIsValidJSON(t *testing.T) {
	t.Parallel()

	p := New(Config{JSON: true, Writer: &bytes.Buffer{}, Stats: stats.NewCollector()})
	var m map[string]int64
	require.NoError(t, json.Unmarshal([]byte(p.Summary()), &m))
	assert.Contains(t, m, "files_sent")
}
