// Package stats tracks transfer counters for a sync run using lock-free
// atomics, plus a small ring buffer of throughput samples for rate display.
package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks sync statistics. Written by the orchestrator's single
// driving goroutine; read concurrently by the presenter.
type Collector struct {
	filesScanned   atomic.Int64
	filesMissing   atomic.Int64
	filesChanged   atomic.Int64
	filesIdentical atomic.Int64
	filesSent      atomic.Int64
	filesFailed    atomic.Int64
	filesDeleted   atomic.Int64
	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64
	literalBytes   atomic.Int64
	blocksReused   atomic.Int64
	bytesTotal     atomic.Int64
	filesTotal     atomic.Int64
	startTime      time.Time

	// Ring buffer — written only by the presenter's Tick(), never the engine.
	mu         sync.Mutex
	throughput [ringSize]int64 // sent-bytes delta per second
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetTotals records the transfer totals once classification is known.
func (c *Collector) SetTotals(files, bytes int64) {
	c.filesTotal.Store(files)
	c.bytesTotal.Store(bytes)
}

func (c *Collector) AddFilesScanned(n int64)   { c.filesScanned.Add(n) }
func (c *Collector) AddFilesMissing(n int64)   { c.filesMissing.Add(n) }
func (c *Collector) AddFilesChanged(n int64)   { c.filesChanged.Add(n) }
func (c *Collector) AddFilesIdentical(n int64) { c.filesIdentical.Add(n) }
func (c *Collector) AddFilesSent(n int64)      { c.filesSent.Add(n) }
func (c *Collector) AddFilesFailed(n int64)    { c.filesFailed.Add(n) }
func (c *Collector) AddFilesDeleted(n int64)   { c.filesDeleted.Add(n) }
func (c *Collector) AddBytesSent(n int64)      { c.bytesSent.Add(n) }
func (c *Collector) AddBytesReceived(n int64)  { c.bytesReceived.Add(n) }
func (c *Collector) AddLiteralBytes(n int64)   { c.literalBytes.Add(n) }
func (c *Collector) AddBlocksReused(n int64)   { c.blocksReused.Add(n) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	FilesScanned   int64
	FilesMissing   int64
	FilesChanged   int64
	FilesIdentical int64
	FilesSent      int64
	FilesFailed    int64
	FilesDeleted   int64
	BytesSent      int64
	BytesReceived  int64
	LiteralBytes   int64
	BlocksReused   int64
	BytesTotal     int64
	FilesTotal     int64
	Elapsed        time.Duration
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		FilesScanned:   c.filesScanned.Load(),
		FilesMissing:   c.filesMissing.Load(),
		FilesChanged:   c.filesChanged.Load(),
		FilesIdentical: c.filesIdentical.Load(),
		FilesSent:      c.filesSent.Load(),
		FilesFailed:    c.filesFailed.Load(),
		FilesDeleted:   c.filesDeleted.Load(),
		BytesSent:      c.bytesSent.Load(),
		BytesReceived:  c.bytesReceived.Load(),
		LiteralBytes:   c.literalBytes.Load(),
		BlocksReused:   c.blocksReused.Load(),
		BytesTotal:     c.bytesTotal.Load(),
		FilesTotal:     c.filesTotal.Load(),
		Elapsed:        c.Elapsed(),
	}
}

// Tick snapshots the sent-bytes delta into the ring buffer. Called once per
// second by the presenter.
func (c *Collector) Tick() {
	current := c.bytesSent.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := seconds
	if count > c.ringCount {
		count = c.ringCount
	}
	if count == 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// SparklineData returns the last n bytes/sec samples, oldest first.
func (c *Collector) SparklineData(n int) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := n
	if count > c.ringCount {
		count = c.ringCount
	}
	if count == 0 {
		return nil
	}

	data := make([]float64, count)
	for i := range count {
		idx := (c.ringIdx - count + i + ringSize) % ringSize
		data[i] = float64(c.throughput[idx])
	}
	return data
}

// ETA estimates remaining time from the rolling speed and remaining bytes.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesSent.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"scanned=%d missing=%d changed=%d identical=%d sent=%d failed=%d deleted=%d bytes_out=%d",
		s.FilesScanned, s.FilesMissing, s.FilesChanged, s.FilesIdentical,
		s.FilesSent, s.FilesFailed, s.FilesDeleted, s.BytesSent,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
