package orchestrator_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bamsammich/dsync/internal/errkind"
	"github.com/bamsammich/dsync/internal/orchestrator"
	"github.com/bamsammich/dsync/internal/stats"
	"github.com/bamsammich/dsync/internal/wire"
	"github.com/bamsammich/dsync/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePair returns two ends of a loopback TCP connection, so both sides get
// real kernel buffering like the tunneled socket in production.
func pipePair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		c, aerr := ln.Accept()
		if aerr == nil {
			done <- c
		}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-done
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func writeFile(t *testing.T, root, rel string, content []byte) string {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, content, 0644))
	return full
}

func defaultOpts() wire.Options {
	return wire.Options{Recursive: true, CompressLevel: 6}
}

// runSync drives a full client+worker session over a socket pair.
func runSync(
	t *testing.T,
	src, dst string,
	opts wire.Options,
) (orchestrator.Summary, *stats.Collector, error) {
	t.Helper()

	clientConn, serverConn := pipePair(t)

	workerErr := make(chan error, 1)
	go func() {
		workerErr <- worker.Serve(context.Background(), serverConn, worker.Config{Root: dst})
	}()

	collector := stats.NewCollector()
	summary, err := orchestrator.Run(context.Background(), orchestrator.Config{
		Conn:    clientConn,
		Sources: []string{src},
		Opts:    opts,
		Stats:   collector,
	})

	select {
	case <-workerErr:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit")
	}
	return summary, collector, err
}

func requireFileEqual(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFreshSync(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, src, "a.txt", []byte("hello\n"))
	writeFile(t, src, "sub/b.bin", make([]byte, 1024))

	summary, _, err := runSync(t, src, dst, defaultOpts())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Missing)
	assert.Zero(t, summary.Changed)
	assert.Zero(t, summary.Identical)
	assert.Equal(t, uint32(2), summary.OK)
	assert.Zero(t, summary.Failed)

	requireFileEqual(t, filepath.Join(dst, "a.txt"), []byte("hello\n"))
	requireFileEqual(t, filepath.Join(dst, "sub/b.bin"), make([]byte, 1024))

	// Metadata mirrors the source so a rerun classifies identical.
	srcInfo, err := os.Stat(filepath.Join(src, "a.txt"))
	require.NoError(t, err)
	dstInfo, err := os.Stat(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, srcInfo.Mode().Perm(), dstInfo.Mode().Perm())
	assert.Equal(t, srcInfo.ModTime().Unix(), dstInfo.ModTime().Unix())
}

func TestRerunIsNoOp(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, src, "a.txt", []byte("hello\n"))
	writeFile(t, src, "sub/b.bin", make([]byte, 1024))

	_, _, err := runSync(t, src, dst, defaultOpts())
	require.NoError(t, err)

	summary, collector, err := runSync(t, src, dst, defaultOpts())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Identical)
	assert.Zero(t, summary.Missing)
	assert.Zero(t, summary.Changed)
	assert.Zero(t, summary.OK)

	// No file content crossed the wire for identical files.
	snap := collector.Snapshot()
	assert.Zero(t, snap.FilesSent)
	assert.Zero(t, snap.BytesSent)
}

func TestSmallEditDelta(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()

	oldContent := make([]byte, 10*1024)
	for i := range oldContent {
		oldContent[i] = 0x41
	}
	newContent := append([]byte(nil), oldContent...)
	for i := 5000; i < 5010; i++ {
		newContent[i] = 0x42
	}

	srcFile := writeFile(t, src, "a.txt", newContent)
	dstFile := writeFile(t, dst, "a.txt", oldContent)

	// Same size; mtime skew forces the changed classification.
	now := time.Now()
	require.NoError(t, os.Chtimes(srcFile, now, now))
	old := now.Add(-time.Hour)
	require.NoError(t, os.Chtimes(dstFile, old, old))

	summary, collector, err := runSync(t, src, dst, defaultOpts())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Changed)
	assert.Equal(t, uint32(1), summary.OK)
	requireFileEqual(t, dstFile, newContent)

	snap := collector.Snapshot()
	assert.GreaterOrEqual(t, snap.BlocksReused, int64(8))
	assert.Positive(t, snap.LiteralBytes)
	assert.LessOrEqual(t, snap.LiteralBytes, int64(1034))
}

func TestDeleteExtras(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, src, "a.txt", []byte("keep"))
	writeFile(t, dst, "gone.txt", []byte("extra"))

	opts := defaultOpts()
	opts.DeleteExtras = true
	summary, _, err := runSync(t, src, dst, opts)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Deleted)
	_, statErr := os.Stat(filepath.Join(dst, "gone.txt"))
	assert.True(t, os.IsNotExist(statErr))
	requireFileEqual(t, filepath.Join(dst, "a.txt"), []byte("keep"))
}

func TestDeletionRequiresBothFlags(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, src, "a.txt", []byte("keep"))
	writeFile(t, dst, "gone.txt", []byte("survives"))

	summary, _, err := runSync(t, src, dst, defaultOpts())
	require.NoError(t, err)

	assert.Zero(t, summary.Deleted)
	requireFileEqual(t, filepath.Join(dst, "gone.txt"), []byte("survives"))
}

func TestChecksumOverride(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()
	srcFile := writeFile(t, src, "f.txt", []byte("AAAA"))
	dstFile := writeFile(t, dst, "f.txt", []byte("BBBB"))

	now := time.Now()
	require.NoError(t, os.Chtimes(srcFile, now, now))
	require.NoError(t, os.Chtimes(dstFile, now, now))

	// Without --checksum the stale copy stays (documented behavior).
	summary, _, err := runSync(t, src, dst, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Identical)
	requireFileEqual(t, dstFile, []byte("BBBB"))

	// With --checksum the content difference is found and repaired.
	opts := defaultOpts()
	opts.Checksum = true
	summary, _, err = runSync(t, src, dst, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Changed)
	requireFileEqual(t, dstFile, []byte("AAAA"))
}

func TestDryRunWritesNothing(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, src, "a.txt", []byte("content"))
	writeFile(t, dst, "extra.txt", []byte("x"))

	opts := defaultOpts()
	opts.DryRun = true
	opts.DeleteExtras = true
	summary, _, err := runSync(t, src, dst, opts)
	require.NoError(t, err)

	assert.True(t, summary.DryRun)
	assert.Equal(t, 1, summary.Missing)
	assert.Equal(t, 1, summary.Deleted)
	assert.Zero(t, summary.OK)

	_, statErr := os.Stat(filepath.Join(dst, "a.txt"))
	assert.True(t, os.IsNotExist(statErr))
	requireFileEqual(t, filepath.Join(dst, "extra.txt"), []byte("x"))
}

func TestExistingSkipsMissing(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, src, "new.txt", []byte("never sent"))

	opts := defaultOpts()
	opts.Existing = true
	summary, _, err := runSync(t, src, dst, opts)
	require.NoError(t, err)

	assert.Zero(t, summary.Missing)
	_, statErr := os.Stat(filepath.Join(dst, "new.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestBoundaryFileSizes(t *testing.T) {
	t.Parallel()

	const blockSize = 1024
	sizes := []int{0, 1, blockSize - 1, blockSize, blockSize + 1, 16 * blockSize}

	src := t.TempDir()
	dst := t.TempDir()
	var want [][]byte
	for i, n := range sizes {
		data := make([]byte, n)
		for j := range data {
			data[j] = byte(i + j*7)
		}
		want = append(want, data)
		writeFile(t, src, filepath.Join("sz", nameFor(i)), data)
	}

	summary, _, err := runSync(t, src, dst, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, uint32(len(sizes)), summary.OK)

	for i := range sizes {
		requireFileEqual(t, filepath.Join(dst, "sz", nameFor(i)), want[i])
	}
}

func nameFor(i int) string {
	return string(rune('a'+i)) + ".bin"
}

func TestChangedBoundarySizesReconstruct(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()

	// Seed destination with shifted content of equal size, then sync as
	// changed files.
	sizes := []int{1, 1023, 1024, 1025, 16 * 1024}
	old := time.Now().Add(-time.Hour)
	for i, n := range sizes {
		newData := make([]byte, n)
		oldData := make([]byte, n)
		for j := range newData {
			newData[j] = byte(i + j)
			oldData[j] = byte(i + j + 3)
		}
		name := filepath.Join("f", nameFor(i))
		writeFile(t, src, name, newData)
		dstFile := writeFile(t, dst, name, oldData)
		require.NoError(t, os.Chtimes(dstFile, old, old))
	}

	summary, _, err := runSync(t, src, dst, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, len(sizes), summary.Changed)
	assert.Equal(t, uint32(len(sizes)), summary.OK)

	for i, n := range sizes {
		want := make([]byte, n)
		for j := range want {
			want[j] = byte(i + j)
		}
		requireFileEqual(t, filepath.Join(dst, "f", nameFor(i)), want)
	}
}

func TestInvalidOptionsRejected(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeFile(t, src, "a.txt", []byte("x"))

	// delete without recursive violates the cross-option constraint.
	opts := wire.Options{DeleteExtras: true, CompressLevel: 6}
	clientConn, serverConn := pipePair(t)
	go func() {
		_ = worker.Serve(context.Background(), serverConn, worker.Config{Root: t.TempDir()})
	}()

	_, err := orchestrator.Run(context.Background(), orchestrator.Config{
		Conn:    clientConn,
		Sources: []string{src},
		Opts:    opts,
	})
	require.Error(t, err)
	assert.Equal(t, errkind.Usage, errkind.KindOf(err))
}

func TestCancelledRun(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeFile(t, src, "a.txt", []byte("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	clientConn, serverConn := pipePair(t)
	go func() {
		_ = worker.Serve(context.Background(), serverConn, worker.Config{Root: t.TempDir()})
	}()

	_, err := orchestrator.Run(ctx, orchestrator.Config{
		Conn:    clientConn,
		Sources: []string{src},
		Opts:    defaultOpts(),
	})
	require.Error(t, err)
	assert.Equal(t, errkind.Cancelled, errkind.KindOf(err))
}

func TestNoTempFilesSurvive(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, src, "a.txt", []byte("hello"))
	writeFile(t, src, "b.txt", make([]byte, 64*1024))

	_, _, err := runSync(t, src, dst, defaultOpts())
	require.NoError(t, err)

	require.NoError(t, filepath.Walk(dst, func(p string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		if !info.IsDir() {
			assert.NotContains(t, filepath.Base(p), ".tmp")
		}
		return nil
	}))
}

func TestCopyDestSatisfiesMissingLocally(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()
	copyDest := t.TempDir()

	content := []byte("already present near the destination")
	srcFile := writeFile(t, src, "big.bin", content)
	altFile := writeFile(t, copyDest, "big.bin", content)
	now := time.Now()
	require.NoError(t, os.Chtimes(srcFile, now, now))
	require.NoError(t, os.Chtimes(altFile, now, now))

	opts := defaultOpts()
	opts.CopyDest = copyDest
	summary, collector, err := runSync(t, src, dst, opts)
	require.NoError(t, err)

	// Satisfied locally: classified identical, nothing crossed the wire.
	assert.Equal(t, 1, summary.Identical)
	assert.Zero(t, summary.Missing)
	assert.Zero(t, collector.Snapshot().BytesSent)
	requireFileEqual(t, filepath.Join(dst, "big.bin"), content)
}

func TestUnicodeAndSpacedPaths(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, src, "with space.txt", []byte("s"))
	writeFile(t, src, "düsseldorf/файл.bin", []byte("u"))

	summary, _, err := runSync(t, src, dst, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), summary.OK)

	requireFileEqual(t, filepath.Join(dst, "with space.txt"), []byte("s"))
	requireFileEqual(t, filepath.Join(dst, "düsseldorf/файл.bin"), []byte("u"))
}
