package bwlimit

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimiterBurst(t *testing.T) {
	t.Parallel()

	l := NewLimiter(100)
	assert.Equal(t, 100, l.Burst())

	l = NewLimiter(10 << 20)
	assert.Equal(t, 1<<20, l.Burst())
}

func TestReaderThrottles(t *testing.T) {
	t.Parallel()

	data := make([]byte, 4096)
	// 2 KiB/s with a full initial bucket of 2 KiB: 4 KiB takes about a
	// second for the second half.
	limiter := NewLimiter(2048)
	r := NewReader(context.Background(), bytes.NewReader(data), limiter)

	start := time.Now()
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, out, len(data))
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestReaderNilLimiterPassthrough(t *testing.T) {
	t.Parallel()

	r := NewReader(context.Background(), bytes.NewReader([]byte("abc")), nil)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)
}

func TestReaderCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	limiter := NewLimiter(1)
	r := NewReader(ctx, bytes.NewReader(make([]byte, 64)), limiter)
	_, err := io.ReadAll(r)
	require.Error(t, err)
}
