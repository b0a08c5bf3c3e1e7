// Package bwlimit provides a shared token-bucket throttle for the bulk
// transfer phases.
package bwlimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// NewLimiter creates a rate.Limiter capping aggregate throughput to
// bytesPerSec. The burst is 1 MiB so natural chunk-sized writes pass without
// pointless blocking on small sends.
func NewLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 1 << 20
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// Reader wraps r so reads are throttled by limiter.
type Reader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewReader wraps r with the shared limit. A nil limiter passes through.
func NewReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &Reader{r: r, limiter: limiter, ctx: ctx}
}

func (rl *Reader) Read(p []byte) (int, error) {
	n, err := rl.r.Read(p)
	if n > 0 {
		if waitErr := rl.limiter.WaitN(rl.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}
