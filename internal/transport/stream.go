package transport

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// NewBWLimiter creates a rate.Limiter that caps aggregate throughput to
// bytesPerSec. The burst is set to 1 MB to allow natural read-size chunks
// through without unnecessary blocking on small reads.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 1 << 20 // 1 MB
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// RateLimit throttles reads from rc through limiter. A nil limiter returns
// rc unchanged.
func RateLimit(ctx context.Context, rc io.ReadCloser, limiter *rate.Limiter) io.ReadCloser {
	if limiter == nil {
		return rc
	}
	return &rateLimitedReader{rc: rc, limiter: limiter, ctx: ctx}
}

type rateLimitedReader struct {
	rc      io.ReadCloser
	limiter *rate.Limiter
	ctx     context.Context
}

func (rl *rateLimitedReader) Read(p []byte) (int, error) {
	// Never ask for more than the burst in one go; WaitN rejects it.
	if b := rl.limiter.Burst(); b > 0 && len(p) > b {
		p = p[:b]
	}
	n, err := rl.rc.Read(p)
	if n > 0 {
		if waitErr := rl.limiter.WaitN(rl.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

func (rl *rateLimitedReader) Close() error { return rl.rc.Close() }

// StallGuard fails reads with ErrStalled once rc has delivered no bytes for
// timeout. The underlying reader is closed to unblock a pending Read. A
// non-positive timeout returns rc unchanged.
func StallGuard(rc io.ReadCloser, timeout time.Duration) io.ReadCloser {
	if timeout <= 0 {
		return rc
	}
	s := &stallReader{rc: rc, timeout: timeout}
	s.timer = time.AfterFunc(timeout, func() {
		s.stalled.Store(true)
		s.closeOnce()
	})
	return s
}

type stallReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	stalled atomic.Bool
	once    sync.Once
	err     error
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.rc.Read(p)
	if s.stalled.Load() {
		return n, ErrStalled
	}
	if n > 0 {
		s.timer.Reset(s.timeout)
	}
	return n, err
}

func (s *stallReader) Close() error {
	s.timer.Stop()
	s.closeOnce()
	return s.err
}

func (s *stallReader) closeOnce() {
	s.once.Do(func() { s.err = s.rc.Close() })
}
