package storage

import (
	"fmt"
	"io"
	"time"
)

// SpeedResult reports sequential throughput measured on the medium.
type SpeedResult struct {
	Bytes            int64
	WriteBytesPerSec float64
	ReadBytesPerSec  float64
}

const speedChunk = 32 * 1024

// SpeedTest writes size bytes to p, reads them back, and removes the file.
func SpeedTest(fsys FS, p string, size int64) (SpeedResult, error) {
	res := SpeedResult{Bytes: size}
	buf := make([]byte, speedChunk)
	for i := range buf {
		buf[i] = byte(i)
	}

	f, err := fsys.Create(p)
	if err != nil {
		return res, fmt.Errorf("create %s: %w", p, err)
	}
	defer fsys.Remove(p) //nolint:errcheck // best-effort cleanup

	start := time.Now()
	for written := int64(0); written < size; {
		n := min(int64(len(buf)), size-written)
		if _, err := f.Write(buf[:n]); err != nil {
			f.Close()
			return res, fmt.Errorf("write %s: %w", p, err)
		}
		written += n
	}
	if err := f.Close(); err != nil {
		return res, fmt.Errorf("close %s: %w", p, err)
	}
	res.WriteBytesPerSec = rate(size, time.Since(start))

	f, err = fsys.Open(p)
	if err != nil {
		return res, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	start = time.Now()
	n, err := io.CopyBuffer(io.Discard, f, buf)
	if err != nil {
		return res, fmt.Errorf("read %s: %w", p, err)
	}
	if n != size {
		return res, fmt.Errorf("read %s: got %d bytes, wrote %d", p, n, size)
	}
	res.ReadBytesPerSec = rate(size, time.Since(start))

	return res, nil
}

func rate(n int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}
