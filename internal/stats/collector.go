package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Reader exposes counters to presenters.
type Reader interface {
	Snapshot() Snapshot
	RollingSpeed(seconds int) float64
	ETA() time.Duration
}

// ReadTicker is a Reader that presenters also drive once per second.
type ReadTicker interface {
	Reader
	Tick()
}

var _ ReadTicker = (*Collector)(nil)

// Collector tracks sync run statistics using lock-free atomic counters.
type Collector struct {
	manifestEntries  atomic.Int64
	filesPresent     atomic.Int64
	downloads        atomic.Int64
	downloadFailures atomic.Int64
	bytesDownloaded  atomic.Int64
	bytesTotal       atomic.Int64
	archivesExpanded atomic.Int64
	filesExtracted   atomic.Int64
	expandFailures   atomic.Int64
	filesRetired     atomic.Int64
	retireFailures   atomic.Int64
	filesExcluded    atomic.Int64
	filesRestored    atomic.Int64
	startTime        time.Time

	// Ring buffer, written only by Tick.
	mu         sync.Mutex
	throughput [ringSize]int64 // bytes delta per second
	ringIdx    int
	ringCount  int // samples written, capped at ringSize
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	ManifestEntries  int64
	FilesPresent     int64
	Downloads        int64
	DownloadFailures int64
	BytesDownloaded  int64
	BytesTotal       int64
	ArchivesExpanded int64
	FilesExtracted   int64
	ExpandFailures   int64
	FilesRetired     int64
	RetireFailures   int64
	FilesExcluded    int64
	FilesRestored    int64
	Elapsed          time.Duration
}

// Failures sums every per-entry failure counter.
func (s Snapshot) Failures() int64 {
	return s.DownloadFailures + s.ExpandFailures + s.RetireFailures
}

func (c *Collector) SetManifestEntries(n int64)  { c.manifestEntries.Store(n) }
func (c *Collector) AddFilesPresent(n int64)     { c.filesPresent.Add(n) }
func (c *Collector) AddDownloads(n int64)        { c.downloads.Add(n) }
func (c *Collector) AddDownloadFailures(n int64) { c.downloadFailures.Add(n) }
func (c *Collector) AddBytesDownloaded(n int64)  { c.bytesDownloaded.Add(n) }
func (c *Collector) AddBytesTotal(n int64)       { c.bytesTotal.Add(n) }
func (c *Collector) AddArchivesExpanded(n int64) { c.archivesExpanded.Add(n) }
func (c *Collector) AddFilesExtracted(n int64)   { c.filesExtracted.Add(n) }
func (c *Collector) AddExpandFailures(n int64)   { c.expandFailures.Add(n) }
func (c *Collector) AddFilesRetired(n int64)     { c.filesRetired.Add(n) }
func (c *Collector) AddRetireFailures(n int64)   { c.retireFailures.Add(n) }
func (c *Collector) AddFilesExcluded(n int64)    { c.filesExcluded.Add(n) }
func (c *Collector) AddFilesRestored(n int64)    { c.filesRestored.Add(n) }

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		ManifestEntries:  c.manifestEntries.Load(),
		FilesPresent:     c.filesPresent.Load(),
		Downloads:        c.downloads.Load(),
		DownloadFailures: c.downloadFailures.Load(),
		BytesDownloaded:  c.bytesDownloaded.Load(),
		BytesTotal:       c.bytesTotal.Load(),
		ArchivesExpanded: c.archivesExpanded.Load(),
		FilesExtracted:   c.filesExtracted.Load(),
		ExpandFailures:   c.expandFailures.Load(),
		FilesRetired:     c.filesRetired.Load(),
		RetireFailures:   c.retireFailures.Load(),
		FilesExcluded:    c.filesExcluded.Load(),
		FilesRestored:    c.filesRestored.Load(),
		Elapsed:          c.Elapsed(),
	}
}

// Tick snapshots the byte delta into the ring buffer. Called 1/sec by the
// presenter.
func (c *Collector) Tick() {
	current := c.bytesDownloaded.Load()

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

	count := min(seconds, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// ETA estimates remaining download time from rolling speed and the bytes
// still expected. Downloads of unknown size do not count toward the total.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesDownloaded.Load()
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
		"manifest=%d present=%d downloaded=%d failed=%d bytes=%d expanded=%d extracted=%d retired=%d",
		s.ManifestEntries, s.FilesPresent, s.Downloads, s.Failures(),
		s.BytesDownloaded, s.ArchivesExpanded, s.FilesExtracted, s.FilesRetired,
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
