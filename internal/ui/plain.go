package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/sdsync/internal/stats"
)

// plainPresenter prints one line per download, expansion, retirement and
// rename to stdout, and periodic progress to stderr.
type plainPresenter struct {
	w        io.Writer
	errW     io.Writer
	stats    stats.ReadTicker
	verbose  bool
	progress bool
}

func (p *plainPresenter) Run(events <-chan Event) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	var seconds int
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-tick.C:
			p.stats.Tick()
			seconds++
			if p.progress && seconds%5 == 0 {
				p.printProgress()
			}
		}
	}
}

func errText(err error) string {
	if err == nil {
		return "error"
	}
	return err.Error()
}

func (p *plainPresenter) handleEvent(ev Event) {
	switch ev.Type {
	case ManifestFetched:
		fmt.Fprintf(p.w, "manifest: %s entries\n", FormatCount(ev.Total))
	case DownloadCompleted:
		speed := p.stats.RollingSpeed(5)
		fmt.Fprintf(p.w, "%s  %s  %s\n", ev.Path, FormatBytes(ev.Size), FormatRate(speed))
	case DownloadFailed:
		fmt.Fprintf(p.w, "%s  download failed: %s\n", ev.Path, errText(ev.Error))
	case FileSkipped:
		if p.verbose {
			fmt.Fprintf(p.w, "%s  present\n", ev.Path)
		}
	case ArchiveExpanded:
		fmt.Fprintf(p.w, "expand: %s -> %s  %s files\n", ev.Path, ev.Dest, FormatCount(ev.Total))
	case ExpandFailed:
		fmt.Fprintf(p.w, "%s  expand failed: %s\n", ev.Path, errText(ev.Error))
	case FileRetired:
		fmt.Fprintf(p.w, "retire: %s\n", ev.Path)
	case RetireFailed:
		fmt.Fprintf(p.w, "%s  retire failed: %s\n", ev.Path, errText(ev.Error))
	case FileExcluded:
		if p.verbose {
			fmt.Fprintf(p.w, "hide: %s\n", ev.Path)
		}
	case FileRestored:
		if ev.Dest != "" && p.verbose {
			fmt.Fprintf(p.w, "restore: %s -> %s\n", ev.Path, ev.Dest)
		}
	case DownloadStarted, DownloadProgress:
		// progress is read from the collector
	}
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	speed := p.stats.RollingSpeed(10)
	if snap.BytesTotal > 0 {
		pct := float64(snap.BytesDownloaded) / float64(snap.BytesTotal)
		fmt.Fprintf(p.errW, "progress: %s %.0f%% %s/%s %s eta %s\n",
			ProgressBar(pct, 20),
			pct*100,
			FormatBytes(snap.BytesDownloaded), FormatBytes(snap.BytesTotal),
			FormatRate(speed),
			FormatETA(p.stats.ETA()),
		)
		return
	}
	fmt.Fprintf(p.errW, "progress: %s downloaded %s\n",
		FormatBytes(snap.BytesDownloaded),
		FormatRate(speed),
	)
}

func (p *plainPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}
