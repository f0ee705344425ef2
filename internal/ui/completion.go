package ui

import (
	"fmt"

	"github.com/bamsammich/sdsync/internal/stats"
)

// CompletionSummary builds a final summary line from a snapshot.
// Format: done ✓  downloaded 3  size 210 MiB  avg 4.1 MiB/s  extracted 36  retired 2  time 51s  errors 0
func CompletionSummary(snap stats.Snapshot) string {
	avgSpeed := 0.0
	if snap.Elapsed.Seconds() > 0 {
		avgSpeed = float64(snap.BytesDownloaded) / snap.Elapsed.Seconds()
	}

	icon := "✓"
	if snap.Failures() > 0 {
		icon = "✗"
	}

	base := fmt.Sprintf("done %s  downloaded %s  size %s  avg %s  extracted %s  retired %s",
		icon,
		FormatCount(snap.Downloads),
		FormatBytes(snap.BytesDownloaded),
		FormatRate(avgSpeed),
		FormatCount(snap.FilesExtracted),
		FormatCount(snap.FilesRetired),
	)

	if snap.FilesExcluded > 0 || snap.FilesRestored > 0 {
		base += fmt.Sprintf("  hidden %s  restored %s",
			FormatCount(snap.FilesExcluded), FormatCount(snap.FilesRestored))
	}

	base += fmt.Sprintf("  time %s  errors %d", FormatDuration(snap.Elapsed), snap.Failures())
	return base
}
