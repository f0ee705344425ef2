package ui

import "github.com/bamsammich/sdsync/internal/event"

// Event is the unit presenters consume.
type Event = event.Event

// Re-export event types for convenience.
const (
	ManifestFetched   = event.ManifestFetched
	DownloadStarted   = event.DownloadStarted
	DownloadProgress  = event.DownloadProgress
	DownloadCompleted = event.DownloadCompleted
	DownloadFailed    = event.DownloadFailed
	FileSkipped       = event.FileSkipped
	ArchiveExpanded   = event.ArchiveExpanded
	ExpandFailed      = event.ExpandFailed
	FileRetired       = event.FileRetired
	RetireFailed      = event.RetireFailed
	FileExcluded      = event.FileExcluded
	FileRestored      = event.FileRestored
)
