package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	ManifestFetched Type = iota + 1
	DownloadStarted
	DownloadProgress
	DownloadCompleted
	DownloadFailed
	FileSkipped
	ArchiveExpanded
	ExpandFailed
	FileRetired
	RetireFailed
	FileExcluded
	FileRestored
)

var typeNames = [...]string{
	ManifestFetched:   "ManifestFetched",
	DownloadStarted:   "DownloadStarted",
	DownloadProgress:  "DownloadProgress",
	DownloadCompleted: "DownloadCompleted",
	DownloadFailed:    "DownloadFailed",
	FileSkipped:       "FileSkipped",
	ArchiveExpanded:   "ArchiveExpanded",
	ExpandFailed:      "ExpandFailed",
	FileRetired:       "FileRetired",
	RetireFailed:      "RetireFailed",
	FileExcluded:      "FileExcluded",
	FileRestored:      "FileRestored",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single progress event from a sync, isolate, or
// restore run.
type Event struct {
	Type      Type
	Timestamp time.Time
	Path      string // absolute medium path
	Dest      string // rename target (trash entry, tagged or restored name)
	Size      int64  // file size or bytes-so-far
	Total     int64  // expected size, entry count, or extracted file count
	Error     error
}

// Emit stamps e and sends it without blocking. A nil channel or a full
// buffer drops the event; counters live in stats, not in the event stream.
func Emit(ch chan<- Event, e Event) {
	if ch == nil {
		return
	}
	e.Timestamp = time.Now()
	select {
	case ch <- e:
	default:
	}
}
