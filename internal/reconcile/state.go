package reconcile

// State is a reconciliation phase. Runs move strictly forward.
type State int

const (
	FetchManifest State = iota
	Diff
	DownloadMissing
	ExpandArchives
	RetireStale
	Done
)

var stateNames = [...]string{
	FetchManifest:   "fetch-manifest",
	Diff:            "diff",
	DownloadMissing: "download-missing",
	ExpandArchives:  "expand-archives",
	RetireStale:     "retire-stale",
	Done:            "done",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
