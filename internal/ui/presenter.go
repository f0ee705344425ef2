package ui

import (
	"io"

	"github.com/bamsammich/sdsync/internal/stats"
)

// Presenter consumes events and displays progress.
type Presenter interface {
	// Run consumes events until the channel closes. Blocks until done.
	Run(events <-chan Event) error
	// Summary returns the final summary line.
	Summary() string
}

// Config configures a Presenter.
type Config struct {
	Writer    io.Writer
	ErrWriter io.Writer
	Stats     stats.ReadTicker
	IsTTY     bool
	Quiet     bool
	Verbose   bool
}

// NewPresenter returns a silent presenter for --quiet and the line-oriented
// one otherwise.
//
//nolint:ireturn // factory
func NewPresenter(cfg Config) Presenter {
	if cfg.Quiet {
		return &quietPresenter{stats: cfg.Stats}
	}
	return &plainPresenter{
		w:        cfg.Writer,
		errW:     cfg.ErrWriter,
		stats:    cfg.Stats,
		verbose:  cfg.Verbose,
		progress: cfg.IsTTY,
	}
}

// quietPresenter drains events without output; counters live on the collector.
type quietPresenter struct {
	stats stats.Reader
}

func (*quietPresenter) Run(events <-chan Event) error {
	for range events {
	}
	return nil
}

func (*quietPresenter) Summary() string { return "" }
