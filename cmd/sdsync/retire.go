package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bamsammich/sdsync/internal/event"
	"github.com/bamsammich/sdsync/internal/reconcile"
	"github.com/bamsammich/sdsync/internal/stats"
)

func newRetireCmd(g *globals) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "retire <path>... | --all",
		Short: "Move files or directories into the retirement directory",
		Long: `Move each path into the retirement directory under a unique
<millis>_<seq>_<name> entry. Nothing is deleted. With --all, every top-level
entry except the retirement directory and protected names is retired.`,
		RunE: func(_ *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("give either paths or --all")
			}

			ctx, stop := signalContext()
			defer stop()

			collector := stats.NewCollector()
			var failed int
			var runErr error
			g.runPresented(collector, func(events chan<- event.Event) {
				c, err := g.openCard(ctx, events, collector)
				if err != nil {
					runErr = err
					return
				}

				if all {
					protected := g.cfg.Storage.Protected
					if protected == nil {
						protected = reconcile.DefaultProtected
					}
					n, err := c.trash.RetireAllExcept(ctx, "/", protected)
					collector.AddFilesRetired(int64(n))
					if err != nil {
						runErr = fmt.Errorf("retire all: %w", err)
					}
					return
				}

				for _, p := range args {
					dest, err := c.trash.Retire(p)
					if err != nil {
						failed++
						collector.AddRetireFailures(1)
						event.Emit(events, event.Event{Type: event.RetireFailed, Path: p, Error: err})
						slog.Warn("retire failed", "path", p, "error", err)
						continue
					}
					collector.AddFilesRetired(1)
					event.Emit(events, event.Event{Type: event.FileRetired, Path: p, Dest: dest})
				}
			})
			if runErr != nil {
				return runErr
			}
			if failed > 0 {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "retire every top-level entry")
	return cmd
}
