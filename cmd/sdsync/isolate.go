package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bamsammich/sdsync/internal/event"
	"github.com/bamsammich/sdsync/internal/metrics"
	"github.com/bamsammich/sdsync/internal/stats"
)

func newIsolateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "isolate <prefix>",
		Short: "Hide every audio file outside prefix from the host",
		Long: `Rename every audio file whose path does not start with prefix by appending
.nomsc, so a player reading the card only sees the chosen playlist.

A prefix ending in "/" selects a directory; a full file path selects that
single file. The match is on the raw path string, so /Music/album also keeps
/Music/albumB. Run "sdsync restore" (or any other command) to undo.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			prefix := args[0]
			if !strings.HasPrefix(prefix, "/") {
				prefix = "/" + prefix
			}

			ctx, stop := signalContext()
			defer stop()

			collector := stats.NewCollector()
			var runErr error
			g.runPresented(collector, func(events chan<- event.Event) {
				c, err := g.openCard(ctx, events, collector)
				if err != nil {
					runErr = err
					return
				}
				n, err := c.excluder.ExcludeOutside(ctx, prefix)
				collector.AddFilesExcluded(int64(n))
				metrics.SetExcludedFiles(n)
				if err != nil {
					runErr = fmt.Errorf("isolate %s: %w", prefix, err)
					return
				}
				slog.Info("isolated playlist", "prefix", prefix, "hidden", n)
			})
			return runErr
		},
	}
}

func newRestoreCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Unhide every file hidden by isolate",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			collector := stats.NewCollector()
			var runErr error
			g.runPresented(collector, func(events chan<- event.Event) {
				// Opening the card restores everything.
				if _, err := g.openCard(ctx, events, collector); err != nil {
					runErr = err
					return
				}
				metrics.SetExcludedFiles(0)
			})
			return runErr
		},
	}
}
