package main

import (
	"fmt"
	"path"

	"github.com/spf13/cobra"

	"github.com/bamsammich/sdsync/internal/archive"
	"github.com/bamsammich/sdsync/internal/event"
	"github.com/bamsammich/sdsync/internal/stats"
	"github.com/bamsammich/sdsync/internal/storage"
)

func newExpandCmd(g *globals) *cobra.Command {
	var keep bool
	cmd := &cobra.Command{
		Use:   "expand <archive> [dest]",
		Short: "Expand an archive already on the card",
		Long: `Extract every entry of a ZIP archive on the card into dest (default: the
archive's directory). Entries that fail are reported and skipped. The
archive is deleted afterwards unless --keep is given.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			src := storage.Clean(args[0])
			dest := path.Dir(src)
			if len(args) == 2 {
				dest = storage.Clean(args[1])
			}

			ctx, stop := signalContext()
			defer stop()

			collector := stats.NewCollector()
			var res archive.Result
			var runErr error
			g.runPresented(collector, func(events chan<- event.Event) {
				c, err := g.openCard(ctx, events, collector)
				if err != nil {
					runErr = err
					return
				}

				res, err = archive.New(c.fs).Expand(ctx, src, dest)
				if err != nil {
					collector.AddExpandFailures(1)
					event.Emit(events, event.Event{Type: event.ExpandFailed, Path: src, Error: err})
					runErr = fmt.Errorf("expand %s: %w", src, err)
					return
				}
				collector.AddArchivesExpanded(1)
				collector.AddFilesExtracted(int64(res.Extracted))
				collector.AddExpandFailures(int64(len(res.Failures)))
				for _, f := range res.Failures {
					event.Emit(events, event.Event{Type: event.ExpandFailed, Path: path.Join(dest, f.Name), Error: f.Err})
				}
				event.Emit(events, event.Event{
					Type:  event.ArchiveExpanded,
					Path:  src,
					Dest:  dest,
					Size:  res.Bytes,
					Total: int64(res.Extracted),
				})

				if !keep {
					if err := c.fs.Remove(src); err != nil {
						runErr = fmt.Errorf("remove archive: %w", err)
					}
				}
			})
			if runErr != nil {
				return runErr
			}
			if len(res.Failures) > 0 {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the archive after expanding")
	return cmd
}
