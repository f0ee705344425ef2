package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bamsammich/sdsync/internal/browse"
	"github.com/bamsammich/sdsync/internal/walk"
)

func newLsCmd(g *globals) *cobra.Command {
	var (
		logical  bool
		playlist bool
	)
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory on the card",
		Long: `List a directory on the card the way the device browser shows it.

With --logical, path is a raw prefix and every file below it, at any depth,
is listed relative to the prefix. With --playlist, print the prefix that
"sdsync isolate" would use for the first entry instead of the listing.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			p := "/"
			if len(args) == 1 {
				p = args[0]
			}

			ctx, stop := signalContext()
			defer stop()

			c, err := g.openCard(ctx, nil, nil)
			if err != nil {
				return err
			}

			var s browse.Session
			if logical {
				if !strings.HasPrefix(p, "/") {
					p = "/" + p
				}
				s, err = browse.Logical(ctx, c.fs, p, walk.Options{SkipDirs: []string{c.trash.Dir()}})
			} else {
				s, err = browse.Open(c.fs, p)
			}
			if err != nil {
				return err
			}

			if playlist {
				fmt.Fprintln(os.Stdout, s.PlaylistPrefix())
				return nil
			}
			if len(s.Entries) == 0 {
				fmt.Fprintln(os.Stdout, "(no files found)")
				return nil
			}
			for i := range s.Entries {
				fmt.Fprintln(os.Stdout, s.Line(i))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&logical, "logical", false, "list every file under a raw path prefix")
	cmd.Flags().BoolVar(&playlist, "playlist", false, "print the isolate prefix for the first entry")
	return cmd
}
