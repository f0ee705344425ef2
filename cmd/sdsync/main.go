package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/sdsync/internal/config"
	"github.com/bamsammich/sdsync/internal/event"
	"github.com/bamsammich/sdsync/internal/exclusion"
	"github.com/bamsammich/sdsync/internal/filter"
	"github.com/bamsammich/sdsync/internal/stats"
	"github.com/bamsammich/sdsync/internal/storage"
	"github.com/bamsammich/sdsync/internal/trash"
	"github.com/bamsammich/sdsync/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// globals holds the persistent flags and the loaded config file.
type globals struct {
	root     string
	trashDir string
	verbose  bool
	quiet    bool
	logFile  string
	cfg      config.Config
	logClose func()
}

// sizeFlag is a pflag.Value accepting human-readable sizes such as 4M.
type sizeFlag struct {
	n int64
}

func (s *sizeFlag) String() string {
	if s.n == 0 {
		return ""
	}
	return strconv.FormatInt(s.n, 10)
}

var _ pflag.Value = (*sizeFlag)(nil)

func (*sizeFlag) Type() string { return "size" }

func (s *sizeFlag) Set(val string) error {
	n, err := config.ParseSize(val)
	if err != nil {
		return err
	}
	s.n = n
	return nil
}

func run() int {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "sdsync",
		Short: "Keep a removable music card in step with a remote manifest",
		Long: `sdsync keeps a removable storage card in step with a remote manifest of
archives. It downloads and expands missing albums, moves files no longer
listed into /.trash, hides everything outside a chosen playlist by renaming
it with a .nomsc suffix, and can export the raw card to a host over NBD.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.setup(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&g.root, "root", "C", "", "mount point of the card (default: current directory)")
	pf.StringVar(&g.trashDir, "trash-dir", trash.DefaultDir, "retirement directory on the card")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "verbose output")
	pf.BoolVarP(&g.quiet, "quiet", "q", false, "suppress all output except errors")
	pf.StringVar(&g.logFile, "log", "", "write structured JSON log to FILE")

	rootCmd.AddCommand(
		newSyncCmd(g),
		newIsolateCmd(g),
		newRestoreCmd(g),
		newLsCmd(g),
		newRetireCmd(g),
		newExpandCmd(g),
		newServeCmd(g),
		newStatusCmd(g),
		newImageCmd(g),
		docsCmd,
	)

	err := rootCmd.Execute()
	if g.logClose != nil {
		g.logClose()
	}
	if err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

// setup loads the config file, applies its defaults, and configures logging.
func (g *globals) setup(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config", "path", config.Path(), "error", err)
	}
	g.cfg = cfg
	applyConfigDefaults(cmd, cfg.Storage, &g.root, &g.trashDir)
	if g.root == "" {
		g.root = "."
	}

	logLevel := slog.LevelWarn
	if g.verbose {
		logLevel = slog.LevelDebug
	} else if !g.quiet {
		logLevel = slog.LevelInfo
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	var logHandler slog.Handler = textHandler
	if g.logFile != "" {
		lf, lfErr := os.Create(g.logFile)
		if lfErr != nil {
			return fmt.Errorf("open log file: %w", lfErr)
		}
		g.logClose = func() { lf.Close() }
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug})
		logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
	}
	slog.SetDefault(slog.New(logHandler))
	return nil
}

// applyConfigDefaults applies config file defaults for flags not explicitly set on the CLI.
func applyConfigDefaults(cmd *cobra.Command, sc config.StorageConfig, root, trashDir *string) {
	if !cmd.Flags().Changed("root") && sc.Root != nil {
		*root = *sc.Root
	}
	if !cmd.Flags().Changed("trash-dir") && sc.TrashDir != nil {
		*trashDir = *sc.TrashDir
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// card bundles the storage-side components every card command uses.
type card struct {
	fs       *storage.Local
	trash    *trash.Store
	excluder *exclusion.Excluder
}

// openCard opens the card and undoes any exclusion left behind by an earlier
// run that did not finish.
func (g *globals) openCard(ctx context.Context, events chan<- event.Event, collector *stats.Collector) (*card, error) {
	info, err := os.Stat(g.root)
	if err != nil {
		return nil, fmt.Errorf("card root %q: %w", g.root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("card root %q is not a directory", g.root)
	}

	fsys := storage.NewLocal(g.root)
	ts := trash.New(fsys, trash.WithDir(g.trashDir))

	audio, err := g.audioChain()
	if err != nil {
		return nil, err
	}
	excl, err := exclusion.New(fsys, exclusion.Config{
		Audio:    audio,
		SkipDirs: []string{ts.Dir()},
		Events:   events,
	})
	if err != nil {
		return nil, err
	}

	res, err := excl.RestoreAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore hidden files: %w", err)
	}
	if collector != nil {
		collector.AddFilesRestored(int64(res.Restored + res.Collisions))
	}
	if res.Restored+res.Collisions > 0 {
		slog.Info("restored hidden files", "restored", res.Restored, "collisions", res.Collisions)
	}
	if res.Failed > 0 {
		slog.Warn("some hidden files could not be restored", "failed", res.Failed)
	}
	return &card{fs: fsys, trash: ts, excluder: excl}, nil
}

// audioChain builds the filter that decides which files isolate may hide.
func (g *globals) audioChain() (*filter.Chain, error) {
	exts := filter.DefaultAudioExtensions
	if len(g.cfg.Exclusion.AudioExtensions) > 0 {
		exts = g.cfg.Exclusion.AudioExtensions
	}
	chain, err := filter.Extensions(exts)
	if err != nil {
		return nil, err
	}
	if g.cfg.Exclusion.FilterFile != nil {
		if err := chain.LoadFile(*g.cfg.Exclusion.FilterFile); err != nil {
			return nil, fmt.Errorf("load filter file: %w", err)
		}
	}
	return chain, nil
}

// runPresented runs fn while a presenter consumes its events. When --log is
// set, events are also written as structured records.
func (g *globals) runPresented(collector *stats.Collector, fn func(events chan<- event.Event)) {
	events := make(chan event.Event, 256)

	presenterEvents := (<-chan event.Event)(events)
	if g.logFile != "" {
		teed := make(chan event.Event, 256)
		go func() {
			for ev := range events {
				attrs := []slog.Attr{
					slog.String("type", ev.Type.String()),
					slog.String("path", ev.Path),
					slog.Int64("size", ev.Size),
				}
				if ev.Dest != "" {
					attrs = append(attrs, slog.String("dest", ev.Dest))
				}
				if ev.Error != nil {
					attrs = append(attrs, slog.String("error", ev.Error.Error()))
				}
				slog.LogAttrs(context.Background(), slog.LevelDebug, "sdsync.event", attrs...)
				teed <- ev
			}
			close(teed)
		}()
		presenterEvents = teed
	}

	presenter := ui.NewPresenter(ui.Config{
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
		Stats:     collector,
		IsTTY:     ui.IsTTY(os.Stderr.Fd()),
		Quiet:     g.quiet,
		Verbose:   g.verbose,
	})

	done := make(chan error, 1)
	go func() { done <- presenter.Run(presenterEvents) }()

	fn(events)
	close(events)
	if err := <-done; err != nil {
		fmt.Fprintf(os.Stderr, "presenter: %v\n", err)
	}

	if !g.quiet {
		if summary := presenter.Summary(); summary != "" {
			fmt.Fprintln(os.Stderr, summary)
		}
	}
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
