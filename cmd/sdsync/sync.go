package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/sdsync/internal/archive"
	"github.com/bamsammich/sdsync/internal/event"
	"github.com/bamsammich/sdsync/internal/manifest"
	"github.com/bamsammich/sdsync/internal/metrics"
	"github.com/bamsammich/sdsync/internal/reconcile"
	"github.com/bamsammich/sdsync/internal/retry"
	"github.com/bamsammich/sdsync/internal/stats"
	"github.com/bamsammich/sdsync/internal/transport"
)

type syncFlags struct {
	source        string
	manifestName  string
	archiveExt    string
	stallTimeout  time.Duration
	bwLimit       sizeFlag
	retries       int
	sshKeyFile    string
	sshPort       int
	sshInsecure   bool
	s3Endpoint    string
	s3Region      string
	watch         time.Duration
	metricsListen string
}

func newSyncCmd(g *globals) *cobra.Command {
	f := &syncFlags{}
	cmd := &cobra.Command{
		Use:   "sync [source]",
		Short: "Download missing archives and retire files the manifest no longer lists",
		Long: `Fetch the manifest from source, download and expand every archive whose
directory is missing from the card, and move every file the manifest does
not account for into the retirement directory.

Sources:
  /local/dir                 manifest.json inside the directory
  http(s)://host/base/       manifest at the URL, files below it
  sftp://[user@]host/dir     over SSH
  user@host:dir              same as sftp://
  s3://bucket/prefix         S3 or any S3-compatible store such as R2`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.source = args[0]
			}
			f.applyConfig(cmd, g)
			if f.source == "" {
				return errors.New("no source given and [sync] source is not configured")
			}
			return runSync(g, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.manifestName, "manifest-name", transport.DefaultManifestName, "manifest file name for directory-style sources")
	fl.StringVar(&f.archiveExt, "archive-ext", manifest.DefaultArchiveExt, "suffix marking entries that are expanded after download")
	fl.DurationVar(&f.stallTimeout, "stall-timeout", reconcile.DefaultStallTimeout, "fail a transfer that receives nothing for this long")
	fl.Var(&f.bwLimit, "bwlimit", "bandwidth limit (e.g. 2M, 500K)")
	fl.IntVar(&f.retries, "retries", retry.DefaultConfig().MaxAttempts, "attempts per transient network failure")
	fl.StringVar(&f.sshKeyFile, "ssh-key", "", "SSH private key file (default: auto-detect)")
	fl.IntVar(&f.sshPort, "ssh-port", 22, "SSH port")
	fl.BoolVar(&f.sshInsecure, "ssh-insecure", false, "skip known_hosts verification")
	fl.StringVar(&f.s3Endpoint, "s3-endpoint", "", "S3-compatible endpoint URL")
	fl.StringVar(&f.s3Region, "s3-region", "", "S3 region (default: auto)")
	fl.DurationVar(&f.watch, "watch", 0, "repeat the sync at this interval until interrupted")
	fl.StringVar(&f.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address while watching")
	return cmd
}

func (f *syncFlags) applyConfig(cmd *cobra.Command, g *globals) {
	sc := g.cfg.Sync
	changed := cmd.Flags().Changed
	if f.source == "" && sc.Source != nil {
		f.source = *sc.Source
	}
	if !changed("manifest-name") && sc.ManifestName != nil {
		f.manifestName = *sc.ManifestName
	}
	if !changed("archive-ext") && sc.ArchiveExt != nil {
		f.archiveExt = *sc.ArchiveExt
	}
	if !changed("stall-timeout") && sc.StallTimeout != nil {
		f.stallTimeout = time.Duration(*sc.StallTimeout)
	}
	if !changed("bwlimit") && sc.BWLimit != nil {
		if err := f.bwLimit.Set(*sc.BWLimit); err != nil {
			slog.Warn("ignoring invalid bwlimit in config", "value", *sc.BWLimit, "error", err)
		}
	}
	if !changed("retries") && sc.Retries != nil {
		f.retries = *sc.Retries
	}

	ssh := g.cfg.SSH
	if !changed("ssh-key") && ssh.KeyFile != nil {
		f.sshKeyFile = *ssh.KeyFile
	}
	if !changed("ssh-port") && ssh.Port != nil {
		f.sshPort = *ssh.Port
	}
	if !changed("ssh-insecure") && ssh.Insecure != nil {
		f.sshInsecure = *ssh.Insecure
	}

	s3 := g.cfg.S3
	if !changed("s3-endpoint") && s3.Endpoint != nil {
		f.s3Endpoint = *s3.Endpoint
	}
	if !changed("s3-region") && s3.Region != nil {
		f.s3Region = *s3.Region
	}
}

func (f *syncFlags) sourceOptions(g *globals) transport.Options {
	opts := transport.Options{
		ManifestName: f.manifestName,
		HTTP:         transport.HTTPOptions{UserAgent: "sdsync/" + version},
		SSH: transport.SSHOpts{
			Port:     f.sshPort,
			KeyFile:  f.sshKeyFile,
			Insecure: f.sshInsecure,
		},
		S3: transport.S3Options{
			Endpoint: f.s3Endpoint,
			Region:   f.s3Region,
		},
	}
	if g.cfg.S3.AccessKey != nil {
		opts.S3.AccessKey = *g.cfg.S3.AccessKey
	}
	if g.cfg.S3.SecretKey != nil {
		opts.S3.SecretKey = *g.cfg.S3.SecretKey
	}
	return opts
}

func runSync(g *globals, f *syncFlags) error {
	loc, err := transport.ParseLocation(f.source)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	if f.metricsListen != "" {
		srv := &http.Server{Addr: f.metricsListen, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	for {
		res, err := syncOnce(ctx, g, f, loc)
		if f.watch <= 0 || ctx.Err() != nil {
			if err != nil {
				return err
			}
			return exitFor(res)
		}
		if err != nil {
			slog.Error("sync failed", "error", err)
		}

		slog.Info("next sync", "in", f.watch)
		timer := time.NewTimer(f.watch)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func exitFor(res reconcile.Result) error {
	switch {
	case res.Err != nil:
		slog.Error("sync failed", "error", res.Err)
		return &exitError{code: 2}
	case len(res.Failures) > 0:
		for _, fl := range res.Failures {
			slog.Warn("entry failed", "stage", fl.Stage, "path", fl.Path, "error", fl.Err)
		}
		return &exitError{code: 1}
	default:
		return nil
	}
}

// syncOnce runs one reconciliation. The returned error covers setup
// failures; run failures are reported in the Result.
func syncOnce(ctx context.Context, g *globals, f *syncFlags, loc transport.Location) (reconcile.Result, error) {
	collector := stats.NewCollector()
	var res reconcile.Result
	var setupErr error

	g.runPresented(collector, func(events chan<- event.Event) {
		c, err := g.openCard(ctx, events, collector)
		if err != nil {
			setupErr = err
			return
		}

		src, err := transport.OpenSource(ctx, loc, f.sourceOptions(g))
		if err != nil {
			setupErr = fmt.Errorf("open source %s: %w", loc, err)
			return
		}
		defer src.Close()

		retryCfg := retry.DefaultConfig()
		retryCfg.MaxAttempts = f.retries

		rcfg := reconcile.Config{
			Source:       src,
			FS:           c.fs,
			Trash:        c.trash,
			Expander:     archive.New(c.fs),
			Stats:        collector,
			Events:       events,
			ArchiveExt:   f.archiveExt,
			Protected:    g.cfg.Storage.Protected,
			StallTimeout: f.stallTimeout,
			Retry:        retryCfg,
		}
		if f.bwLimit.n > 0 {
			rcfg.Limiter = transport.NewBWLimiter(f.bwLimit.n)
		}

		r, err := reconcile.New(rcfg)
		if err != nil {
			setupErr = err
			return
		}

		slog.Debug("starting sync", "source", loc.String(), "root", g.root, "archive_ext", f.archiveExt)
		res = r.Run(ctx)
		if ctx.Err() != nil {
			reconcile.CleanupTmpFiles()
		}
	})
	return res, setupErr
}
