package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/sdsync/internal/blockdev"
	"github.com/bamsammich/sdsync/internal/config"
	"github.com/bamsammich/sdsync/internal/nbd"
	"github.com/bamsammich/sdsync/internal/stats"
	"github.com/bamsammich/sdsync/internal/storage"
)

const (
	defaultListen = "127.0.0.1:10809"
	speedTestName = "/.sdsync-speedtest"
)

type serveFlags struct {
	medium        string
	sectorSize    int
	listen        string
	exportName    string
	readOnly      bool
	metricsListen string
	speedTest     bool
	speedSize     sizeFlag
}

func newServeCmd(g *globals) *cobra.Command {
	f := &serveFlags{speedSize: sizeFlag{n: 8 << 20}}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Export the raw card to a host over NBD",
		Long: `Export a block device or image file as a single NBD export. Reads and
writes at any byte offset are translated into whole-sector operations on the
medium; FLUSH syncs the medium to stable storage.

Attach from a Linux host with:
  nbd-client -N sdsync 127.0.0.1 10809 /dev/nbd0

With --speed-test, the card root is benchmarked first. Without --medium the
command exits after the benchmark.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.applyConfig(cmd, g)
			return runServe(g, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.medium, "medium", "", "block device or image file to export")
	fl.IntVar(&f.sectorSize, "sector-size", blockdev.DefaultSectorSize, "medium sector size in bytes")
	fl.StringVar(&f.listen, "listen", defaultListen, "NBD listen address")
	fl.StringVar(&f.exportName, "export-name", nbd.DefaultExportName, "export name advertised to clients")
	fl.BoolVar(&f.readOnly, "read-only", false, "reject writes from the host")
	fl.StringVar(&f.metricsListen, "metrics-listen", "", "serve Prometheus metrics on ADDR")
	fl.BoolVar(&f.speedTest, "speed-test", false, "measure card throughput before serving")
	fl.Var(&f.speedSize, "speed-test-size", "bytes written by --speed-test (e.g. 64M)")
	return cmd
}

func (f *serveFlags) applyConfig(cmd *cobra.Command, g *globals) {
	mc, sc := g.cfg.Medium, g.cfg.Serve
	changed := cmd.Flags().Changed
	if !changed("medium") && mc.Path != nil {
		f.medium = *mc.Path
	}
	if !changed("sector-size") && mc.SectorSize != nil {
		f.sectorSize = *mc.SectorSize
	}
	if !changed("listen") && sc.Listen != nil {
		f.listen = *sc.Listen
	}
	if !changed("export-name") && sc.ExportName != nil {
		f.exportName = *sc.ExportName
	}
	if !changed("read-only") && sc.ReadOnly != nil {
		f.readOnly = *sc.ReadOnly
	}
	if !changed("metrics-listen") && sc.MetricsListen != nil {
		f.metricsListen = *sc.MetricsListen
	}
}

func runServe(g *globals, f *serveFlags) error {
	if f.speedTest {
		if err := runSpeedTest(g.root, f.speedSize.n); err != nil {
			return err
		}
		if f.medium == "" {
			return nil
		}
	}
	if f.medium == "" {
		return errors.New("no medium: pass --medium or set [medium] path in the config file")
	}

	m, err := blockdev.OpenFileMedium(f.medium, f.sectorSize, f.readOnly)
	if err != nil {
		return err
	}
	defer m.Close()

	tr, err := blockdev.NewTranslator(m)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", f.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", f.listen, err)
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

	medium, err := filepath.Abs(f.medium)
	if err != nil {
		medium = f.medium
	}
	state := config.ServeState{
		PID:           os.Getpid(),
		Addr:          ln.Addr().String(),
		ExportName:    f.exportName,
		Medium:        medium,
		Size:          tr.Size(),
		SectorSize:    tr.SectorSize(),
		ReadOnly:      f.readOnly,
		MetricsListen: f.metricsListen,
	}
	if err := config.WriteServeState(state); err != nil {
		slog.Warn("failed to write serve state", "error", err)
	}
	defer config.RemoveServeState()

	srv := nbd.NewServer(tr, nbd.WithExportName(f.exportName), nbd.WithReadOnly(f.readOnly))
	if err := srv.Serve(ctx, ln); err != nil {
		return err
	}
	return flushOnExit(tr)
}

func flushOnExit(tr *blockdev.Translator) error {
	if err := tr.Sync(); err != nil {
		return fmt.Errorf("flush medium: %w", err)
	}
	return nil
}

func runSpeedTest(root string, size int64) error {
	res, err := storage.SpeedTest(storage.NewLocal(root), speedTestName, size)
	if err != nil {
		return fmt.Errorf("speed test: %w", err)
	}
	fmt.Fprintf(os.Stdout, "speed test: %s  write %s/s  read %s/s\n",
		stats.FormatBytes(res.Bytes),
		stats.FormatBytes(int64(res.WriteBytesPerSec)),
		stats.FormatBytes(int64(res.ReadBytesPerSec)))
	return nil
}

func newStatusCmd(_ *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running block export, if any",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			s, err := config.ReadServeState()
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(os.Stdout, "no export running")
				return nil
			}
			if err != nil {
				return err
			}
			if !processAlive(s.PID) {
				fmt.Fprintf(os.Stdout, "stale state for pid %d (export not running)\n", s.PID)
				config.RemoveServeState()
				return nil
			}
			if !reachable(s.Addr) {
				fmt.Fprintf(os.Stdout, "pid %d is running but %s is not accepting connections\n", s.PID, s.Addr)
				return &exitError{code: 1}
			}

			mode := "read-write"
			if s.ReadOnly {
				mode = "read-only"
			}
			fmt.Fprintf(os.Stdout, "export %q on %s (pid %d)\n", s.ExportName, s.Addr, s.PID)
			fmt.Fprintf(os.Stdout, "  medium  %s\n", s.Medium)
			fmt.Fprintf(os.Stdout, "  size    %s  (%d-byte sectors, %s)\n",
				stats.FormatBytes(int64(s.Size)), s.SectorSize, mode) //nolint:gosec // G115: medium sizes fit in int64
			if s.MetricsListen != "" {
				fmt.Fprintf(os.Stdout, "  metrics http://%s/metrics\n", s.MetricsListen)
			}
			return nil
		},
	}
}

func reachable(addr string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
