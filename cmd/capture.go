// File: cmd/capture.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/netlogger/api/schemas"
	"github.com/xkilldash9x/netlogger/internal/browser"
	"github.com/xkilldash9x/netlogger/internal/config"
	"github.com/xkilldash9x/netlogger/internal/notify"
	"github.com/xkilldash9x/netlogger/internal/observability"
	"github.com/xkilldash9x/netlogger/internal/session"
)

// extra time Stop may take beyond browser.teardown_timeout before we export anyway
const stopGrace = 5 * time.Second

type captureOptions struct {
	output string
	follow bool
}

func newCaptureCmd() *cobra.Command {
	var (
		duration time.Duration
		headless bool
		prefix   string
		opts     captureOptions
	)

	captureCmd := &cobra.Command{
		Use:   "capture <url>",
		Short: "Record a page's fetch/XHR traffic and export it as CSV",
		Long: `Opens the URL in Chrome and records fetch and XHR requests until the duration
elapses, the browser is closed, or the command is interrupted. The log is then
written to --output, or to a generated file under export.reports_dir.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(headless)
			}
			if cmd.Flags().Changed("duration") {
				if duration < 0 {
					return fmt.Errorf("--duration must not be negative")
				}
				cfg.SetSessionDefaultDuration(duration)
			}
			if cmd.Flags().Changed("prefix") {
				cfg.SetExportPrefix(prefix)
			}

			logger := observability.GetLogger()
			engine := newEngine(cfg.Browser(), logger)
			return runCapture(cmd.Context(), cmd.OutOrStdout(), cfg, engine, args[0], opts, logger)
		},
	}

	flags := captureCmd.Flags()
	flags.DurationVarP(&duration, "duration", "d", 0, "how long to record; 0 records until interrupted (default session.default_duration)")
	flags.BoolVar(&headless, "headless", true, "run Chrome without a window (default browser.headless)")
	flags.StringVarP(&opts.output, "output", "o", "", "CSV file to write; \".csv\" is appended when missing")
	flags.StringVarP(&prefix, "prefix", "p", "", "file name prefix for generated reports")
	flags.BoolVarP(&opts.follow, "follow", "f", false, "print each request as it completes")
	return captureCmd
}

// runCapture runs one session to completion and exports it. An interrupted
// capture is still exported.
func runCapture(ctx context.Context, out io.Writer, cfg config.Interface, engine browser.Engine, target string, opts captureOptions, logger *zap.Logger) error {
	out = &lockedWriter{w: out}
	hub := notify.NewHub(logger, 256)
	defer hub.Shutdown()

	ctrl := session.NewController(engine, cfg, logger, session.WithNotifier(hub))

	followDone := make(chan struct{})
	if opts.follow {
		updates, unsubscribe := hub.Subscribe(schemas.NotifyEntryUpdated)
		defer unsubscribe()
		go func() {
			defer close(followDone)
			for n := range updates {
				if n.Entry != nil {
					fmt.Fprintln(out, formatEntry(*n.Entry))
				}
			}
		}()
	} else {
		close(followDone)
	}

	duration := cfg.Session().DefaultDuration
	if err := ctrl.Start(ctx, target, cfg.Browser().Headless, duration); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	if duration > 0 {
		fmt.Fprintf(out, "Recording %s for %s (Ctrl+C to stop early)...\n", target, duration)
	} else {
		fmt.Fprintf(out, "Recording %s until interrupted...\n", target)
	}

	select {
	case <-ctrl.Done():
	case <-ctx.Done():
		logger.Info("Interrupt received. Stopping capture.")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Browser().TeardownTimeout+stopGrace)
	defer cancel()
	ctrl.Stop(stopCtx)

	status := ctrl.Status()
	path, err := ctrl.Export(opts.output)
	if err != nil {
		return fmt.Errorf("failed to export network log: %w", err)
	}

	// Drain the follower before the summary so lines do not interleave.
	hub.Shutdown()
	<-followDone

	fmt.Fprintf(out, "Captured %d requests (%s). Report written to %s\n", status.EntryCount, status.Reason, path)
	return nil
}

func formatEntry(e schemas.LogEntry) string {
	switch e.Outcome() {
	case schemas.OutcomeFailed:
		return fmt.Sprintf("ERR %s %s (%s)", e.Method, e.URL, *e.Failure)
	case schemas.OutcomeResponded:
		if e.SizeBytes != nil {
			return fmt.Sprintf("%d %s %s (%.1fms, %s)", *e.Status, e.Method, e.URL, e.DurationMS, humanize.IBytes(uint64(*e.SizeBytes)))
		}
		return fmt.Sprintf("%d %s %s (%.1fms)", *e.Status, e.Method, e.URL, e.DurationMS)
	default:
		return fmt.Sprintf("... %s %s", e.Method, e.URL)
	}
}

// lockedWriter serializes writes from the follower and the main flow.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
