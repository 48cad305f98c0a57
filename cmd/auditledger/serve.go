package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glucomate/auditledger/internal/audit"
	"github.com/glucomate/auditledger/internal/config"
	"github.com/glucomate/auditledger/internal/dashboard"
)

// ============================================================================
// auditledger serve: HTTP API, dashboard and integrity monitor
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the audit ledger server",
	Long: `Start the HTTP server. It accepts events on POST /api/events, serves the
admin API under /api/admin/ and, when enabled, the dashboard at /dashboard.

Listens on host:port from config.yaml (default 127.0.0.1:3200). Changes to
audit.policy in config.yaml apply without a restart.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Step 1: Config and storage ---
	cfg, ledger, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer ledger.Close()

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	recorder := audit.NewRecorder(ledger.Writer, policy)

	// Lifecycle events go through the recorder like any other action so
	// they follow the configured failure policy.
	if err := recorder.Record(ctx, "system.start", audit.WithDetails(map[string]any{
		"version": version,
		"commit":  commit,
		"driver":  cfg.Storage.Driver,
		"host":    cfg.Server.Host,
		"port":    cfg.Server.Port,
	})); err != nil {
		return fmt.Errorf("failed to record startup: %w", err)
	}

	// --- Step 2: Integrity monitor ---
	interval := time.Duration(cfg.Audit.VerifyIntervalSec) * time.Second
	monitor := audit.NewMonitor(ledger.Reader, interval)
	if interval > 0 {
		go monitor.Run(ctx)
	}

	// --- Step 3: HTTP surface ---
	dash := dashboard.New(dashboard.Options{
		Ledger:   ledger,
		Recorder: recorder,
		Monitor:  monitor,
		UI:       cfg.Dashboard.Enabled,
	})
	defer dash.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           dash.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Exports stream the whole ledger, so no WriteTimeout.
	}

	// --- Step 4: Hot reload of config.yaml ---
	// Only the failure policy is applied live; storage and listen address
	// need a restart.
	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnConfigChange: func() {
			if err := reloadPolicy(ctx, recorder, configPath()); err != nil {
				slog.Error("config reload failed", "error", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	// --- Step 5: Serve until signal or server error ---
	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[auditledger] Listening on http://%s (%s storage, %s policy)\n",
			addr, cfg.Storage.Driver, recorder.Policy())
		if cfg.Dashboard.Enabled {
			fmt.Printf("[auditledger] Dashboard at http://%s/dashboard\n", addr)
		}
		fmt.Println("[auditledger] Press Ctrl+C to stop")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[auditledger] Shutting down (signal received)...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[auditledger] Shutdown error: %v\n", shutdownErr)
	}

	if err := recorder.Record(shutdownCtx, "system.stop"); err != nil {
		slog.Error("failed to record shutdown", "error", err)
	}

	fmt.Println("[auditledger] Stopped")
	return nil
}

// reloadPolicy re-reads the config at path and applies its audit policy to
// rec. A change is recorded as system.config_reload; under the strict
// policy a failure to record it is returned.
func reloadPolicy(ctx context.Context, rec *audit.Recorder, path string) error {
	next, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	p, err := next.Policy()
	if err != nil {
		return err
	}
	prev := rec.Policy()
	if p == prev {
		return nil
	}
	rec.SetPolicy(p)
	fmt.Printf("[auditledger] Audit policy changed: %s -> %s\n", prev, p)

	if err := rec.Record(ctx, "system.config_reload", audit.WithDetails(map[string]any{
		"policy":         string(p),
		"previousPolicy": string(prev),
	})); err != nil {
		return fmt.Errorf("failed to record config reload: %w", err)
	}
	return nil
}
