// Package main is the CLI entry point for auditledger, a tamper-evident,
// hash-chained audit ledger for security-relevant actions.
//
// Every recorded action (login, registration, record mutation) becomes an
// append-only entry whose hash covers its own content plus the previous
// entry's hash. Editing, inserting or deleting any stored row breaks the
// chain from that row on, and `auditledger verify` reports where.
//
//	service --> POST /api/events --+
//	in-process Recorder.Record ----+--> Writer --> store (sqlite | mongo)
//	                                                   |
//	admin API / CLI <-- Reader (query, export, verify) +
//
// CLI commands (cobra):
//
//	auditledger serve            - Run the HTTP API, dashboard and integrity monitor
//	auditledger record <action>  - Append one entry
//	auditledger tail [-f]        - Show (and follow) recent entries
//	auditledger query            - Filtered, paginated query
//	auditledger verify           - Verify the hash chain
//	auditledger export           - Export entries as csv, json or jsonl
//	auditledger actions          - List distinct action names
//	auditledger config           - Show or generate config.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/glucomate/auditledger/internal/audit"
	"github.com/glucomate/auditledger/internal/audit/mongostore"
	"github.com/glucomate/auditledger/internal/config"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns ~/.auditledger/, which holds config.yaml and,
// for the sqlite driver, the audit/ directory.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".auditledger"
	}
	return filepath.Join(home, ".auditledger")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the config/state directory.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "auditledger",
	Short: "Tamper-evident audit ledger",
	Long: `auditledger records security-relevant actions in an append-only,
hash-chained ledger. Each entry's hash covers its content and the previous
entry's hash, so any edit, insertion or deletion of stored rows is
detected by 'auditledger verify'.

Run 'auditledger serve' to start the HTTP API and dashboard.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to auditledger config and state directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// Shared helpers
// ============================================================================

func configPath() string {
	return filepath.Join(configDir, "config.yaml")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the backend selected by storage.driver.
func openStore(ctx context.Context, cfg *config.Config) (audit.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverMongo:
		m := cfg.Storage.Mongo
		return mongostore.Open(ctx, mongostore.Config{
			URI:        m.URI,
			Database:   m.Database,
			Collection: m.Collection,
		})
	default:
		return audit.OpenSQLite(cfg.Storage.Path)
	}
}

// openLedger loads config and opens the ledger it points at.
func openLedger(ctx context.Context) (*config.Config, *audit.Ledger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	l, err := audit.NewLedger(ctx, store, audit.Options{MaxPageSize: cfg.Audit.MaxPageSize})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to open audit ledger: %w", err)
	}
	return cfg, l, nil
}

// parseTimeFlag accepts a duration back from now ("24h"), RFC 3339, or a
// bare date. A bare date used as an upper bound covers the whole day.
func parseTimeFlag(s string, endOfDay bool, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (use 24h, 2026-01-31 or RFC 3339)", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// printEntry formats one entry on a single line.
func printEntry(e audit.Entry) {
	actor := "system"
	if e.Actor != nil {
		actor = e.Actor.Email
		if actor == "" {
			actor = e.Actor.UserID
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] #%-6d %-24s actor=%s", audit.FormatTime(e.CreatedAt), e.ID, e.Action, actor)
	if e.Entity != nil {
		fmt.Fprintf(&b, " entity=%s", e.Entity.Type)
		if e.Entity.ID != "" {
			fmt.Fprintf(&b, "#%s", e.Entity.ID)
		}
	}
	if e.SourceAddress != "" {
		fmt.Fprintf(&b, " ip=%s", e.SourceAddress)
	}
	if !e.Details.IsZero() {
		fmt.Fprintf(&b, " details=%s", e.Details.Text())
	}
	fmt.Println(b.String())
}
