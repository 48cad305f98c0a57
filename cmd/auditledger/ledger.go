package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glucomate/auditledger/internal/audit"
)

// ============================================================================
// auditledger record: append one entry
// ============================================================================

var (
	recordActorID    string
	recordActorEmail string
	recordActorRole  string
	recordSource     string
	recordEntityType string
	recordEntityID   string
	recordOld        string
	recordNew        string
	recordDetails    string
)

var recordCmd = &cobra.Command{
	Use:   "record <action>",
	Short: "Append an entry to the ledger",
	Long: `Append one entry. Payload flags take JSON; keys are stored sorted.

Examples:
  auditledger record auth.login --actor-email ana@example.com --details '{"result":"ok"}'
  auditledger record reading.update --actor-id 7 --entity-type Reading --entity-id 42 \
      --old '{"value":110}' --new '{"value":120}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := eventFromFlags(args[0])
		if err != nil {
			return err
		}

		ctx := context.Background()
		_, ledger, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer ledger.Close()

		e, err := ledger.Append(ctx, ev)
		if err != nil {
			return fmt.Errorf("failed to record %q: %w", args[0], err)
		}
		fmt.Printf("[auditledger] Recorded entry #%d %s\n", e.ID, e.Hash)
		return nil
	},
}

func init() {
	f := recordCmd.Flags()
	f.StringVar(&recordActorID, "actor-id", "", "Acting user id")
	f.StringVar(&recordActorEmail, "actor-email", "", "Acting user email")
	f.StringVar(&recordActorRole, "actor-role", "", "Acting user role")
	f.StringVar(&recordSource, "source", "", "Source network address")
	f.StringVar(&recordEntityType, "entity-type", "", "Type of the affected object")
	f.StringVar(&recordEntityID, "entity-id", "", "Id of the affected object")
	f.StringVar(&recordOld, "old", "", "Pre-change state (JSON)")
	f.StringVar(&recordNew, "new", "", "Post-change state (JSON)")
	f.StringVar(&recordDetails, "details", "", "Free-form metadata (JSON)")
}

func eventFromFlags(action string) (audit.Event, error) {
	ev := audit.Event{Action: action, SourceAddress: recordSource}
	if recordActorID != "" || recordActorEmail != "" || recordActorRole != "" {
		ev.Actor = &audit.Actor{UserID: recordActorID, Email: recordActorEmail, Role: recordActorRole}
	}
	if recordEntityType != "" || recordEntityID != "" {
		ev.Entity = &audit.EntityRef{Type: recordEntityType, ID: recordEntityID}
	}

	var err error
	if ev.OldValue, err = jsonPayload("old", recordOld); err != nil {
		return audit.Event{}, err
	}
	if ev.NewValue, err = jsonPayload("new", recordNew); err != nil {
		return audit.Event{}, err
	}
	if ev.Details, err = jsonPayload("details", recordDetails); err != nil {
		return audit.Event{}, err
	}
	return ev, nil
}

// jsonPayload parses a JSON flag value. Empty means absent.
func jsonPayload(flag, s string) (audit.Payload, error) {
	if s == "" {
		return audit.Payload{}, nil
	}
	p, err := audit.NewPayload(json.RawMessage(s))
	if err != nil {
		return audit.Payload{}, fmt.Errorf("--%s is not valid JSON: %w", flag, err)
	}
	return p, nil
}

// ============================================================================
// auditledger tail: recent entries, optionally followed
// ============================================================================

var (
	tailFollow bool
	tailLimit  int
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent entries",
	Long:  `Show the most recent entries, oldest first. Use -f to follow new entries (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		_, ledger, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer ledger.Close()

		entries, err := ledger.Tail(ctx, tailLimit)
		if err != nil {
			return fmt.Errorf("failed to read ledger: %w", err)
		}

		var lastID int64
		for i := len(entries) - 1; i >= 0; i-- {
			printEntry(entries[i])
			lastID = entries[i].ID
		}

		if !tailFollow {
			return nil
		}
		err = ledger.Follow(ctx, lastID, 500*time.Millisecond, printEntry)
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Follow new entries in real-time")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent entries to show")
}

// ============================================================================
// auditledger query: filtered, paginated query
// ============================================================================

// Filter flags shared by query and export.
var (
	filterAction     string
	filterEntityType string
	filterActor      string
	filterSince      string
	filterUntil      string
	filterSearch     string
)

func addFilterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&filterAction, "action", "", "Action name or glob (e.g. auth.*)")
	f.StringVar(&filterEntityType, "entity-type", "", "Entity type")
	f.StringVar(&filterActor, "actor", "", "Actor user id or email")
	f.StringVar(&filterSince, "since", "", "Lower bound: duration (24h), date (2026-01-31) or RFC 3339")
	f.StringVar(&filterUntil, "until", "", "Upper bound: duration, date (whole day) or RFC 3339")
	f.StringVar(&filterSearch, "search", "", "Substring of action, details, old or new value")
}

func filterFromFlags() (audit.Filter, error) {
	now := time.Now().UTC()
	since, err := parseTimeFlag(filterSince, false, now)
	if err != nil {
		return audit.Filter{}, fmt.Errorf("--since: %w", err)
	}
	until, err := parseTimeFlag(filterUntil, true, now)
	if err != nil {
		return audit.Filter{}, fmt.Errorf("--until: %w", err)
	}
	return audit.Filter{
		Action:     filterAction,
		EntityType: filterEntityType,
		Actor:      filterActor,
		Since:      since,
		Until:      until,
		Search:     filterSearch,
	}, nil
}

var (
	queryPage     int
	queryPageSize int
	queryJSON     bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query entries with filters",
	Long: `Query the ledger, newest first.

Examples:
  auditledger query --action 'auth.*' --since 24h
  auditledger query --actor ana@example.com --entity-type Reading --page 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := filterFromFlags()
		if err != nil {
			return err
		}

		ctx := context.Background()
		_, ledger, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer ledger.Close()

		page, err := ledger.Query(ctx, f, queryPage, queryPageSize)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}

		if queryJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(page)
		}

		if page.Total == 0 {
			fmt.Println("No matching entries found.")
			return nil
		}
		for _, e := range page.Items {
			printEntry(e)
		}
		fmt.Printf("\nPage %d (%d per page), %d matching entries.\n", page.Page, page.PageSize, page.Total)
		return nil
	},
}

func init() {
	addFilterFlags(queryCmd)
	queryCmd.Flags().IntVar(&queryPage, "page", 1, "Page number")
	queryCmd.Flags().IntVar(&queryPageSize, "page-size", audit.DefaultPageSize, "Entries per page")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Print the page as JSON")
}

// ============================================================================
// auditledger verify: hash chain integrity
// ============================================================================

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Recompute every entry's hash in id order, linking each to the hash the
previous entry should have. Any edited, inserted or deleted row breaks the
chain; the command reports the first broken entry and exits non-zero.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		_, ledger, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer ledger.Close()

		res, err := ledger.Verify(ctx)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if res.OK {
			fmt.Printf("[auditledger] Hash chain VALID (%d entries verified)\n", res.Count)
			return nil
		}
		fmt.Printf("[auditledger] Hash chain BROKEN at entry #%d (%d intact entries before it)\n",
			res.BrokenAtID, res.Count)
		fmt.Printf("  Expected: %s\n", res.ExpectedHash)
		fmt.Printf("  Actual:   %s\n", res.ActualHash)
		return fmt.Errorf("audit chain integrity violation detected")
	},
}

// ============================================================================
// auditledger export
// ============================================================================

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export entries",
	Long: `Export matching entries in ascending id order. CSV rows carry prev_hash
and hash so the file can be re-verified offline.

Example:
  auditledger export --format csv --since 2026-01-01 -o audit.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := filterFromFlags()
		if err != nil {
			return err
		}

		ctx := context.Background()
		_, ledger, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer ledger.Close()

		var w io.Writer = os.Stdout
		if exportOutput != "" && exportOutput != "-" {
			file, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", exportOutput, err)
			}
			defer file.Close()
			w = file
		}
		return ledger.Export(ctx, w, exportFormat, f)
	},
}

func init() {
	addFilterFlags(exportCmd)
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: csv, json, jsonl")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default stdout)")
}

// ============================================================================
// auditledger actions
// ============================================================================

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List distinct action names",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		_, ledger, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer ledger.Close()

		actions, err := ledger.Actions(ctx)
		if err != nil {
			return fmt.Errorf("failed to list actions: %w", err)
		}
		for _, a := range actions {
			fmt.Println(a)
		}
		return nil
	},
}
