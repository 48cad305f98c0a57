package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
)

// csvHeader lists the export columns. prev_hash and hash are included so
// an exported file can be re-verified offline.
var csvHeader = []string{
	"id", "created_at", "user_id", "user_email", "user_role", "ip_address", "action",
	"entity_type", "entity_id", "old_value", "new_value", "details", "prev_hash", "hash",
}

// Export writes every entry matching f to w in ascending id order.
// Supported formats: "jsonl" (default), "json", "csv".
func (r *Reader) Export(ctx context.Context, w io.Writer, format string, f Filter) error {
	switch format {
	case "json", "jsonl", "csv", "":
	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}

	entries, err := r.collect(ctx, f)
	if err != nil {
		return fmt.Errorf("reading entries for export: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write(csvRecord(e)); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	default:
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
}

// collect gathers all matches and returns them oldest first. The result is
// pinned to the entries present when collection starts: later appends get
// higher ids, so they cannot shift the pages still to be read.
func (r *Reader) collect(ctx context.Context, f Filter) ([]Entry, error) {
	all := []Entry{}
	c, ok, err := r.criteria(ctx, f)
	if err != nil || !ok {
		return all, err
	}

	newest, err := r.store.Find(ctx, Criteria{}, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(newest) == 0 {
		return all, nil
	}
	c.MaxID = newest[0].ID

	for offset := 0; ; offset += r.maxPageSize {
		items, err := r.store.Find(ctx, c, r.maxPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if len(items) < r.maxPageSize {
			break
		}
	}
	slices.Reverse(all)
	return all, nil
}

func csvRecord(e Entry) []string {
	var userID, email, role, entityType, entityID string
	if e.Actor != nil {
		userID, email, role = e.Actor.UserID, e.Actor.Email, e.Actor.Role
	}
	if e.Entity != nil {
		entityType, entityID = e.Entity.Type, e.Entity.ID
	}
	return []string{
		strconv.FormatInt(e.ID, 10),
		FormatTime(e.CreatedAt),
		userID, email, role,
		e.SourceAddress,
		e.Action,
		entityType, entityID,
		e.OldValue.Text(), e.NewValue.Text(), e.Details.Text(),
		e.PrevHash,
		e.Hash,
	}
}
