package audit

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

const (
	// DefaultPageSize applies when a caller asks for a page size below 1.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps page sizes unless the reader is configured
	// otherwise.
	DefaultMaxPageSize = 1000
)

// Filter selects ledger entries. All fields are optional and AND-combined;
// malformed values degrade to "no filter" rather than failing the query.
type Filter struct {
	Action     string    // Exact match, else a glob such as "auth.*".
	EntityType string    // Exact match on entity type.
	Actor      string    // Matches the actor's user id or email.
	Since      time.Time // Inclusive lower bound on CreatedAt.
	Until      time.Time // Inclusive upper bound on CreatedAt.
	Search     string    // Substring of action, details, old or new value.
}

// Page is one page of query results, newest first.
type Page struct {
	Items    []Entry `json:"items"`
	Total    int     `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"pageSize"`
}

// Reader serves queries and verification. It never writes and is safe for
// unlimited concurrent use.
type Reader struct {
	store       Store
	maxPageSize int
}

// NewReader creates a reader. maxPageSize <= 0 selects DefaultMaxPageSize.
func NewReader(store Store, maxPageSize int) *Reader {
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}
	return &Reader{store: store, maxPageSize: maxPageSize}
}

// Query returns one page of entries matching f, newest first by id.
// page and pageSize are clamped into range instead of rejected. Total
// counts every match regardless of paging.
//
// Traversal is newest first, so an append between two page requests shifts
// later pages down by one entry.
func (r *Reader) Query(ctx context.Context, f Filter, page, pageSize int) (Page, error) {
	page, pageSize = r.clamp(page, pageSize)
	out := Page{Items: []Entry{}, Page: page, PageSize: pageSize}

	c, ok, err := r.criteria(ctx, f)
	if err != nil {
		return Page{}, err
	}
	if !ok {
		return out, nil
	}

	total, err := r.store.Count(ctx, c)
	if err != nil {
		return Page{}, err
	}
	out.Total = total
	if total == 0 {
		return out, nil
	}

	items, err := r.store.Find(ctx, c, pageSize, (page-1)*pageSize)
	if err != nil {
		return Page{}, err
	}
	out.Items = items
	return out, nil
}

// Actions returns every distinct action seen in the ledger, sorted.
func (r *Reader) Actions(ctx context.Context) ([]string, error) {
	return r.store.Actions(ctx)
}

// Tail returns the n most recent entries, newest first.
func (r *Reader) Tail(ctx context.Context, n int) ([]Entry, error) {
	p, err := r.Query(ctx, Filter{}, 1, n)
	if err != nil {
		return nil, err
	}
	return p.Items, nil
}

// Follow polls for entries newer than afterID and calls fn for each, in id
// order. Blocks until ctx is cancelled.
func (r *Reader) Follow(ctx context.Context, afterID int64, interval time.Duration, fn func(Entry)) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := r.store.Scan(ctx, afterID, func(e Entry) error {
				fn(e)
				afterID = e.ID
				return nil
			})
			if err != nil && ctx.Err() == nil {
				slog.Error("follow: error reading entries", "error", err)
			}
		}
	}
}

func (r *Reader) clamp(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > r.maxPageSize {
		pageSize = r.maxPageSize
	}
	return page, pageSize
}

// criteria resolves f into storage criteria. ok is false when the filter
// provably matches nothing (a glob that matches no known action).
func (r *Reader) criteria(ctx context.Context, f Filter) (Criteria, bool, error) {
	c := Criteria{
		EntityType: f.EntityType,
		Actor:      f.Actor,
		Since:      f.Since,
		Until:      f.Until,
		Search:     f.Search,
	}
	if f.Action == "" {
		return c, true, nil
	}

	// Actions are stored as given, so a value equal to a stored action is
	// always an exact match even if it contains glob metacharacters.
	c.Actions = []string{f.Action}
	if !isGlob(f.Action) {
		return c, true, nil
	}
	all, err := r.store.Actions(ctx)
	if err != nil {
		return Criteria{}, false, err
	}
	if slices.Contains(all, f.Action) {
		return c, true, nil
	}

	g, err := glob.Compile(f.Action, '.')
	if err != nil {
		slog.Warn("action is not a valid pattern, matching literally", "action", f.Action, "error", err)
		return c, true, nil
	}
	c.Actions = nil
	for _, a := range all {
		if g.Match(a) {
			c.Actions = append(c.Actions, a)
		}
	}
	if len(c.Actions) == 0 {
		return c, false, nil
	}
	return c, true, nil
}

func isGlob(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}
