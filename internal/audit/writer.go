package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrAppend is matched (errors.Is) by every storage failure from
	// Writer.Append, so callers can apply their failure policy.
	ErrAppend = errors.New("audit append failed")

	// ErrEmptyAction rejects events without an action.
	ErrEmptyAction = errors.New("audit event action is required")
)

// maxTipRetries bounds how often Append re-reads the tip after another
// writer moved it.
const maxTipRetries = 5

// AppendError wraps a storage failure. Nothing was written and the
// writer's tip is unchanged.
type AppendError struct {
	Action string
	Err    error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("audit append %q: %v", e.Action, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrAppend) true for any AppendError.
func (e *AppendError) Is(target error) bool { return target == ErrAppend }

// Writer appends entries to the ledger.
//
// Thread-safe: mu is held across read-tip, hash and insert so two
// goroutines can never link to the same predecessor. The store's
// compare-and-append covers writers in other processes.
type Writer struct {
	mu    sync.Mutex
	store Store
	tip   string // Hash of the newest stored entry ("" when empty).
	now   func() time.Time

	subMu       sync.RWMutex
	subscribers []func(Entry)
}

// NewWriter creates a writer whose tip is loaded from storage.
func NewWriter(ctx context.Context, store Store) (*Writer, error) {
	tip, err := store.Tip(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading chain tip: %w", err)
	}
	return &Writer{
		store: store,
		tip:   tip,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Tip returns the cached hash of the newest entry.
func (w *Writer) Tip() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tip
}

// Subscribe registers fn to be called with every successfully appended
// entry. Callbacks run on the appending goroutine after the writer lock is
// released and must not block.
func (w *Writer) Subscribe(fn func(Entry)) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// Append records ev and returns the persisted entry with its id.
func (w *Writer) Append(ctx context.Context, ev Event) (Entry, error) {
	if ev.Action == "" {
		return Entry{}, ErrEmptyAction
	}

	e, err := w.append(ctx, ev)
	if err != nil {
		slog.Error("audit append failed", "action", ev.Action, "error", err)
		return Entry{}, &AppendError{Action: ev.Action, Err: err}
	}

	w.subMu.RLock()
	subs := w.subscribers
	w.subMu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
	return e, nil
}

func (w *Writer) append(ctx context.Context, ev Event) (Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for attempt := 0; ; attempt++ {
		e := Entry{
			CreatedAt:     w.now(),
			Actor:         ev.Actor,
			SourceAddress: ev.SourceAddress,
			Action:        ev.Action,
			Entity:        ev.Entity,
			OldValue:      ev.OldValue,
			NewValue:      ev.NewValue,
			Details:       ev.Details,
			PrevHash:      w.tip,
		}
		e.Hash = computeHash(&e, e.PrevHash)

		err := w.store.Append(ctx, &e)
		if err == nil {
			w.tip = e.Hash
			return e, nil
		}
		if !errors.Is(err, ErrTipMoved) || attempt >= maxTipRetries {
			return Entry{}, err
		}

		// Another process appended since our tip was loaded.
		tip, tipErr := w.store.Tip(ctx)
		if tipErr != nil {
			return Entry{}, tipErr
		}
		slog.Warn("audit chain tip moved, relinking", "cached", w.tip, "stored", tip)
		w.tip = tip
	}
}
