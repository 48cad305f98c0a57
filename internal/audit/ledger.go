package audit

import (
	"context"
	"log/slog"
)

// Ledger bundles a store with its single Writer and a Reader. One Ledger
// per store per process; construct it once at startup and share it.
type Ledger struct {
	*Writer
	*Reader
	store Store
}

// Options configures a Ledger.
type Options struct {
	MaxPageSize int // Upper bound for query page sizes (0 = DefaultMaxPageSize).
}

// NewLedger wraps store, loading the chain tip from it. The ledger owns the
// store from here on and closes it in Close.
func NewLedger(ctx context.Context, store Store, opts Options) (*Ledger, error) {
	w, err := NewWriter(ctx, store)
	if err != nil {
		return nil, err
	}
	slog.Info("audit ledger opened", "tip", w.Tip())
	return &Ledger{
		Writer: w,
		Reader: NewReader(store, opts.MaxPageSize),
		store:  store,
	}, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
