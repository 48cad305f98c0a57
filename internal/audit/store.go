package audit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTipMoved is returned by Store.Append when the entry's PrevHash no
	// longer matches the newest stored hash, i.e. someone else appended.
	ErrTipMoved = errors.New("audit chain tip moved")

	// ErrStopScan may be returned from a Scan callback to end the scan
	// early without an error.
	ErrStopScan = errors.New("stop scan")
)

// Criteria is the storage-level form of a query filter. Empty fields
// match everything; set fields are AND-combined.
type Criteria struct {
	Actions    []string // action IN (...)
	EntityType string
	Actor      string // matches user id or email
	Since      time.Time
	Until      time.Time
	Search     string // substring of action, details, old and new value text
	MaxID      int64  // id <= MaxID when > 0
}

// Store persists ledger entries. Implementations must be safe for
// concurrent readers; Append is only ever called by one Writer at a time
// per process but must still refuse to fork the chain when another
// process appended first.
type Store interface {
	// Tip returns the hash of the entry with the highest id, or "" when
	// the ledger is empty.
	Tip(ctx context.Context) (string, error)

	// Append inserts e as one atomic write if e.PrevHash equals the
	// current tip, assigning e.ID. Otherwise it returns ErrTipMoved and
	// writes nothing.
	Append(ctx context.Context, e *Entry) error

	// Scan calls fn for every entry with id > afterID in ascending id order.
	Scan(ctx context.Context, afterID int64, fn func(Entry) error) error

	// Find returns matching entries newest first.
	Find(ctx context.Context, c Criteria, limit, offset int) ([]Entry, error)

	// Count returns the number of matching entries.
	Count(ctx context.Context, c Criteria) (int, error)

	// Actions returns the distinct actions, lexically sorted.
	Actions(ctx context.Context) ([]string, error)

	Close() error
}
