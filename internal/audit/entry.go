// Package audit implements the tamper-evident, hash-chained audit ledger.
//
// Every security-relevant action (login, registration, record mutation) is
// recorded as an Entry in an append-only table. Each entry's hash is computed
// over its own canonical serialization plus the previous entry's hash,
// forming a chain where editing or removing any row breaks verification from
// that row forward.
//
// The package is split along the ledger's two responsibilities:
//
//	Writer   - serialized append: read tip, stamp, hash, insert, advance tip
//	Reader   - filtered queries, distinct actions, export, chain verification
//
// Storage sits behind the Store interface. SQLiteStore is the default
// backend; the mongostore subpackage provides a MongoDB one.
package audit

import (
	"encoding/json"
	"time"
)

// timeLayout is the fixed-width UTC layout used for created_at, both in
// storage and in the hash input. Fixed width keeps lexical order equal to
// chronological order for since/until filters.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Actor is a snapshot of who performed an action at the time it happened.
type Actor struct {
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

// EntityRef identifies the object an action targets.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Entry is a single, immutable ledger record.
//
// ID is assigned by storage at insert time and is the only source of chain
// order. CreatedAt is informational.
type Entry struct {
	ID            int64      `json:"id"`
	CreatedAt     time.Time  `json:"createdAt"`
	Actor         *Actor     `json:"actor"`
	SourceAddress string     `json:"sourceAddress,omitempty"`
	Action        string     `json:"action"`
	Entity        *EntityRef `json:"entity"`
	OldValue      Payload    `json:"oldValue"`
	NewValue      Payload    `json:"newValue"`
	Details       Payload    `json:"details"`
	PrevHash      string     `json:"prevHash"`
	Hash          string     `json:"hash"`
}

// Event is the input to Writer.Append. Only Action is required.
type Event struct {
	Action        string
	Actor         *Actor
	SourceAddress string
	Entity        *EntityRef
	OldValue      Payload
	NewValue      Payload
	Details       Payload
}

// MarshalJSON renders CreatedAt in the ledger's fixed layout so exported
// timestamps are exactly the ones that were hashed.
func (e Entry) MarshalJSON() ([]byte, error) {
	type alias Entry
	return json.Marshal(struct {
		alias
		CreatedAt string `json:"createdAt"`
	}{alias: alias(e), CreatedAt: FormatTime(e.CreatedAt)})
}

// FormatTime renders t in the ledger layout. The zero time renders empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// ParseTime is the inverse of FormatTime. Rows written by other tools in
// plain RFC 3339 are accepted too.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
