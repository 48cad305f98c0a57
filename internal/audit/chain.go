package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashPrefix tags every digest with its algorithm.
const hashPrefix = "sha256:"

// hashInput is the canonical serialization of an entry. Field order is
// fixed by the struct, optional fields encode as null, and payloads are
// embedded as their stored text. Changing anything here invalidates every
// existing ledger.
type hashInput struct {
	CreatedAt  string  `json:"created_at"`
	UserID     *string `json:"user_id"`
	UserEmail  *string `json:"user_email"`
	UserRole   *string `json:"user_role"`
	IPAddress  *string `json:"ip_address"`
	Action     string  `json:"action"`
	EntityType *string `json:"entity_type"`
	EntityID   *string `json:"entity_id"`
	OldValue   *string `json:"old_value"`
	NewValue   *string `json:"new_value"`
	Details    *string `json:"details"`
	PrevHash   string  `json:"prev_hash"`
}

// canonicalBytes returns the bytes that are hashed for e, linked to prev.
// The entry's own PrevHash is ignored so the verifier can substitute the
// hash it expects instead of trusting the stored link.
func canonicalBytes(e *Entry, prev string) []byte {
	in := hashInput{
		CreatedAt: FormatTime(e.CreatedAt),
		IPAddress: optional(e.SourceAddress),
		Action:    e.Action,
		OldValue:  e.OldValue.nullable(),
		NewValue:  e.NewValue.nullable(),
		Details:   e.Details.nullable(),
		PrevHash:  prev,
	}
	if e.Actor != nil {
		in.UserID = optional(e.Actor.UserID)
		in.UserEmail = optional(e.Actor.Email)
		in.UserRole = optional(e.Actor.Role)
	}
	if e.Entity != nil {
		in.EntityType = optional(e.Entity.Type)
		in.EntityID = optional(e.Entity.ID)
	}

	// Only strings and nil pointers: encoding cannot fail.
	data, _ := encodeCanonical(in)
	return data
}

// computeHash calculates the SHA-256 digest of e linked to prev.
// Returns a prefixed hash string: "sha256:<hex>".
func computeHash(e *Entry, prev string) string {
	sum := sha256.Sum256(canonicalBytes(e, prev))
	return hashPrefix + hex.EncodeToString(sum[:])
}

// verifyEntry checks whether an entry's stored hash matches its contents
// and its own stored PrevHash.
func verifyEntry(e *Entry) bool {
	return e.Hash == computeHash(e, e.PrevHash)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
