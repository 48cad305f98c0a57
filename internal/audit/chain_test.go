package audit

import (
	"strings"
	"testing"
	"time"
)

func testEntry() Entry {
	return Entry{
		CreatedAt:     time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC),
		Actor:         &Actor{UserID: "7", Email: "ana@example.com", Role: "admin"},
		SourceAddress: "10.0.0.5",
		Action:        "reading.update",
		Entity:        &EntityRef{Type: "Reading", ID: "42"},
		OldValue:      MustPayload(map[string]any{"value": 110}),
		NewValue:      MustPayload(map[string]any{"value": 120}),
		Details:       MustPayload(map[string]any{"note": "after meal"}),
	}
}

func TestComputeHash_Deterministic(t *testing.T) {
	e := testEntry()

	hash1 := computeHash(&e, "sha256:00")
	hash2 := computeHash(&e, "sha256:00")

	if hash1 != hash2 {
		t.Error("same input should produce the same hash")
	}
	if !strings.HasPrefix(hash1, "sha256:") {
		t.Errorf("hash should start with 'sha256:', got %q", hash1)
	}
	if len(hash1) != len("sha256:")+64 {
		t.Errorf("hash should carry 64 hex digits, got %q", hash1)
	}
}

func TestComputeHash_SensitiveToAllFields(t *testing.T) {
	base := testEntry()
	baseHash := computeHash(&base, "sha256:abc")

	// Change each field and verify hash changes.
	tests := []struct {
		name   string
		modify func(e *Entry)
	}{
		{"created_at", func(e *Entry) { e.CreatedAt = e.CreatedAt.Add(time.Nanosecond) }},
		{"user_id", func(e *Entry) { e.Actor = &Actor{UserID: "8", Email: "ana@example.com", Role: "admin"} }},
		{"user_email", func(e *Entry) { e.Actor = &Actor{UserID: "7", Email: "bob@example.com", Role: "admin"} }},
		{"user_role", func(e *Entry) { e.Actor = &Actor{UserID: "7", Email: "ana@example.com", Role: "user"} }},
		{"actor_removed", func(e *Entry) { e.Actor = nil }},
		{"ip_address", func(e *Entry) { e.SourceAddress = "10.0.0.6" }},
		{"action", func(e *Entry) { e.Action = "reading.delete" }},
		{"entity_type", func(e *Entry) { e.Entity = &EntityRef{Type: "Med", ID: "42"} }},
		{"entity_id", func(e *Entry) { e.Entity = &EntityRef{Type: "Reading", ID: "43"} }},
		{"old_value", func(e *Entry) { e.OldValue = MustPayload(map[string]any{"value": 111}) }},
		{"new_value", func(e *Entry) { e.NewValue = Payload{} }},
		{"details", func(e *Entry) { e.Details = MustPayload("x") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := base // copy
			tt.modify(&modified)
			if computeHash(&modified, "sha256:abc") == baseHash {
				t.Errorf("changing %s should produce a different hash", tt.name)
			}
		})
	}

	t.Run("prev_hash", func(t *testing.T) {
		if computeHash(&base, "sha256:xyz") == baseHash {
			t.Error("changing prev hash should produce a different hash")
		}
	})
}

func TestComputeHash_IgnoresStoredIDAndLinks(t *testing.T) {
	e := testEntry()
	want := computeHash(&e, "")

	e.ID = 99
	e.PrevHash = "sha256:whatever"
	e.Hash = "sha256:whatever"
	if got := computeHash(&e, ""); got != want {
		t.Error("id, stored prev hash and stored hash must not feed the digest")
	}
}

func TestCanonicalBytes_FieldOrderAndNulls(t *testing.T) {
	e := Entry{
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
		Action:    "auth.login",
	}
	got := string(canonicalBytes(&e, ""))
	want := `{"created_at":"2026-01-02T03:04:05.000000006Z","user_id":null,"user_email":null,` +
		`"user_role":null,"ip_address":null,"action":"auth.login","entity_type":null,` +
		`"entity_id":null,"old_value":null,"new_value":null,"details":null,"prev_hash":""}`
	if got != want {
		t.Errorf("canonical form:\n got %s\nwant %s", got, want)
	}
}

func TestVerifyEntry_TamperedField(t *testing.T) {
	e := testEntry()
	e.PrevHash = "sha256:00"
	e.Hash = computeHash(&e, e.PrevHash)

	if !verifyEntry(&e) {
		t.Fatal("entry with correct hash should verify")
	}

	// Tamper with the action after computing the hash.
	e.Action = "reading.create"
	if verifyEntry(&e) {
		t.Error("entry with tampered field should not verify")
	}
}
