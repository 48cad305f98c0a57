package mongostore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/glucomate/auditledger/internal/audit"
)

// openTestStore connects to AUDITLEDGER_TEST_MONGO_URI, using a fresh
// database per test. Tests skip when the variable is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("AUDITLEDGER_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("AUDITLEDGER_TEST_MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbName := "auditledger_test_" + uuid.NewString()[:8]
	s, err := Open(ctx, Config{URI: uri, Database: dbName, Collection: "audit_log"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		_ = s.client.Database(dbName).Drop(context.Background())
		s.Close()
	})
	return s
}

func TestMongoStore_AppendQueryVerify(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	l, err := audit.NewLedger(ctx, s, audit.Options{})
	if err != nil {
		t.Fatal(err)
	}

	actor := &audit.Actor{UserID: "1", Email: "ana@example.com"}
	for _, a := range []string{"auth.login", "reading.create", "auth.login", "med.add", "reading.update"} {
		ev := audit.Event{Action: a, Actor: actor, Details: audit.MustPayload(map[string]any{"a": a})}
		if _, err := l.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	p, err := l.Query(ctx, audit.Filter{Action: "auth.login"}, 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	if p.Total != 2 {
		t.Errorf("expected 2 logins, got %d", p.Total)
	}

	p, err = l.Query(ctx, audit.Filter{Search: "READING"}, 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	if p.Total != 2 {
		t.Errorf("search should be case-insensitive, got %d", p.Total)
	}

	actions, err := l.Actions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 4 || actions[0] != "auth.login" {
		t.Errorf("unexpected actions %v", actions)
	}

	res, err := l.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Count != 5 {
		t.Errorf("expected intact chain of 5, got %+v", res)
	}
}

func TestMongoStore_TamperDetected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	l, err := audit.NewLedger(ctx, s, audit.Options{})
	if err != nil {
		t.Fatal(err)
	}
	e1, err := l.Append(ctx, audit.Event{Action: "reading.update", NewValue: audit.MustPayload(map[string]any{"value": 120})})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, audit.Event{Action: "reading.update"}); err != nil {
		t.Fatal(err)
	}

	_, err = s.col.UpdateOne(ctx, map[string]any{"_id": e1.ID},
		map[string]any{"$set": map[string]any{"newValue": `{"value":999}`}})
	if err != nil {
		t.Fatal(err)
	}

	res, err := l.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.BrokenAtID != e1.ID {
		t.Errorf("expected break at %d, got %+v", e1.ID, res)
	}
}

func TestMongoStore_StaleTipRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &audit.Entry{Action: "a", CreatedAt: time.Now().UTC(), Hash: "sha256:1"}
	if err := s.Append(ctx, first); err != nil {
		t.Fatal(err)
	}
	fork := &audit.Entry{Action: "b", CreatedAt: time.Now().UTC(), Hash: "sha256:2"}
	if err := s.Append(ctx, fork); err != audit.ErrTipMoved {
		t.Errorf("second entry with the same prev hash should be rejected, got %v", err)
	}
}

func TestMongoStore_ConcurrentWriters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	l, err := audit.NewLedger(ctx, s, audit.Options{})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := l.Append(ctx, audit.Event{Action: "load.test"}); err != nil {
					t.Errorf("Append: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	res, err := l.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Count != 40 {
		t.Errorf("expected 40 linked entries, got %+v", res)
	}
}
