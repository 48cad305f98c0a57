package audit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	l, err := NewLedger(context.Background(), store, Options{})
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func mustAppend(t *testing.T, l *Ledger, ev Event) Entry {
	t.Helper()
	e, err := l.Append(context.Background(), ev)
	if err != nil {
		t.Fatalf("Append(%s): %v", ev.Action, err)
	}
	return e
}

// tamper edits a stored column directly, bypassing the writer.
func tamper(t *testing.T, l *Ledger, column string, value any, id int64) {
	t.Helper()
	db := l.store.(*SQLiteStore).db
	if _, err := db.Exec("UPDATE audit_log SET "+column+" = ? WHERE id = ?", value, id); err != nil {
		t.Fatalf("tamper %s: %v", column, err)
	}
}

func TestAppend_AssignsIDsAndLinks(t *testing.T) {
	l := newTestLedger(t)

	e1 := mustAppend(t, l, Event{Action: "auth.login"})
	e2 := mustAppend(t, l, Event{Action: "reading.create"})
	e3 := mustAppend(t, l, Event{Action: "reading.update"})

	if e1.PrevHash != "" {
		t.Errorf("first entry should link to the empty hash, got %q", e1.PrevHash)
	}
	if e2.PrevHash != e1.Hash || e3.PrevHash != e2.Hash {
		t.Error("each entry should link to its predecessor's hash")
	}
	if !(e1.ID < e2.ID && e2.ID < e3.ID) {
		t.Errorf("ids should increase: %d %d %d", e1.ID, e2.ID, e3.ID)
	}
	if l.Tip() != e3.Hash {
		t.Error("tip should be the newest hash")
	}
	if e1.CreatedAt.IsZero() {
		t.Error("writer should stamp CreatedAt")
	}
}

func TestAppend_EmptyAction(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Append(context.Background(), Event{})
	if !errors.Is(err, ErrEmptyAction) {
		t.Fatalf("expected ErrEmptyAction, got %v", err)
	}
	res, _ := l.Verify(context.Background())
	if res.Count != 0 {
		t.Error("rejected event must not be written")
	}
}

func TestAppend_UnknownActionAccepted(t *testing.T) {
	l := newTestLedger(t)
	e := mustAppend(t, l, Event{Action: "something-without-a-domain"})
	if e.Action != "something-without-a-domain" {
		t.Errorf("action should be stored as-is, got %q", e.Action)
	}
}

func TestStoredEntries_ReproduceHash(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	mustAppend(t, l, Event{
		Action:        "reading.update",
		Actor:         &Actor{UserID: "7", Email: "ana@example.com", Role: "user"},
		SourceAddress: "203.0.113.9",
		Entity:        &EntityRef{Type: "Reading", ID: "42"},
		OldValue:      MustPayload(map[string]any{"value": 110, "unit": "mg/dL"}),
		NewValue:      MustPayload(map[string]any{"value": 120, "unit": "mg/dL"}),
		Details:       MustPayload(map[string]any{"source": "app"}),
	})
	mustAppend(t, l, Event{Action: "auth.logout"})

	var prev string
	err := l.store.Scan(ctx, 0, func(e Entry) error {
		if e.PrevHash != prev {
			t.Errorf("entry %d: prev hash %q, want %q", e.ID, e.PrevHash, prev)
		}
		if got := computeHash(&e, e.PrevHash); got != e.Hash {
			t.Errorf("entry %d: recomputed %s, stored %s", e.ID, got, e.Hash)
		}
		prev = e.Hash
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestVerify_EmptyLedger(t *testing.T) {
	l := newTestLedger(t)

	res, err := l.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Count != 0 {
		t.Errorf("expected {ok: true, count: 0}, got %+v", res)
	}
}

func TestVerify_ThreeEntries(t *testing.T) {
	l := newTestLedger(t)
	for _, a := range []string{"auth.login", "reading.create", "reading.update"} {
		mustAppend(t, l, Event{Action: a})
	}

	res, err := l.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Count != 3 {
		t.Errorf("expected {ok: true, count: 3}, got %+v", res)
	}
}

func TestVerify_TamperedNewValue(t *testing.T) {
	l := newTestLedger(t)
	e1 := mustAppend(t, l, Event{Action: "reading.create", NewValue: MustPayload(map[string]any{"value": 100})})
	mustAppend(t, l, Event{Action: "reading.update", NewValue: MustPayload(map[string]any{"value": 101})})

	tamper(t, l, "new_value", `{"value":99}`, e1.ID)

	res, err := l.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.BrokenAtID != e1.ID {
		t.Errorf("expected {ok: false, brokenAtId: %d}, got %+v", e1.ID, res)
	}
	if res.Count != 0 {
		t.Errorf("no entry precedes the break, got count %d", res.Count)
	}
}

func TestVerify_ReportsEarliestTamperedRow(t *testing.T) {
	tests := []struct {
		column         string
		later, earlier any
	}{
		{"action", "auth.logiN", "auth.logiN"},
		{"details", `{"result":"fail"}`, `{"result":"fail"}`},
		{"user_email", "mallory@example.com", "mallory@example.com"},
		{"created_at", "2020-01-01T00:00:00.000000000Z", "2020-01-01T00:00:00.000000000Z"},
		{"prev_hash", "sha256:forged-1", "sha256:forged-2"}, // UNIQUE column
		{"hash", "sha256:forged", "sha256:forged"},
	}

	for _, tt := range tests {
		t.Run(tt.column, func(t *testing.T) {
			l := newTestLedger(t)
			var ids []int64
			for i := 0; i < 6; i++ {
				e := mustAppend(t, l, Event{
					Action:  "auth.login",
					Actor:   &Actor{UserID: "1", Email: "ana@example.com"},
					Details: MustPayload(map[string]any{"result": "ok", "n": i}),
				})
				ids = append(ids, e.ID)
			}

			// Tamper a later row first, then an earlier one: the report
			// must name the earliest.
			tamper(t, l, tt.column, tt.later, ids[4])
			tamper(t, l, tt.column, tt.earlier, ids[2])

			res, err := l.Verify(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if res.OK {
				t.Fatal("tampered chain should not verify")
			}
			if res.BrokenAtID != ids[2] {
				t.Errorf("expected break at %d, got %d", ids[2], res.BrokenAtID)
			}
			if res.Count != 2 {
				t.Errorf("expected 2 intact entries, got %d", res.Count)
			}
		})
	}
}

func TestVerify_DeletedRow(t *testing.T) {
	l := newTestLedger(t)
	var ids []int64
	for i := 0; i < 4; i++ {
		ids = append(ids, mustAppend(t, l, Event{Action: "reading.create"}).ID)
	}

	db := l.store.(*SQLiteStore).db
	if _, err := db.Exec("DELETE FROM audit_log WHERE id = ?", ids[1]); err != nil {
		t.Fatal(err)
	}

	res, err := l.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.BrokenAtID != ids[2] {
		t.Errorf("removing a row should break the chain at its successor, got %+v", res)
	}
}

func TestVerify_ManyAppends(t *testing.T) {
	l := newTestLedger(t)
	const n = 50
	for i := 0; i < n; i++ {
		mustAppend(t, l, Event{Action: "reading.create", Details: MustPayload(map[string]any{"i": i})})
	}
	res, err := l.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Count != n {
		t.Errorf("expected {ok: true, count: %d}, got %+v", n, res)
	}
}

func TestWriter_ResumesFromStoredTip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	l, err := NewLedger(ctx, store, Options{})
	if err != nil {
		t.Fatal(err)
	}
	last := mustAppend(t, l, Event{Action: "auth.login"})
	l.Close()

	// A new process sees the same tip.
	store, err = OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	l, err = NewLedger(ctx, store, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if l.Tip() != last.Hash {
		t.Fatalf("tip after reopen: got %q, want %q", l.Tip(), last.Hash)
	}
	next := mustAppend(t, l, Event{Action: "auth.logout"})
	if next.PrevHash != last.Hash {
		t.Error("first append after restart should link to the stored tip")
	}
	if res, _ := l.Verify(ctx); !res.OK || res.Count != 2 {
		t.Errorf("unexpected verify result %+v", res)
	}
}

func TestWriter_ConcurrentAppendsDoNotFork(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	const workers, perWorker = 2, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := l.Append(ctx, Event{Action: "reading.create"}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("append: %v", err)
	}

	assertLinear(t, l, workers*perWorker)
}

// Two writers on one store stand in for two processes: each has its own
// mutex and tip cache, so only the store's compare-and-append keeps the
// chain linear.
func TestWriter_TwoWritersOneStore(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	other, err := NewWriter(ctx, l.store)
	if err != nil {
		t.Fatal(err)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, w := range []*Writer{l.Writer, other} {
		wg.Add(1)
		go func(w *Writer) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := w.Append(ctx, Event{Action: "auth.login"})
				if err != nil {
					// Losing every retry is allowed; writing a fork is not.
					if !errors.Is(err, ErrAppend) || !errors.Is(err, ErrTipMoved) {
						t.Errorf("unexpected append error: %v", err)
					}
					continue
				}
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assertLinear(t, l, ok)
}

func assertLinear(t *testing.T, l *Ledger, want int) {
	t.Helper()
	ctx := context.Background()

	seen := map[string]bool{}
	var prev string
	n := 0
	err := l.store.Scan(ctx, 0, func(e Entry) error {
		if seen[e.PrevHash] {
			t.Errorf("fork: two entries link to %q", e.PrevHash)
		}
		seen[e.PrevHash] = true
		if e.PrevHash != prev {
			t.Errorf("entry %d links to %q, want %q", e.ID, e.PrevHash, prev)
		}
		prev = e.Hash
		n++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != want {
		t.Errorf("expected %d entries, got %d", want, n)
	}

	res, err := l.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Count != want {
		t.Errorf("expected {ok: true, count: %d}, got %+v", want, res)
	}
}

// failingStore fails every Append while fail is set.
type failingStore struct {
	Store
	fail bool
}

func (s *failingStore) Append(ctx context.Context, e *Entry) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Append(ctx, e)
}

func TestAppend_StoreFailureKeepsTip(t *testing.T) {
	base := newTestLedger(t)
	ctx := context.Background()
	fs := &failingStore{Store: base.store}

	w, err := NewWriter(ctx, fs)
	if err != nil {
		t.Fatal(err)
	}
	first, err := w.Append(ctx, Event{Action: "auth.login"})
	if err != nil {
		t.Fatal(err)
	}

	fs.fail = true
	_, err = w.Append(ctx, Event{Action: "auth.login"})
	if !errors.Is(err, ErrAppend) {
		t.Fatalf("expected ErrAppend, got %v", err)
	}
	var ae *AppendError
	if !errors.As(err, &ae) || ae.Action != "auth.login" {
		t.Errorf("expected *AppendError for auth.login, got %#v", err)
	}
	if w.Tip() != first.Hash {
		t.Error("failed append must not advance the tip")
	}

	fs.fail = false
	next, err := w.Append(ctx, Event{Action: "auth.logout"})
	if err != nil {
		t.Fatal(err)
	}
	if next.PrevHash != first.Hash {
		t.Error("append after a failure should link to the last stored entry")
	}
	if res, _ := base.Verify(ctx); !res.OK || res.Count != 2 {
		t.Errorf("unexpected verify result %+v", res)
	}
}

func TestWriter_Subscribe(t *testing.T) {
	l := newTestLedger(t)
	var got []string
	l.Subscribe(func(e Entry) { got = append(got, e.Action) })

	mustAppend(t, l, Event{Action: "a.x"})
	mustAppend(t, l, Event{Action: "a.y"})
	_, _ = l.Append(context.Background(), Event{})

	if len(got) != 2 || got[0] != "a.x" || got[1] != "a.y" {
		t.Errorf("subscriber should see successful appends only, got %v", got)
	}
}

func TestMonitor_Check(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	e := mustAppend(t, l, Event{Action: "auth.login"})

	m := NewMonitor(l.Reader, time.Hour)
	if !m.Last().CheckedAt.IsZero() {
		t.Error("no check has run yet")
	}
	if res, err := m.Check(ctx); err != nil || !res.OK {
		t.Fatalf("check: %+v %v", res, err)
	}

	tamper(t, l, "action", "auth.logout", e.ID)

	// A non-positive interval checks once and returns.
	once := NewMonitor(l.Reader, 0)
	once.Run(ctx)
	st := once.Last()
	if st.Result.OK || st.Result.BrokenAtID != e.ID {
		t.Errorf("monitor should report the break at %d, got %+v", e.ID, st.Result)
	}
	if st.CheckedAt.IsZero() {
		t.Error("CheckedAt should be set after a check")
	}
}
