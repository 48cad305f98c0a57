package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/glucomate/auditledger/internal/audit"
)

// eventRequest is the POST /api/events body. createdAt is not accepted;
// the writer always stamps it.
type eventRequest struct {
	Action        string           `json:"action"`
	Actor         *audit.Actor     `json:"actor"`
	SourceAddress string           `json:"sourceAddress"`
	Entity        *audit.EntityRef `json:"entity"`
	OldValue      audit.Payload    `json:"oldValue"`
	NewValue      audit.Payload    `json:"newValue"`
	Details       audit.Payload    `json:"details"`
}

// handleRecordEvent appends one event for an out-of-process service.
// POST /api/events
//
// 201 with the stored entry, 400 for a bad body or empty action, 503 when
// storage refuses the write. The caller decides whether 503 fails its own
// business action.
func (d *Dashboard) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ev := audit.Event{
		Action:        req.Action,
		Actor:         req.Actor,
		SourceAddress: req.SourceAddress,
		Entity:        req.Entity,
		OldValue:      req.OldValue,
		NewValue:      req.NewValue,
		Details:       req.Details,
	}
	if ev.SourceAddress == "" {
		ev.SourceAddress = audit.SourceAddressFromContext(r.Context())
	}

	entry, err := d.ledger.Append(r.Context(), ev)
	switch {
	case errors.Is(err, audit.ErrEmptyAction):
		writeError(w, http.StatusBadRequest, "action field required")
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "audit write failed")
	default:
		writeJSON(w, http.StatusCreated, entry)
	}
}

// handleLogs returns one page of entries.
// GET /api/admin/logs?page=1&pageSize=50&action=auth.*&actor=ana@example.com&since=2026-01-01
func (d *Dashboard) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := atoiOr(q.Get("page"), 1)
	pageSize := atoiOr(q.Get("pageSize"), audit.DefaultPageSize)

	p, err := d.ledger.Query(r.Context(), parseFilter(q), page, pageSize)
	if err != nil {
		slog.Error("audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleVerify runs a full verification. A broken chain is still 200;
// the body says where it broke.
// GET /api/admin/logs.verify
func (d *Dashboard) handleVerify(w http.ResponseWriter, r *http.Request) {
	res, err := d.ledger.Verify(r.Context())
	if err != nil {
		slog.Error("audit verification failed", "error", err)
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

var exportTypes = map[string]string{
	"csv":   "text/csv; charset=utf-8",
	"json":  "application/json",
	"jsonl": "application/x-ndjson",
}

// handleExport streams every matching entry, oldest first.
// GET /api/admin/logs.csv?format=csv|json|jsonl&<filters>
func (d *Dashboard) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = "csv"
	}
	contentType, ok := exportTypes[format]
	if !ok {
		writeError(w, http.StatusBadRequest, "format must be csv, json or jsonl")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-log-%s.%s"`,
		time.Now().UTC().Format("20060102"), format))

	if err := d.ledger.Export(r.Context(), w, format, parseFilter(q)); err != nil {
		// Headers are gone once the body started; log only.
		slog.Error("audit export failed", "format", format, "error", err)
	}
}

// handleActions returns the distinct action names for the filter picker.
// GET /api/admin/actions
func (d *Dashboard) handleActions(w http.ResponseWriter, r *http.Request) {
	actions, err := d.ledger.Actions(r.Context())
	if err != nil {
		slog.Error("listing actions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing actions failed")
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

type statusResponse struct {
	Status    string               `json:"status"`
	Tip       string               `json:"tip"`
	Policy    audit.Policy         `json:"policy,omitempty"`
	LastCheck *audit.MonitorStatus `json:"lastCheck"`
}

// handleStatus reports the cached tip and the monitor's last result
// without re-verifying.
// GET /api/admin/status
func (d *Dashboard) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status: "running",
		Tip:    d.ledger.Tip(),
	}
	if d.recorder != nil {
		resp.Policy = d.recorder.Policy()
	}
	if d.monitor != nil {
		if last := d.monitor.Last(); !last.CheckedAt.IsZero() {
			resp.LastCheck = &last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseFilter reads filter fields from query parameters. Unparsable dates
// are dropped rather than rejected.
func parseFilter(q url.Values) audit.Filter {
	f := audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entityType"),
		Actor:      q.Get("actor"),
		Search:     q.Get("q"),
	}
	if t, ok := parseDate(q.Get("since"), false); ok {
		f.Since = t
	}
	if t, ok := parseDate(q.Get("until"), true); ok {
		f.Until = t
	}
	return f
}

// parseDate accepts RFC 3339 or a bare YYYY-MM-DD. A bare date used as an
// upper bound covers the whole day.
func parseDate(s string, endOfDay bool) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		slog.Warn("ignoring unparsable date filter", "value", s)
		return time.Time{}, false
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, true
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
