// Package dashboard serves the auditledger HTTP surface: the admin API,
// event intake for out-of-process services, and a small web UI.
//
//	POST /api/events             Append one event
//	GET  /api/admin/logs         Filtered, paginated entries
//	GET  /api/admin/logs.verify  Full chain verification
//	GET  /api/admin/logs.csv     Export (csv, or format=json|jsonl)
//	GET  /api/admin/actions      Distinct action names
//	GET  /api/admin/status       Tip hash and last integrity check
//	GET  /health
//	GET  /dashboard              Single-page HTML
//	GET  /dashboard/ws           Live feed of appended entries
//
// Authentication and authorization of the admin routes are left to the
// deployment (reverse proxy or network policy).
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/glucomate/auditledger/internal/audit"
)

// Options holds the dependencies injected into the dashboard.
type Options struct {
	Ledger   *audit.Ledger
	Recorder *audit.Recorder // Optional; only used to report the live policy.
	Monitor  *audit.Monitor  // Optional; nil omits the last check from status.

	// UI enables /dashboard and /dashboard/ws.
	UI bool
}

// Dashboard serves the HTTP API and web UI.
type Dashboard struct {
	ledger   *audit.Ledger
	recorder *audit.Recorder
	monitor  *audit.Monitor
	ui       bool
	hub      *wsHub
}

// New creates a Dashboard. When the UI is enabled, every entry appended
// through the ledger's writer is pushed to connected WebSocket clients.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		ledger:   opts.Ledger,
		recorder: opts.Recorder,
		monitor:  opts.Monitor,
		ui:       opts.UI,
	}

	if d.ui {
		d.hub = newWSHub()
		go d.hub.run()
		d.ledger.Subscribe(d.BroadcastEntry)
	}

	return d
}

// Handler returns the router for all dashboard routes.
func (d *Dashboard) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(sourceAddress)
	r.Use(accessLog)

	r.Get("/health", d.handleHealth)
	r.Post("/api/events", d.handleRecordEvent)

	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/logs", d.handleLogs)
		r.Get("/logs.verify", d.handleVerify)
		r.Get("/logs.csv", d.handleExport)
		r.Get("/actions", d.handleActions)
		r.Get("/status", d.handleStatus)
	})

	if d.ui {
		r.Get("/dashboard", d.handleUI)
		r.Get("/dashboard/ws", d.handleWebSocket)
	}

	return r
}

// Close stops the WebSocket hub and disconnects its clients.
func (d *Dashboard) Close() {
	if d.hub != nil {
		d.hub.stop()
	}
}

// BroadcastEntry sends an entry to all connected WebSocket clients.
// Non-blocking: with no clients or a full buffer the entry is dropped.
func (d *Dashboard) BroadcastEntry(e audit.Entry) {
	if d.hub == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal broadcast entry", "error", err)
		return
	}
	d.hub.broadcast(data)
}

func (d *Dashboard) handleUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// dashboardHTML is the embedded single-page UI: filter form, paginated
// entry table, chain status and a live feed over WebSocket. No build step.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Audit Ledger</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; margin-bottom: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  form { display: flex; flex-wrap: wrap; gap: 8px; }
  input, select { background: #0d1117; border: 1px solid #30363d; color: #e1e4e8; padding: 4px 8px; border-radius: 4px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; vertical-align: top; }
  td.mono { font-family: monospace; font-size: 11px; max-width: 320px; word-break: break-all; }
  .ok { color: #3fb950; }
  .broken { color: #f85149; font-weight: bold; }
  #live-feed { max-height: 240px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
  .btn { background: #21262d; border: 1px solid #30363d; color: #e1e4e8;
         padding: 4px 12px; border-radius: 4px; cursor: pointer; font-size: 12px; }
  .btn:hover { background: #30363d; }
</style>
</head>
<body>
<h1>Audit Ledger</h1>
<p class="subtitle">Hash-chained record of security-relevant actions</p>

<div class="card">
  <h2>Chain</h2>
  <div id="chain-status">Loading...</div>
  <button class="btn" onclick="verify()">Verify now</button>
</div>

<div class="card">
  <h2>Entries</h2>
  <form id="filters" onsubmit="page=1; refresh(); return false;">
    <select name="action" id="action-select"><option value="">all actions</option></select>
    <input name="entityType" placeholder="entity type">
    <input name="actor" placeholder="user id or email">
    <input name="since" placeholder="since (YYYY-MM-DD)">
    <input name="until" placeholder="until (YYYY-MM-DD)">
    <input name="q" placeholder="search">
    <button class="btn" type="submit">Apply</button>
    <button class="btn" type="button" onclick="exportCSV()">Export CSV</button>
  </form>
  <table>
    <thead><tr><th>ID</th><th>Time</th><th>Actor</th><th>IP</th><th>Action</th><th>Entity</th><th>Details</th></tr></thead>
    <tbody id="entries-tbody"><tr><td colspan="7">Loading...</td></tr></tbody>
  </table>
  <p><button class="btn" onclick="prev()">Prev</button> <span id="page-info"></span> <button class="btn" onclick="next()">Next</button></p>
</div>

<div class="card">
  <h2>Live Feed</h2>
  <div id="live-feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
let page = 1, pageSize = 50, total = 0;
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;').replace(/'/g,'&#39;');
}
function filterParams() {
  const p = new URLSearchParams(new FormData(document.getElementById('filters')));
  for (const [k, v] of [...p.entries()]) { if (!v) p.delete(k); }
  return p;
}
function actorText(a) { return a ? (a.email || a.userId || '') : 'system'; }
function entityText(e) { return e ? e.type + (e.id ? '#' + e.id : '') : ''; }
async function refresh() {
  const p = filterParams();
  p.set('page', page); p.set('pageSize', pageSize);
  try {
    const res = await fetch('/api/admin/logs?' + p.toString());
    const data = await res.json();
    total = data.total;
    const tbody = document.getElementById('entries-tbody');
    if (data.items.length === 0) { tbody.innerHTML = '<tr><td colspan="7">No entries</td></tr>'; }
    else tbody.innerHTML = data.items.map(e => '<tr><td>' + e.id + '</td><td>' + esc(e.createdAt) +
      '</td><td>' + esc(actorText(e.actor)) + '</td><td>' + esc(e.sourceAddress) + '</td><td>' + esc(e.action) +
      '</td><td>' + esc(entityText(e.entity)) + '</td><td class="mono">' + esc(JSON.stringify(e.details)) + '</td></tr>').join('');
    document.getElementById('page-info').textContent = 'page ' + data.page + ' of ' + Math.max(1, Math.ceil(total / pageSize)) + ' (' + total + ' entries)';
  } catch(e) { console.error('refresh failed:', e); }
}
async function loadActions() {
  const res = await fetch('/api/admin/actions');
  const actions = await res.json();
  const sel = document.getElementById('action-select');
  actions.forEach(a => { const o = document.createElement('option'); o.value = a; o.textContent = a; sel.appendChild(o); });
}
async function loadStatus() {
  const res = await fetch('/api/admin/status');
  const s = await res.json();
  renderChain(s.lastCheck ? s.lastCheck.result : null, s.tip);
}
function renderChain(r, tip) {
  const el = document.getElementById('chain-status');
  if (!r) { el.innerHTML = 'tip <span class="mono">' + esc(tip || '-') + '</span>, not verified yet'; return; }
  el.innerHTML = r.ok ? '<span class="ok">intact</span> (' + r.count + ' entries)'
    : '<span class="broken">broken at entry ' + r.brokenAtId + '</span> (' + r.count + ' intact before it)';
}
async function verify() {
  const res = await fetch('/api/admin/logs.verify');
  renderChain(await res.json());
}
function exportCSV() { location.href = '/api/admin/logs.csv?' + filterParams().toString(); }
function prev() { if (page > 1) { page--; refresh(); } }
function next() { if (page * pageSize < total) { page++; refresh(); } }

function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/dashboard/ws');
  const feed = document.getElementById('live-feed');
  ws.onopen = function() { feed.innerHTML = ''; };
  ws.onmessage = function(e) {
    try {
      const entry = JSON.parse(e.data);
      const div = document.createElement('div');
      div.className = 'feed-entry';
      div.textContent = '[' + entry.createdAt + '] #' + entry.id + ' ' + entry.action + ' ' + actorText(entry.actor) + ' ' + entityText(entry.entity);
      feed.insertBefore(div, feed.firstChild);
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
    } catch(err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

loadActions();
loadStatus();
refresh();
connectWS();
</script>
</body>
</html>`
