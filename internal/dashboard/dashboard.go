// Package dashboard serves the session-list, request-viewer, and
// profile-editor web UI and REST API (C10), mounted under /_dashboard when
// config.yaml's dashboard.enabled is true (the default) unless the
// --dashboard flag overrides it (design doc Section 4.9).
// Adapted from the teacher's single-port dashboard+websocket split, with
// the agent/audit/rules concerns replaced by sessions/requests/profiles.
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ctrlproxy/ctrlproxy/internal/store"
)

// Dashboard serves the web UI and REST API under /_dashboard.
type Dashboard struct {
	db    *store.DB
	wsHub *wsHub
}

// New creates a Dashboard backed by db and starts its broadcast hub.
func New(db *store.DB) *Dashboard {
	d := &Dashboard{db: db, wsHub: newWSHub()}
	go d.wsHub.run()
	return d
}

// BroadcastCaptured sends a captured request to all connected dashboard
// WebSocket clients. Non-blocking; called by the pipeline after every
// persisted request.
func (d *Dashboard) BroadcastCaptured(cr *store.CapturedRequest) {
	data, err := json.Marshal(cr)
	if err != nil {
		slog.Error("failed to marshal captured request for broadcast", "error", err)
		return
	}
	d.wsHub.broadcast(data)
}

// Mount registers the dashboard's routes on mux under /_dashboard.
func (d *Dashboard) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/_dashboard", d.serveUI)
	mux.HandleFunc("/_dashboard/ws", d.handleWebSocket)
	mux.HandleFunc("/_dashboard/api/sessions", d.handleSessions)
	mux.HandleFunc("/_dashboard/api/sessions/", d.handleSessionRequests)
	mux.HandleFunc("/_dashboard/api/requests/", d.handleRequestDetail)
	mux.HandleFunc("/_dashboard/api/profiles", d.handleProfiles)
	mux.HandleFunc("/_dashboard/api/profiles/", d.handleProfileDetail)
}

func (d *Dashboard) serveUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

// handleSessions lists sessions (GET) or creates one (POST).
// GET  /_dashboard/api/sessions
// POST /_dashboard/api/sessions
func (d *Dashboard) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions, err := d.db.ListSessions(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, sessions)

	case http.MethodPost:
		var s store.SessionRow
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		if err := d.db.CreateSession(r.Context(), s); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, s)

	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

// handleSessionRequests serves GET /_dashboard/api/sessions/{id}/requests?limit=N
func (d *Dashboard) handleSessionRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/_dashboard/api/sessions/")
	sessionID, sub, ok := cutPath(rest)
	if !ok || sub != "requests" {
		http.NotFound(w, r)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	requests, err := d.db.RequestsForSession(r.Context(), sessionID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

// handleRequestDetail serves GET /_dashboard/api/requests/{id}
func (d *Dashboard) handleRequestDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/_dashboard/api/requests/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	cr, err := d.db.GetRequest(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cr)
}

// handleProfiles lists profiles (GET) or creates one (POST).
func (d *Dashboard) handleProfiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		profiles, err := d.db.ListProfiles(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, profiles)

	case http.MethodPost:
		var p store.ProfileRow
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if err := d.db.CreateProfile(r.Context(), p); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, p)

	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

// handleProfileDetail serves PUT /_dashboard/api/profiles/{id}.
func (d *Dashboard) handleProfileDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "PUT only", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/_dashboard/api/profiles/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	var p store.ProfileRow
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	p.ID = id

	if err := d.db.UpdateProfile(r.Context(), p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// cutPath splits "id/sub" into its two parts.
func cutPath(rest string) (id, sub string, ok bool) {
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>ctrlproxy dashboard</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; margin-bottom: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; }
  #live-feed { max-height: 300px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
</style>
</head>
<body>
<h1>ctrlproxy</h1>
<p class="subtitle">Intercepting proxy for LLM API traffic</p>

<div class="card">
  <h2>Sessions</h2>
  <table>
    <thead><tr><th>Name</th><th>Target</th><th>Webfetch intercept</th></tr></thead>
    <tbody id="sessions-tbody"><tr><td colspan="3">Loading...</td></tr></tbody>
  </table>
</div>

<div class="card">
  <h2>Live Activity Feed</h2>
  <div id="live-feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;');
}
async function refresh() {
  try {
    const res = await fetch('/_dashboard/api/sessions');
    const sessions = await res.json();
    const tbody = document.getElementById('sessions-tbody');
    if (!sessions || sessions.length === 0) { tbody.innerHTML = '<tr><td colspan="3">No sessions yet</td></tr>'; return; }
    tbody.innerHTML = sessions.map(s =>
      '<tr><td>' + esc(s.Name) + '</td><td>' + esc(s.TargetURL) + '</td><td>' + (s.WebfetchIntercept ? 'yes' : 'no') + '</td></tr>'
    ).join('');
  } catch (e) { console.error('refresh failed:', e); }
}

function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/_dashboard/ws');
  ws.onmessage = function(e) {
    try {
      const cr = JSON.parse(e.data);
      const feed = document.getElementById('live-feed');
      const div = document.createElement('div');
      div.className = 'feed-entry';
      div.textContent = cr.SessionID + ' ' + cr.Method + ' ' + cr.Path + ' -> ' + cr.ResponseStatus;
      feed.insertBefore(div, feed.firstChild);
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
    } catch (err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

refresh();
setInterval(refresh, 5000);
connectWS();
</script>
</body>
</html>`
