// Package pipeline implements the request orchestrator (C8): the single
// http.Handler every inbound request passes through, sequencing session
// resolution, filtering, error injection, upstream dispatch, interception,
// and persistence (design doc Section 4.7).
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ctrlproxy/ctrlproxy/internal/filter"
	"github.com/ctrlproxy/ctrlproxy/internal/inject"
	"github.com/ctrlproxy/ctrlproxy/internal/intercept"
	"github.com/ctrlproxy/ctrlproxy/internal/session"
	"github.com/ctrlproxy/ctrlproxy/internal/sse"
	"github.com/ctrlproxy/ctrlproxy/internal/store"
	"github.com/ctrlproxy/ctrlproxy/internal/transport"
)

// maxRequestBodyBytes bounds how much of a client request body the proxy
// will buffer before giving up (design doc Section 7: RequestTooLarge).
const maxRequestBodyBytes = 16 << 20

// Handler is the top-level http.Handler every inbound request passes
// through. OnCaptured, when set, is called after every request is
// persisted — the dashboard's live feed hangs off this hook.
type Handler struct {
	Resolver   *session.Resolver
	Dialer     *transport.Dialer
	DB         *store.DB
	OnCaptured func(*store.CapturedRequest)
}

// New builds a pipeline Handler wired to the given resolver, dialer, and
// store.
func New(resolver *session.Resolver, dialer *transport.Dialer, db *store.DB) *Handler {
	return &Handler{Resolver: resolver, Dialer: dialer, DB: db}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, upstreamPath, ok := ParseRoute(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	// Classify the endpoint from the query-free path — a query string
	// (e.g. "?beta=...") must not hide a /v1/messages request from the
	// filter/interception gates below.
	isMessages := isMessagesPath(upstreamPath)
	if r.URL.RawQuery != "" {
		upstreamPath += "?" + r.URL.RawQuery
	}

	cr := &store.CapturedRequest{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		Method:          r.Method,
		Path:            upstreamPath,
		ClientTimestamp: time.Now(),
		RequestHeaders:  map[string][]string(r.Header),
	}

	resolved, err := h.Resolver.Resolve(r.Context(), sessionID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		http.Error(w, "reading request body", http.StatusInternalServerError)
		return
	}
	if len(body) > maxRequestBodyBytes {
		cr.Note = "request_too_large"
		cr.ResponseStatus = http.StatusRequestEntityTooLarge
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		h.persist(r.Context(), cr)
		return
	}
	cr.RequestBody = json.RawMessage(body)

	var parsed map[string]json.RawMessage
	isJSON := len(body) == 0 || json.Unmarshal(body, &parsed) == nil
	if len(body) > 0 && !isJSON {
		cr.Note = "body_parse_error"
	}

	dispatchBody := body
	if isJSON && len(parsed) > 0 {
		// Filtering only applies to the Messages endpoint (design doc
		// Section 6): other endpoints pass through with body filtering
		// limited to identity, even though indexing extraction still
		// runs for dashboard convenience.
		if isMessages {
			rewritten, truncated, ferr := filter.Apply(body, resolved.Profile)
			if ferr != nil {
				cr.Note = fmt.Sprintf("filter_error: %v", ferr)
			} else {
				dispatchBody = rewritten
				cr.TruncatedBody = json.RawMessage(truncated)
				json.Unmarshal(rewritten, &parsed)
			}
		}
		fields := extractIndexingFields(parsed)
		cr.Model, cr.Tools, cr.Messages, cr.System, cr.Params = fields.Model, fields.Tools, fields.Messages, fields.System, fields.Params
	}

	if resolved.ErrorInject != nil {
		h.serveInjected(w, r.Context(), cr, *resolved.ErrorInject)
		return
	}

	target := transport.Target{
		URL:               resolved.TargetURL,
		AuthHeader:        resolved.AuthHeader,
		XAPIKey:           resolved.XAPIKey,
		TLSVerifyDisabled: resolved.TLSVerifyDisabled,
	}

	intercepting := resolved.WebfetchIntercept && isMessages && isJSON && wantsStream(parsed)
	if intercepting {
		h.serveIntercepted(w, r, cr, target, resolved, dispatchBody)
		return
	}

	h.serveDirect(w, r, cr, target, dispatchBody)
}

func (h *Handler) serveInjected(w http.ResponseWriter, ctx context.Context, cr *store.CapturedRequest, cfg session.ErrorInject) {
	result := inject.Synthesize(cfg)
	cr.Note = "error_injected"
	cr.ResponseStatus = result.Status

	if result.IsSSE {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(result.Status)
		fw := newFlushWriter(w)
		var events []store.SSEEventRecord
		for _, evt := range result.Events {
			io.WriteString(fw, sse.Encode(evt))
			fw.Flush()
			events = append(events, store.SSEEventRecord(sse.ToRecord(evt)))
		}
		cr.ResponseEvents = events
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(result.Status)
		w.Write(result.Body)
		cr.ResponseBody = string(result.Body)
	}

	h.persist(ctx, cr)
}

func (h *Handler) serveIntercepted(w http.ResponseWriter, r *http.Request, cr *store.CapturedRequest, target transport.Target, resolved *session.ResolvedSession, dispatchBody []byte) {
	toolNames := map[string]bool{}
	for _, n := range resolved.WebfetchToolNames {
		toolNames[n] = true
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fw := newFlushWriter(w)

	cfg := intercept.Config{
		Target:    target,
		Whitelist: resolved.WebfetchWhitelist,
		ToolNames: toolNames,
		Method:    r.Method,
		Path:      cr.Path,
		Header:    r.Header,
	}

	outcome, err := intercept.Run(r.Context(), h.Dialer, cfg, dispatchBody, fw)
	if err != nil {
		cr.Note = fmt.Sprintf("upstream_error: %v", err)
		h.persist(r.Context(), cr)
		return
	}

	cr.ResponseStatus = outcome.FinalStatus
	cr.ResponseEvents = outcome.AllEvents
	cr.WebfetchFirstResponseBody = outcome.FirstResponseBody
	cr.WebfetchFirstResponseEvents = outcome.FirstResponseEvents
	cr.WebfetchFollowupBody = outcome.FollowupBody
	cr.WebfetchRounds = outcome.Rounds
	if outcome.Note != "" {
		cr.Note = outcome.Note
	}

	h.persist(r.Context(), cr)
}

func (h *Handler) serveDirect(w http.ResponseWriter, r *http.Request, cr *store.CapturedRequest, target transport.Target, dispatchBody []byte) {
	resp, err := h.Dialer.Dispatch(r.Context(), target, r.Method, cr.Path, r.Header, dispatchBody)
	if err != nil {
		cr.Note = fmt.Sprintf("upstream_connect_error: %v", err)
		cr.ResponseStatus = 0
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		h.persist(r.Context(), cr)
		return
	}
	defer resp.Body.Close()

	cr.ResponseStatus = resp.StatusCode
	cr.ResponseHeaders = map[string][]string(resp.Header)
	transport.CopyResponseHeaders(w.Header(), resp.Header)

	if isSSE(resp.Header) {
		h.serveTeedSSE(w, r, cr, resp)
		return
	}

	w.WriteHeader(resp.StatusCode)
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		cr.Note = "upstream_io_error"
	}
	w.Write(respBody)
	cr.ResponseBody = string(respBody)

	h.persist(r.Context(), cr)
}

// serveTeedSSE forwards the upstream byte stream to the client unmodified
// while independently decoding the same bytes for persistence, preserving
// byte-for-byte transparency on the non-intercept path (design doc Section
// 8, testable property 4).
func (h *Handler) serveTeedSSE(w http.ResponseWriter, r *http.Request, cr *store.CapturedRequest, resp *http.Response) {
	w.WriteHeader(resp.StatusCode)
	fw := newFlushWriter(w)

	var raw bytes.Buffer
	_, copyErr := io.Copy(fw, io.TeeReader(resp.Body, &raw))
	if copyErr != nil {
		if r.Context().Err() != nil {
			cr.Note = "client_disconnected"
		} else {
			cr.Note = "upstream_io_error"
		}
	}

	dec := sse.NewDecoder(bytes.NewReader(raw.Bytes()))
	agg := sse.NewAggregator()
	var events []store.SSEEventRecord
	for {
		evt, err := dec.Next()
		if err != nil {
			break
		}
		agg.Feed(evt)
		events = append(events, store.SSEEventRecord(sse.ToRecord(evt)))
	}
	cr.ResponseEvents = events

	h.persist(r.Context(), cr)
}

func isSSE(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}

// persist writes the captured request. Failures are logged only — they
// never affect the already-complete client-facing response (design doc
// Section 7: DBWriteError). The insert runs without ctx's cancellation so
// a row is still written after the client disconnects.
func (h *Handler) persist(ctx context.Context, cr *store.CapturedRequest) {
	if err := h.DB.InsertRequest(context.WithoutCancel(ctx), cr); err != nil {
		slog.Error("failed to persist captured request", "id", cr.ID, "error", err)
	}
	if h.OnCaptured != nil {
		h.OnCaptured(cr)
	}
}
