// Package httpserver exposes the hub's REST control surface and the agent
// websocket endpoint.
package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/agenthub/errs"
	"github.com/coachpo/agenthub/internal/hub"
	"github.com/coachpo/agenthub/internal/schema"
	"github.com/coachpo/agenthub/internal/transport"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	eventsPath        = "/v1/events"
	eventsBatchPath   = "/v1/events/batch"
	subscriptionsPath = "/v1/subscriptions"
	historyPath       = "/v1/history"
	statsPath         = "/v1/stats"
	socketPath        = "/v1/socket"
	healthPath        = "/healthz"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Config carries the handler-level settings sourced from the server section of
// the application config.
type Config struct {
	AllowedOrigins     []string
	SocketWriteTimeout time.Duration
}

type hubServer struct {
	hub            *hub.Hub
	socketTimeout  time.Duration
	allowAll       bool
	originPatterns []string
}

// NewHandler creates the HTTP handler for hub operations.
func NewHandler(h *hub.Hub, cfg Config) http.Handler {
	server := &hubServer{hub: h, socketTimeout: cfg.SocketWriteTimeout}
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			server.allowAll = true
			continue
		}
		if trimmed == "" {
			continue
		}
		server.originPatterns = append(server.originPatterns, stripScheme(trimmed))
	}

	mux := http.NewServeMux()

	mux.Handle(eventsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.publishEvent,
		http.MethodGet:  server.pollEvents,
	}))
	mux.Handle(eventsBatchPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.publishBatch,
	}))
	mux.Handle(subscriptionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost:   server.createSubscription,
		http.MethodGet:    server.getSubscriptions,
		http.MethodDelete: server.deleteSubscription,
	}))
	mux.Handle(historyPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHistory,
	}))
	mux.Handle(statsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStats,
	}))
	mux.Handle(socketPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.connectSocket,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.healthz,
	}))

	return withCORS(mux, cfg.AllowedOrigins)
}

func (s *hubServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *hubServer) publishEvent(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	draft, err := decodeDraft(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	evt, err := s.hub.Publish(r.Context(), draft)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, evt)
}

type batchFailureView struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type batchResponse struct {
	Events   []*schema.Event    `json:"events"`
	Accepted int                `json:"accepted"`
	Failures []batchFailureView `json:"failures,omitempty"`
}

func (s *hubServer) publishBatch(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()
	var drafts []schema.EventDraft
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&drafts); err != nil {
		writeDecodeError(w, err)
		return
	}
	if len(drafts) == 0 {
		writeError(w, http.StatusBadRequest, "at least one draft required")
		return
	}

	events, err := s.hub.PublishBatch(r.Context(), drafts)
	response := batchResponse{Events: events, Accepted: 0, Failures: nil}
	for _, evt := range events {
		if evt != nil {
			response.Accepted++
		}
	}
	if err != nil {
		var batchErr *hub.BatchError
		if !errors.As(err, &batchErr) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, failure := range batchErr.Failures {
			response.Failures = append(response.Failures, batchFailureView{
				Index: failure.Index,
				Error: failure.Err.Error(),
			})
		}
	}
	writeJSON(w, http.StatusAccepted, response)
}

type transportPayload struct {
	Kind    string              `json:"kind"`
	URL     string              `json:"url,omitempty"`
	Headers map[string]string   `json:"headers,omitempty"`
	Retry   *schema.RetryPolicy `json:"retry,omitempty"`
}

type subscriptionPayload struct {
	AgentID    string             `json:"agentId"`
	EventTypes []schema.EventType `json:"eventTypes"`
	Filters    map[string]any     `json:"filters,omitempty"`
	Transport  *transportPayload  `json:"transport,omitempty"`
}

// subscriptionView re-exposes the transport kind the stored record keeps out
// of its JSON form.
type subscriptionView struct {
	*schema.Subscription
	Transport string `json:"transport"`
}

func viewOf(sub *schema.Subscription) subscriptionView {
	return subscriptionView{Subscription: sub, Transport: string(schema.KindOf(sub.Transport))}
}

func (s *hubServer) createSubscription(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()
	var payload subscriptionPayload
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	tr, err := buildTransport(payload.Transport)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := s.hub.Subscribe(payload.AgentID, payload.EventTypes, payload.Filters, tr)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(sub))
}

func (s *hubServer) getSubscriptions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if id := strings.TrimSpace(query.Get("id")); id != "" {
		sub, ok := s.hub.GetSubscription(schema.SubscriptionID(id))
		if !ok {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		writeJSON(w, http.StatusOK, viewOf(sub))
		return
	}
	if agent := strings.TrimSpace(query.Get("agent")); agent != "" {
		subs := s.hub.ListAgentSubscriptions(agent)
		views := make([]subscriptionView, 0, len(subs))
		for _, sub := range subs {
			views = append(views, viewOf(sub))
		}
		writeJSON(w, http.StatusOK, map[string]any{"subscriptions": views})
		return
	}
	writeError(w, http.StatusBadRequest, "id or agent required")
}

func (s *hubServer) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	removed := s.hub.Unsubscribe(schema.SubscriptionID(id))
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *hubServer) pollEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	agentID := strings.TrimSpace(query.Get("agent"))
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agent required")
		return
	}

	eventQuery := hub.EventQuery{}
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		eventQuery.Since = since
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		eventQuery.Limit = limit
	}
	eventQuery.EventTypes = parseTypes(query.Get("types"))

	events := s.hub.GetEvents(agentID, eventQuery)
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *hubServer) getHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	eventType := strings.TrimSpace(query.Get("type"))
	if eventType == "" {
		writeError(w, http.StatusBadRequest, "type required")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	events := s.hub.GetHistory(schema.EventType(eventType), limit)
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *hubServer) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.GetStats())
}

func (s *hubServer) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *hubServer) connectSocket(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSpace(r.URL.Query().Get("agent"))
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agent required")
		return
	}

	opts := &websocket.AcceptOptions{}
	if s.allowAll {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = s.originPatterns
	}
	wsConn, err := websocket.Accept(w, r, opts)
	if err != nil {
		// Accept wrote the handshake failure response.
		return
	}

	conn := transport.NewWSConn(wsConn, s.socketTimeout)
	connID, err := s.hub.ConnectSocket(r.Context(), agentID, conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer s.hub.DisconnectSocket(agentID, connID)

	// The hub only pushes frames. Inbound reads are drained so close and ping
	// frames surface promptly.
	for {
		if _, _, err := wsConn.Read(r.Context()); err != nil {
			return
		}
	}
}

func buildTransport(payload *transportPayload) (schema.Transport, error) {
	if payload == nil {
		return schema.PollTransport{}, nil
	}
	switch strings.ToLower(strings.TrimSpace(payload.Kind)) {
	case "", string(schema.TransportPoll):
		return schema.PollTransport{}, nil
	case string(schema.TransportSocket):
		return schema.SocketTransport{}, nil
	case string(schema.TransportWebhook):
		hook := schema.WebhookTransport{URL: payload.URL, Headers: payload.Headers}
		if payload.Retry != nil {
			hook.Retry = *payload.Retry
		}
		return hook, nil
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", payload.Kind)
	}
}

func parseTypes(raw string) []schema.EventType {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	types := make([]schema.EventType, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		types = append(types, schema.EventType(trimmed))
	}
	return types
}

func decodeDraft(r *http.Request) (schema.EventDraft, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var draft schema.EventDraft
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&draft); err != nil {
		return draft, fmt.Errorf("decode payload: %w", err)
	}
	return draft, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func writeHubError(w http.ResponseWriter, err error) {
	writeError(w, errs.HTTPStatus(err), err.Error())
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func stripScheme(origin string) string {
	if idx := strings.Index(origin, "://"); idx >= 0 {
		return origin[idx+len("://"):]
	}
	return origin
}

func withCORS(handler http.Handler, origins []string) http.Handler {
	allowAll := false
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			allowAll = true
			continue
		}
		if trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "":
			if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
