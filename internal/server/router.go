package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"proctor/internal/engine"
)

type API struct {
	store    Store
	sessions *SessionManager
	obs      *Observability
}

func NewAPI(store Store, sessions *SessionManager, obs *Observability) *API {
	return &API{
		store:    store,
		sessions: sessions,
		obs:      obs,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	mux.HandleFunc("POST /api/v1/sessions", a.handleStartSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", a.handleGetSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/answers", a.handleSubmitAnswer)
	mux.HandleFunc("POST /api/v1/sessions/{id}/finish", a.handleFinishSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/terminate", a.handleTerminateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", a.handleSessionEventsSSE)
	mux.HandleFunc("GET /api/v1/sessions/{id}/violations", a.handleListViolations)
	mux.HandleFunc("GET /api/v1/metrics/overview", a.handleMetricsOverview)

	mux.HandleFunc("GET /api/v1/sessions/{id}/stream", a.handleSessionStream)

	wrapped := otelhttp.NewHandler(mux, "proctor-api-http")
	return withCORS(wrapped)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": nowRFC3339(),
	})
}

func (a *API) handleStartSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("proctor-api").Start(r.Context(), "session.start")
	defer span.End()
	_ = ctx
	var req StartRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	span.SetAttributes(
		attribute.String("setup.id", req.SetupID),
		attribute.Bool("resume.explicit", strings.TrimSpace(req.SessionID) != ""),
	)
	view, err := a.sessions.StartSession(req, clientIP(r))
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, ErrSessionNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	status := http.StatusCreated
	if view.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, view)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	view, err := a.sessions.GetSession(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("proctor-api").Start(r.Context(), "session.answer")
	defer span.End()
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	var req AnswerRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	view, err := a.sessions.SubmitAnswer(ctx, id, req.Answer)
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, ErrSessionNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrSessionClosed):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleFinishSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("proctor-api").Start(r.Context(), "session.finish")
	defer span.End()
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	view, err := a.sessions.FinishSession(ctx, id)
	if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	var req struct {
		Rule string `json:"rule"`
	}
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rule, ok := parseRule(req.Rule)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown rule")
		return
	}
	if err := a.sessions.TerminateSession(id, rule); err != nil {
		writeError(w, http.StatusNotFound, "no live session")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": id,
		"rule":       string(rule),
	})
}

func (a *API) handleSessionEventsSSE(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	if _, ok := a.store.GetSession(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	cursor := parseCursor(r)
	send := func(events []SessionEvent) {
		for _, event := range events {
			payload, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				continue
			}
			fmt.Fprintf(w, "event: session_event\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			cursor = event.Seq
		}
		flusher.Flush()
	}
	send(a.store.ListSessionEvents(id, cursor))

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events := a.store.ListSessionEvents(id, cursor)
			if len(events) > 0 {
				send(events)
			} else {
				_, _ = fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}

func (a *API) handleListViolations(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	if _, ok := a.store.GetSession(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"violations": a.store.ListViolations(id),
	})
}

func (a *API) handleMetricsOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.GetMetricsOverview(a.sessions.ActiveCount()))
}

func parseRule(value string) (engine.RuleID, bool) {
	switch engine.RuleID(strings.ToLower(strings.TrimSpace(value))) {
	case engine.RuleIdentityMismatch:
		return engine.RuleIdentityMismatch, true
	case engine.RuleCameraAbsence:
		return engine.RuleCameraAbsence, true
	case engine.RuleMultipleFaces:
		return engine.RuleMultipleFaces, true
	case engine.RuleProhibitedObject:
		return engine.RuleProhibitedObject, true
	default:
		return "", false
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
