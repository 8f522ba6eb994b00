package frontdoor

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tomyedwab/frontdoor/access"
	"github.com/tomyedwab/frontdoor/audit"
	"github.com/tomyedwab/frontdoor/frontdoor/middleware"
)

// AdminPrefix is reserved on every host name for the admin API.
const AdminPrefix = "/_frontdoor/"

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func (rt *Router) adminHandler(issuer *access.Issuer) http.Handler {
	var recorder access.AccessRecorder
	if rt.audit != nil {
		recorder = rt.audit
	}
	requireToken := access.RequireToken(issuer, recorder, rt.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+AdminPrefix+"invocations", requireToken(rt.handleInvocations))
	mux.HandleFunc("GET "+AdminPrefix+"access", requireToken(rt.handleAccessEvents))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.AdminCorsMiddleware(w, r, mux.ServeHTTP)
	})
}

func (rt *Router) handleInvocations(w http.ResponseWriter, r *http.Request) {
	if rt.audit == nil {
		http.Error(w, "Audit log is disabled", http.StatusServiceUnavailable)
		return
	}
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}

	var invocations []audit.Invocation
	var err error
	if app := r.URL.Query().Get("app"); app != "" {
		invocations, err = rt.audit.GetInvocationsByApp(app, limit)
	} else {
		invocations, err = rt.audit.GetRecentInvocations(limit)
	}
	if err != nil {
		rt.logger.Error("Failed to list invocations", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"invocations": invocations})
}

func (rt *Router) handleAccessEvents(w http.ResponseWriter, r *http.Request) {
	if rt.audit == nil {
		http.Error(w, "Audit log is disabled", http.StatusServiceUnavailable)
		return
	}
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}

	events, err := rt.audit.GetRecentAccessEvents(limit)
	if err != nil {
		rt.logger.Error("Failed to list access events", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"events": events})
}

func listLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	value := r.URL.Query().Get("limit")
	if value == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return 0, false
	}
	return min(limit, maxListLimit), true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
