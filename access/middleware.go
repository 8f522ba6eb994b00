package access

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// AccessRecorder receives every admin API authorization decision.
type AccessRecorder interface {
	LogAdminAccess(token, remoteAddr string) error
	LogInvalidToken(token, remoteAddr string) error
}

// RequireToken rejects requests without a valid bearer token. recorder may be
// nil.
func RequireToken(issuer *Issuer, recorder AccessRecorder, logger *slog.Logger) func(http.HandlerFunc) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			// Get bearer token from request
			header := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				record(logger, recorder, false, tokenString, r.RemoteAddr)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := issuer.Validate(tokenString)
			if err != nil {
				logger.Warn("Rejected admin token", "remote", r.RemoteAddr, "error", err)
				record(logger, recorder, false, tokenString, r.RemoteAddr)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			record(logger, recorder, true, tokenString, r.RemoteAddr)
			nextRequest := r.WithContext(context.WithValue(r.Context(), ClaimsKey, claims))
			next.ServeHTTP(w, nextRequest)
		}
	}
}

func record(logger *slog.Logger, recorder AccessRecorder, allowed bool, token, remoteAddr string) {
	if recorder == nil {
		return
	}
	var err error
	if allowed {
		err = recorder.LogAdminAccess(token, remoteAddr)
	} else {
		err = recorder.LogInvalidToken(token, remoteAddr)
	}
	if err != nil {
		logger.Error("Failed to record admin access", "error", err)
	}
}
