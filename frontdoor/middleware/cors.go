package middleware

import (
	"net/http"
)

// AllowAnyOrigin marks a response as readable from any origin. It overwrites
// whatever the application set.
func AllowAnyOrigin(header http.Header) {
	header.Set("Access-Control-Allow-Origin", "*")
}

// CorsMiddleware wraps handlers whose responses are always public, such as
// static applications.
func CorsMiddleware(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request)) {
	AllowAnyOrigin(w.Header())
	next(w, r)
}

// AdminCorsMiddleware answers preflight requests for the admin API, which is
// called with a bearer token from browser tools.
func AdminCorsMiddleware(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request)) {
	AllowAnyOrigin(w.Header())
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	next(w, r)
}
