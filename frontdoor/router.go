// Package frontdoor is the HTTP entry point. It maps the first label of each
// request's host name to an application under the root directory and serves
// the request from that application's sandbox or static files.
package frontdoor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/frontdoor/access"
	"github.com/tomyedwab/frontdoor/audit"
	"github.com/tomyedwab/frontdoor/frontdoor/middleware"
	"github.com/tomyedwab/frontdoor/sandbox/host"
	"github.com/tomyedwab/frontdoor/tenant"
	"github.com/tomyedwab/frontdoor/wire"
)

const defaultWriteTimeout = 60 * time.Second

// Executor runs one request for an application. *host.Host implements it.
type Executor interface {
	Execute(ctx context.Context, app *tenant.AppDescriptor, req wire.SerializedRequest) (*http.Response, *host.Invocation, error)
}

// InvocationLog stores executed requests.
type InvocationLog interface {
	LogInvocation(inv *audit.Invocation) error
}

// AuditLog stores executed requests and admin API access. *audit.Logger
// implements it.
type AuditLog interface {
	access.AccessRecorder
	InvocationLog
	GetRecentInvocations(limit int) ([]audit.Invocation, error)
	GetInvocationsByApp(app string, limit int) ([]audit.Invocation, error)
	GetRecentAccessEvents(limit int) ([]audit.AccessEvent, error)
}

// Config holds configuration options for the Router.
type Config struct {
	Root         string         // Directory holding the applications
	Executor     Executor       // Runs dynamic applications
	Audit        AuditLog       // Optional, nil disables the audit log
	Issuer       *access.Issuer // Optional, nil disables the admin API
	Logger       *slog.Logger   // Optional, defaults to slog.Default()
	WriteTimeout time.Duration  // Optional, defaults to 60s
}

// Router is an http.Handler serving every application under one root.
type Router struct {
	root         string
	executor     Executor
	audit        AuditLog
	admin        http.Handler
	logger       *slog.Logger
	writeTimeout time.Duration

	mu     sync.Mutex
	server *http.Server
}

// NewRouter creates a Router.
func NewRouter(config Config) (*Router, error) {
	if config.Root == "" {
		return nil, errors.New("root directory is required")
	}
	if config.Executor == nil {
		return nil, errors.New("executor is required")
	}

	rt := &Router{
		root:         config.Root,
		executor:     config.Executor,
		audit:        config.Audit,
		logger:       config.Logger,
		writeTimeout: config.WriteTimeout,
	}
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	rt.logger = rt.logger.With("component", "router")
	if rt.writeTimeout <= 0 {
		rt.writeTimeout = defaultWriteTimeout
	}
	if config.Issuer != nil {
		rt.admin = rt.adminHandler(config.Issuer)
	}
	return rt, nil
}

// requestLog collects the fields of the one log line written per request.
type requestLog struct {
	status     int
	app        string
	invocation string
	kind       wire.ErrorKind
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	if s.status == 0 {
		s.status = status
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(data []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(data)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	traceID := uuid.New().String()
	w.Header().Set("X-Trace-ID", traceID)

	rec := &statusRecorder{ResponseWriter: w}
	entry := &requestLog{}
	defer func() {
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		attrs := []any{
			"trace", traceID,
			"host", r.Host,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start),
		}
		if entry.app != "" {
			attrs = append(attrs, "app", entry.app)
		}
		if entry.invocation != "" {
			attrs = append(attrs, "invocation", entry.invocation)
		}
		if entry.kind != "" {
			attrs = append(attrs, "kind", entry.kind)
		}
		rt.logger.Info("Request", attrs...)
	}()

	if rt.admin != nil && strings.HasPrefix(r.URL.Path, AdminPrefix) {
		rt.admin.ServeHTTP(rec, r)
		return
	}
	rt.serveApp(rec, r, traceID, entry)
}

func (rt *Router) serveApp(w http.ResponseWriter, r *http.Request, traceID string, entry *requestLog) {
	name, ok := TenantName(r)
	if !ok {
		http.Error(w, "Missing host name", http.StatusBadRequest)
		return
	}
	entry.app = name

	app, err := tenant.NewAppDescriptor(rt.root, name)
	if errors.Is(err, tenant.ErrNotFound) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		rt.logger.Error("Failed to resolve application", "app", name, "trace", traceID, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if app.IsStatic() {
		middleware.CorsMiddleware(w, r, http.FileServer(http.Dir(app.Dir())).ServeHTTP)
		return
	}

	req, err := wire.EncodeRequest(r)
	if err != nil {
		rt.logger.Error("Failed to encode request", "app", name, "trace", traceID, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	resp, inv, err := rt.executor.Execute(r.Context(), app, req)
	if inv != nil {
		entry.invocation = inv.ID
		entry.kind = inv.Kind
	}
	if err != nil {
		writeFailure(w, err)
		rt.record(r, traceID, app, inv, http.StatusInternalServerError, err)
		return
	}
	defer resp.Body.Close()

	rt.record(r, traceID, app, inv, resp.StatusCode, nil)
	writeResponse(w, resp, rt.logger)
}

// TenantName returns the lower-cased first label of the request's host name.
// X-Forwarded-Host takes precedence over Host.
func TenantName(r *http.Request) (string, bool) {
	hostname := r.Host
	if forwarded := r.Header.Get("X-Forwarded-Host"); forwarded != "" {
		hostname, _, _ = strings.Cut(forwarded, ",")
	}
	hostname = strings.TrimSpace(hostname)
	if h, _, err := net.SplitHostPort(hostname); err == nil {
		hostname = h
	}
	label, _, _ := strings.Cut(hostname, ".")
	label = strings.ToLower(label)
	if label == "" {
		return "", false
	}
	return label, true
}

// hopHeaders apply to a single connection and are never copied from an
// application response.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

func writeResponse(w http.ResponseWriter, resp *http.Response, logger *slog.Logger) {
	header := w.Header()
	for _, name := range strings.Split(resp.Header.Get("Connection"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			resp.Header.Del(name)
		}
	}
	for _, name := range hopHeaders {
		resp.Header.Del(name)
	}
	for name, values := range resp.Header {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	middleware.AllowAnyOrigin(header)

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Warn("Failed to write response body", "error", err)
	}
}

// writeFailure reports a failed execution as a plain-text 500 carrying the
// error message and stack trace.
func writeFailure(w http.ResponseWriter, err error) {
	message, stack := err.Error(), ""
	var hostErr *host.Error
	if errors.As(err, &hostErr) {
		message, stack = hostErr.Message, hostErr.Stack
	}

	header := w.Header()
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, "%s\n%s", message, stack)
}

func (rt *Router) record(r *http.Request, traceID string, app *tenant.AppDescriptor, inv *host.Invocation, status int, execErr error) {
	if rt.audit == nil {
		return
	}
	row := invocationRow(traceID, app, r.Method, r.URL.Path, inv, status, execErr)
	if err := rt.audit.LogInvocation(row); err != nil {
		rt.logger.Error("Failed to record invocation", "trace", traceID, "error", err)
	}
}

// invocationRow builds the audit row for one execution. inv may be nil when
// the sandbox never launched.
func invocationRow(traceID string, app *tenant.AppDescriptor, method, path string, inv *host.Invocation, status int, execErr error) *audit.Invocation {
	row := &audit.Invocation{
		TraceID:    traceID,
		App:        app.Name,
		Entrypoint: app.Entrypoint,
		Method:     method,
		Path:       path,
		Status:     status,
		ExitCode:   -1,
	}
	if inv != nil {
		row.ID = inv.ID
		row.PID = inv.PID
		row.ExitCode = inv.ExitCode()
		row.DurationMS = float64(inv.Duration) / float64(time.Millisecond)
		row.WallTimeMS = inv.WallTime
		if !inv.Succeeded() {
			row.Kind = string(inv.Kind)
		}
	}
	if execErr != nil {
		row.Message = execErr.Error()
		var hostErr *host.Error
		if errors.As(execErr, &hostErr) {
			row.Kind = string(hostErr.Kind)
			row.Message = hostErr.Message
		}
	}
	return row
}

// Start listens on addr and serves until Stop is called.
func (rt *Router) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return rt.Serve(listener)
}

// Serve accepts connections on listener until Stop is called. It returns
// http.ErrServerClosed after a clean shutdown.
func (rt *Router) Serve(listener net.Listener) error {
	server := &http.Server{
		Handler:      rt,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: rt.writeTimeout,
		IdleTimeout:  60 * time.Second,
	}
	rt.mu.Lock()
	rt.server = server
	rt.mu.Unlock()

	rt.logger.Info("Starting front door", "addr", listener.Addr().String(), "root", rt.root)
	return server.Serve(listener)
}

// Stop gracefully shuts down the server, waiting for in-flight requests until
// ctx is done.
func (rt *Router) Stop(ctx context.Context) error {
	rt.mu.Lock()
	server := rt.server
	rt.mu.Unlock()

	if server == nil {
		rt.logger.Info("Front door was not running, nothing to stop")
		return nil
	}
	rt.logger.Info("Stopping front door")
	return server.Shutdown(ctx)
}
