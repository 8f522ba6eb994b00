package frontdoor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomyedwab/frontdoor/access"
	"github.com/tomyedwab/frontdoor/audit"
	"github.com/tomyedwab/frontdoor/sandbox/host"
	"github.com/tomyedwab/frontdoor/tenant"
	"github.com/tomyedwab/frontdoor/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, path)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// fakeExecutor answers every request with a fixed result and records what it
// was asked to run.
type fakeExecutor struct {
	mu     sync.Mutex
	status int
	header http.Header
	body   string
	err    error
	inv    *host.Invocation
	apps   []*tenant.AppDescriptor
	reqs   []wire.SerializedRequest
}

func (f *fakeExecutor) Execute(ctx context.Context, app *tenant.AppDescriptor, req wire.SerializedRequest) (*http.Response, *host.Invocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apps = append(f.apps, app)
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.inv, f.err
	}
	header := f.header
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: f.status,
		Header:     header.Clone(),
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, f.inv, nil
}

func newTestRouter(t *testing.T, root string, config Config) *Router {
	t.Helper()
	config.Root = root
	config.Logger = testLogger()
	rt, err := NewRouter(config)
	if err != nil {
		t.Fatalf("NewRouter returned error: %v", err)
	}
	return rt
}

func newSandboxHost(t *testing.T) *host.Host {
	t.Helper()
	h, err := host.New(host.Config{
		Command:          []string{os.Args[0], "sandbox-guest"},
		Logger:           testLogger(),
		ExecutionTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("host.New returned error: %v", err)
	}
	return h
}

func serve(rt *Router, method, url string, body io.Reader) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, httptest.NewRequest(method, url, body))
	return w
}

func TestRouterSandboxedApplications(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"hello.ts":      `export default { fetch: () => new Response("Hello, World!") };`,
		"boom/mod.js":   `export default () => { throw new Error("boom"); };`,
		"broken/mod.ts": `export default 42;`,
		"echo/echo.ts":  `export default { fetch: async (req) => new Response(req.method + " " + new URL(req.url).pathname + " " + await req.text()) };`,
		"greet/mod.ts": `export default { fetch: (req, env) => {
			env.set("GREETING", "changed");
			env.delete("GREETING");
			return new Response([env.get("GREETING"), env.has("GREETING"), env.has("MISSING"), JSON.stringify(env.toObject())].join("|"));
		} };`,
		"greet/.env":     "GREETING=howdy\n",
		"status/mod.jsx": `export default () => new Response(null, { status: 201, headers: { "X-App": "status", "Access-Control-Allow-Origin": "https://other.example.com" } });`,
	})
	rt := newTestRouter(t, root, Config{Executor: newSandboxHost(t)})

	t.Run("hello", func(t *testing.T) {
		w := serve(rt, "GET", "http://hello.example.com/", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		if w.Body.String() != "Hello, World!" {
			t.Errorf("Expected body \"Hello, World!\", got %q", w.Body.String())
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("Expected Access-Control-Allow-Origin *, got %q", got)
		}
		if w.Header().Get("X-Trace-ID") == "" {
			t.Error("Expected X-Trace-ID header")
		}
	})

	t.Run("thrown error", func(t *testing.T) {
		w := serve(rt, "GET", "http://boom.example.com/", nil)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("Expected status 500, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "boom") {
			t.Errorf("Expected body to contain \"boom\", got %q", w.Body.String())
		}
		if got := w.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
			t.Errorf("Expected text/plain content type, got %q", got)
		}
	})

	t.Run("bad export then good request", func(t *testing.T) {
		w := serve(rt, "GET", "http://broken.example.com/", nil)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("Expected status 500, got %d", w.Code)
		}
		w = serve(rt, "GET", "http://hello.example.com/", nil)
		if w.Code != http.StatusOK || w.Body.String() != "Hello, World!" {
			t.Errorf("Expected hello to succeed after a failure, got %d %q", w.Code, w.Body.String())
		}
	})

	t.Run("request is forwarded", func(t *testing.T) {
		w := serve(rt, "POST", "http://echo.example.com/path/to", strings.NewReader("payload"))
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		if w.Body.String() != "POST /path/to payload" {
			t.Errorf("Expected \"POST /path/to payload\", got %q", w.Body.String())
		}
	})

	t.Run("environment", func(t *testing.T) {
		w := serve(rt, "GET", "http://greet.example.com/", nil)
		expected := `howdy|true|false|{"GREETING":"howdy"}`
		if w.Body.String() != expected {
			t.Errorf("Expected %q, got %d %q", expected, w.Code, w.Body.String())
		}
	})

	t.Run("status and headers", func(t *testing.T) {
		w := serve(rt, "GET", "http://status.example.com/", nil)
		if w.Code != http.StatusCreated {
			t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
		}
		if got := w.Header().Get("X-App"); got != "status" {
			t.Errorf("Expected X-App header \"status\", got %q", got)
		}
		if got := w.Header().Values("Access-Control-Allow-Origin"); len(got) != 1 || got[0] != "*" {
			t.Errorf("Expected a single Access-Control-Allow-Origin *, got %q", got)
		}
	})

	t.Run("not found", func(t *testing.T) {
		w := serve(rt, "GET", "http://missing.example.com/", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", w.Code)
		}
	})
}

func TestRouterMissingHost(t *testing.T) {
	exec := &fakeExecutor{status: http.StatusOK}
	rt := newTestRouter(t, t.TempDir(), Config{Executor: exec})

	r := httptest.NewRequest("GET", "/", nil)
	r.Host = ""
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if len(exec.apps) != 0 {
		t.Error("Expected no execution for a request without a host")
	}
}

func TestTenantName(t *testing.T) {
	tests := []struct {
		host      string
		forwarded string
		want      string
		ok        bool
	}{
		{host: "hello.example.com", want: "hello", ok: true},
		{host: "Hello.Example.com:8080", want: "hello", ok: true},
		{host: "localhost:7777", want: "localhost", ok: true},
		{host: "single", want: "single", ok: true},
		{host: "ignored.example.com", forwarded: "api.example.com", want: "api", ok: true},
		{host: "ignored.example.com", forwarded: "first.example.com, second.example.com", want: "first", ok: true},
		{host: "", ok: false},
		{host: ".example.com", ok: false},
		{host: ":8080", ok: false},
	}

	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		r.Host = tt.host
		if tt.forwarded != "" {
			r.Header.Set("X-Forwarded-Host", tt.forwarded)
		}
		got, ok := TenantName(r)
		if got != tt.want || ok != tt.ok {
			t.Errorf("TenantName(host=%q, forwarded=%q) = %q, %v; expected %q, %v", tt.host, tt.forwarded, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRouterCopiesResponse(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"api.ts": "export default () => new Response()"})
	exec := &fakeExecutor{
		status: http.StatusAccepted,
		header: http.Header{
			"Content-Type":      {"application/json"},
			"Set-Cookie":        {"a=1", "b=2"},
			"Connection":        {"X-Private"},
			"X-Private":         {"secret"},
			"Transfer-Encoding": {"chunked"},
			"Content-Length":    {"999"},
		},
		body: `{"ok":true}`,
		inv:  &host.Invocation{ID: "inv-1"},
	}
	rt := newTestRouter(t, root, Config{Executor: exec})

	r := httptest.NewRequest("GET", "http://ignored.example.com/items?x=1", nil)
	r.Header.Set("X-Forwarded-Host", "api.example.com")
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", w.Code)
	}
	if w.Body.String() != `{"ok":true}` {
		t.Errorf("Unexpected body %q", w.Body.String())
	}
	if got := w.Header().Values("Set-Cookie"); len(got) != 2 {
		t.Errorf("Expected 2 Set-Cookie values, got %q", got)
	}
	for _, name := range []string{"Connection", "X-Private", "Transfer-Encoding", "Content-Length"} {
		if got := w.Header().Get(name); got != "" {
			t.Errorf("Expected %s to be dropped, got %q", name, got)
		}
	}

	if len(exec.apps) != 1 || exec.apps[0].Name != "api" {
		t.Fatalf("Expected one execution of app api, got %+v", exec.apps)
	}
	req := exec.reqs[0]
	if req.Method != "GET" || !strings.HasSuffix(req.URL, "/items?x=1") {
		t.Errorf("Unexpected serialized request %+v", req)
	}
	if req.Body != nil {
		t.Errorf("Expected no body, got %q", *req.Body)
	}
}

func TestRouterFailureBody(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"app.js": "export default () => null"})

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "host error with stack",
			err:  &host.Error{Kind: wire.UnknownFault, Message: "Error: boom", Stack: "    at handler (app.js:1:20)"},
			want: "Error: boom\n    at handler (app.js:1:20)",
		},
		{
			name: "host error without stack",
			err:  &host.Error{Kind: wire.ExecutionTimeout, Message: "handler did not finish"},
			want: "handler did not finish\n",
		},
		{
			name: "other error",
			err:  errors.New("launch failed"),
			want: "launch failed\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newTestRouter(t, root, Config{Executor: &fakeExecutor{err: tt.err}})
			w := serve(rt, "GET", "http://app.example.com/", nil)
			if w.Code != http.StatusInternalServerError {
				t.Errorf("Expected status 500, got %d", w.Code)
			}
			if w.Body.String() != tt.want {
				t.Errorf("Expected body %q, got %q", tt.want, w.Body.String())
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
				t.Errorf("Expected no CORS header on failure, got %q", got)
			}
		})
	}
}

func TestRouterStaticApplication(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"site/index.html": "<h1>hi</h1>",
		"site/style.css":  "body{}",
	})
	exec := &fakeExecutor{status: http.StatusOK}
	rt := newTestRouter(t, root, Config{Executor: exec})

	w := serve(rt, "GET", "http://site.example.com/", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<h1>hi</h1>") {
		t.Errorf("Expected index.html, got %d %q", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected Access-Control-Allow-Origin *, got %q", got)
	}

	w = serve(rt, "GET", "http://site.example.com/style.css", nil)
	if w.Code != http.StatusOK || w.Body.String() != "body{}" {
		t.Errorf("Expected style.css, got %d %q", w.Code, w.Body.String())
	}

	w = serve(rt, "GET", "http://site.example.com/missing.js", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for a missing file, got %d", w.Code)
	}

	if len(exec.apps) != 0 {
		t.Error("Expected static applications not to be executed")
	}
}

func TestRouterAdminAPI(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"hello.ts": "export default () => new Response()"})

	auditLog, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("audit.Open returned error: %v", err)
	}
	defer auditLog.Close()

	issuer, err := access.NewIssuer([]byte("test-secret"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	token, err := issuer.Issue("tester")
	if err != nil {
		t.Fatal(err)
	}

	exec := &fakeExecutor{status: http.StatusOK, body: "ok", inv: &host.Invocation{ID: "inv-1", PID: 42}}
	rt := newTestRouter(t, root, Config{Executor: exec, Audit: auditLog, Issuer: issuer})

	if w := serve(rt, "GET", "http://hello.example.com/greeting", nil); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	admin := func(path, bearer string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("GET", "http://hello.example.com"+path, nil)
		if bearer != "" {
			r.Header.Set("Authorization", "Bearer "+bearer)
		}
		w := httptest.NewRecorder()
		rt.ServeHTTP(w, r)
		return w
	}

	if w := admin("/_frontdoor/invocations", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 without a token, got %d", w.Code)
	}
	if w := admin("/_frontdoor/invocations", "not-a-token"); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 with an invalid token, got %d", w.Code)
	}

	w := admin("/_frontdoor/invocations", token)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var list struct {
		Invocations []audit.Invocation `json:"invocations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to decode invocations: %v", err)
	}
	if len(list.Invocations) != 1 {
		t.Fatalf("Expected 1 invocation, got %d", len(list.Invocations))
	}
	got := list.Invocations[0]
	if got.ID != "inv-1" || got.App != "hello" || got.Path != "/greeting" || got.Status != 200 || got.PID != 42 {
		t.Errorf("Unexpected invocation %+v", got)
	}
	if got.TraceID == "" {
		t.Error("Expected the invocation to carry the trace id")
	}

	w = admin("/_frontdoor/invocations?app=other", token)
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to decode invocations: %v", err)
	}
	if len(list.Invocations) != 0 {
		t.Errorf("Expected no invocations for app other, got %d", len(list.Invocations))
	}

	if w := admin("/_frontdoor/invocations?limit=abc", token); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a bad limit, got %d", w.Code)
	}

	w = admin("/_frontdoor/access", token)
	var events struct {
		Events []audit.AccessEvent `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatalf("Failed to decode access events: %v", err)
	}
	var allowed, rejected int
	for _, event := range events.Events {
		switch audit.EventType(event.EventType) {
		case audit.EventAdminAccess:
			allowed++
		case audit.EventInvalidToken:
			rejected++
		}
	}
	if rejected != 2 || allowed < 4 {
		t.Errorf("Expected 2 rejected and at least 4 allowed access events, got %d and %d", rejected, allowed)
	}

	if len(exec.apps) != 1 {
		t.Errorf("Expected admin requests not to reach the application, got %d executions", len(exec.apps))
	}
}

func TestRouterAdminDisabled(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"hello.ts": "export default () => new Response()"})
	exec := &fakeExecutor{status: http.StatusOK, body: "from app"}
	rt := newTestRouter(t, root, Config{Executor: exec})

	w := serve(rt, "GET", "http://hello.example.com/_frontdoor/invocations", nil)
	if w.Code != http.StatusOK || w.Body.String() != "from app" {
		t.Errorf("Expected the application to serve the path, got %d %q", w.Code, w.Body.String())
	}
}

func TestNewRouterRequiresConfig(t *testing.T) {
	if _, err := NewRouter(Config{Executor: &fakeExecutor{}}); err == nil {
		t.Error("Expected error without a root")
	}
	if _, err := NewRouter(Config{Root: t.TempDir()}); err == nil {
		t.Error("Expected error without an executor")
	}
}

func TestRouterServeAndStop(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"site/index.html": "up"})
	rt := newTestRouter(t, root, Config{Executor: &fakeExecutor{}})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		done <- rt.Serve(listener)
	}()

	req, err := http.NewRequest("GET", "http://"+listener.Addr().String()+"/", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Host = "site.localhost"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "up" {
		t.Errorf("Expected 200 \"up\", got %d %q", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Stop(ctx); err != nil {
		t.Errorf("Stop returned error: %v", err)
	}
	if err := <-done; !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Expected http.ErrServerClosed, got %v", err)
	}
}
