package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tomyedwab/frontdoor/access"
	"github.com/tomyedwab/frontdoor/audit"
	"github.com/tomyedwab/frontdoor/config"
	"github.com/tomyedwab/frontdoor/frontdoor"
)

// TestMain lets the test binary stand in for the frontdoor executable when a
// test points sandbox.command at it.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == "sandbox" {
		if err := newRootCmd().Execute(); err != nil {
			os.Exit(1)
		}
		return
	}
	os.Exit(m.Run())
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("FRONTDOOR_ROOT", t.TempDir())
	t.Setenv("FRONTDOOR_ADMIN_SECRET", "cli-secret")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--subject", "ops"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("token command returned error: %v", err)
	}

	issuer, err := access.NewIssuer([]byte("cli-secret"), config.DefaultConfig().Admin.TokenTTL)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := issuer.Validate(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("Expected a valid token, got error: %v", err)
	}
	if claims.Subject != "ops" {
		t.Errorf("Expected subject ops, got %s", claims.Subject)
	}
}

func TestTokenCommandAdminDisabled(t *testing.T) {
	t.Setenv("FRONTDOOR_ROOT", t.TempDir())

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"token"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "admin API is disabled") {
		t.Errorf("Expected admin disabled error, got %v", err)
	}
}

func TestAdminIssuerSecretFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Admin.SecretFile = filepath.Join(t.TempDir(), "admin.key")

	first, err := adminIssuer(cfg)
	if err != nil {
		t.Fatalf("adminIssuer returned error: %v", err)
	}
	token, err := first.Issue("ops")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfg.Admin.SecretFile); err != nil {
		t.Fatalf("Expected the secret file to be created: %v", err)
	}

	second, err := adminIssuer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := second.Validate(token); err != nil {
		t.Errorf("Expected a token to survive reloading the secret file, got %v", err)
	}

	if issuer, err := adminIssuer(config.DefaultConfig()); issuer != nil || err != nil {
		t.Errorf("Expected no issuer without a secret, got %v %v", issuer, err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})
	logger.Info("hidden")
	logger.Warn("shown", "app", "hello")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 log line, got %d: %q", len(lines), buf.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("Expected JSON log line, got %q", lines[0])
	}
	if record["msg"] != "shown" || record["app"] != "hello" {
		t.Errorf("Unexpected record %v", record)
	}

	buf.Reset()
	logger = newLogger(&buf, config.LogConfig{Level: "debug", Format: "text"})
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug to be enabled")
	}
	logger.Debug("plain", "app", "hello")
	if !strings.Contains(buf.String(), "plain") || !strings.Contains(buf.String(), "app=hello") {
		t.Errorf("Unexpected text log output %q", buf.String())
	}
}

func TestSandboxCommandIsHidden(t *testing.T) {
	cmd := newRootCmd()
	sandbox, _, err := cmd.Find([]string{"sandbox"})
	if err != nil {
		t.Fatal(err)
	}
	if !sandbox.Hidden {
		t.Error("Expected the sandbox command to be hidden")
	}
	if sandbox.Flags().Lookup("max-message-bytes") == nil {
		t.Error("Expected the sandbox command to accept --max-message-bytes")
	}
}

func writeCronApp(t *testing.T, root string) {
	t.Helper()
	files := map[string]string{
		"jobs/mod.ts": `export default (req) => new URL(req.url).pathname === "/fail"
			? new Response("nope", { status: 503 })
			: new Response("ran " + req.headers.get("x-frontdoor-cron"));`,
		"jobs/frontdoor.json": `{"crons": [
			{"name": "sweep", "description": "Sweep caches", "schedule": "@hourly", "path": "/sweep"},
			{"name": "fail", "schedule": "@daily", "path": "/fail"}
		]}`,
	}
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCronListCommand(t *testing.T) {
	root := t.TempDir()
	writeCronApp(t, root)
	t.Setenv("FRONTDOOR_ROOT", root)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"cron", "list", "--json"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("cron list returned error: %v", err)
	}
	var items []frontdoor.CronItem
	if err := json.Unmarshal(out.Bytes(), &items); err != nil {
		t.Fatalf("Expected JSON output, got %q", out.String())
	}
	if len(items) != 2 || items[0].ID != "jobs:sweep" || items[0].Schedule != "@hourly" || items[0].Method != "GET" {
		t.Errorf("Unexpected items %+v", items)
	}

	out.Reset()
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"cron", "list"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("cron list returned error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "ID") || !strings.Contains(lines[1], "Sweep caches") {
		t.Errorf("Unexpected table %q", out.String())
	}

	t.Setenv("FRONTDOOR_ROOT", t.TempDir())
	out.Reset()
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"cron", "list"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("cron list returned error: %v", err)
	}
	if strings.TrimSpace(out.String()) != "No cron jobs found" {
		t.Errorf("Unexpected output %q", out.String())
	}
}

func TestCronTriggerCommand(t *testing.T) {
	root := t.TempDir()
	writeCronApp(t, root)
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	t.Setenv("FRONTDOOR_ROOT", root)
	t.Setenv("FRONTDOOR_SANDBOX_COMMAND", os.Args[0]+" sandbox")
	t.Setenv("FRONTDOOR_AUDIT_DB_PATH", dbPath)

	run := func(id string) (string, error) {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetErr(io.Discard)
		cmd.SetArgs([]string{"cron", "trigger", id})
		err := cmd.Execute()
		return out.String(), err
	}

	out, err := run("jobs:sweep")
	if err != nil {
		t.Fatalf("cron trigger returned error: %v", err)
	}
	if out != "ran sweep" {
		t.Errorf("Expected \"ran sweep\", got %q", out)
	}

	out, err = run("jobs:fail")
	if err == nil || !strings.Contains(err.Error(), "status 503") {
		t.Errorf("Expected a status error, got %v", err)
	}
	if out != "nope" {
		t.Errorf("Expected the body to be printed, got %q", out)
	}

	if _, err := run("jobs:missing"); !errors.Is(err, frontdoor.ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}

	auditLog, err := audit.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer auditLog.Close()
	rows, err := auditLog.GetInvocationsByApp("jobs", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 audit rows, got %d", len(rows))
	}
}
