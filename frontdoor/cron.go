package frontdoor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tomyedwab/frontdoor/sandbox/host"
	"github.com/tomyedwab/frontdoor/tenant"
	"github.com/tomyedwab/frontdoor/wire"
)

// CronUserAgent identifies scheduled requests to the application.
const CronUserAgent = "frontdoor-cron"

// CronHeader carries the job name on scheduled requests.
const CronHeader = "X-Frontdoor-Cron"

// ErrJobNotFound is returned when an application declares no job by that name.
var ErrJobNotFound = errors.New("cron job not found")

// CronItem is a job together with the application that declares it.
type CronItem struct {
	ID  string `json:"id"` // <app>:<job>
	App string `json:"app"`
	tenant.CronJob
}

// SchedulerConfig holds configuration options for the Scheduler.
type SchedulerConfig struct {
	Root     string        // Directory holding the applications
	Executor Executor      // Runs the scheduled requests
	Audit    InvocationLog // Optional, nil disables audit rows
	Logger   *slog.Logger  // Optional, defaults to slog.Default()
}

// Scheduler sends a synthetic request to an application for each cron job it
// declares in its frontdoor.json. Jobs are read from disk on every tick, so
// edits take effect within a minute.
type Scheduler struct {
	root     string
	executor Executor
	audit    InvocationLog
	logger   *slog.Logger
	parser   cron.Parser

	mu   sync.Mutex
	cron *cron.Cron
}

// NewScheduler creates a Scheduler. Call Start to run jobs on their schedule.
func NewScheduler(config SchedulerConfig) (*Scheduler, error) {
	if config.Root == "" {
		return nil, errors.New("root directory is required")
	}
	if config.Executor == nil {
		return nil, errors.New("executor is required")
	}

	s := &Scheduler{
		root:     config.Root,
		executor: config.Executor,
		audit:    config.Audit,
		logger:   config.Logger,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "cron")
	return s, nil
}

// ListJobs returns the jobs of app, or of every application when app is empty.
func (s *Scheduler) ListJobs(app string) ([]CronItem, error) {
	return ListCronJobs(s.root, app)
}

// ListCronJobs returns the jobs of app under root, or of every application
// when app is empty.
func ListCronJobs(root, app string) ([]CronItem, error) {
	names := []string{app}
	if app == "" {
		var err error
		names, err = tenant.ListApps(root)
		if err != nil {
			return nil, err
		}
	}

	var items []CronItem
	for _, name := range names {
		desc, jobs, err := loadJobs(root, name)
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			items = append(items, CronItem{ID: desc.Name + ":" + job.Name, App: desc.Name, CronJob: job})
		}
	}
	return items, nil
}

func loadJobs(root, name string) (*tenant.AppDescriptor, []tenant.CronJob, error) {
	desc, err := tenant.NewAppDescriptor(root, name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load application %s: %w", name, err)
	}
	config, err := tenant.LoadAppConfig(root, desc.Entrypoint)
	if err != nil {
		return nil, nil, err
	}
	return desc, config.Crons, nil
}

// Trigger runs the job identified by id (<app>:<job>) immediately. The caller
// must close the response body.
func (s *Scheduler) Trigger(ctx context.Context, id string) (*http.Response, *host.Invocation, error) {
	name, jobName, ok := strings.Cut(id, ":")
	if !ok || name == "" || jobName == "" {
		return nil, nil, fmt.Errorf("invalid cron job %q: expected <app>:<job>", id)
	}
	desc, jobs, err := loadJobs(s.root, strings.ToLower(name))
	if err != nil {
		return nil, nil, err
	}
	for _, job := range jobs {
		if job.Name == jobName {
			return s.run(ctx, desc, job)
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// CronRequest builds the request sent to app for job.
func CronRequest(app string, job tenant.CronJob) wire.SerializedRequest {
	hostname := app + ".localhost"
	return wire.SerializedRequest{
		URL:    "http://" + hostname + job.Path,
		Method: job.Method,
		Headers: wire.Headers{
			{"host", hostname},
			{"user-agent", CronUserAgent},
			{strings.ToLower(CronHeader), job.Name},
		},
	}
}

func (s *Scheduler) run(ctx context.Context, desc *tenant.AppDescriptor, job tenant.CronJob) (*http.Response, *host.Invocation, error) {
	if desc.IsStatic() {
		return nil, nil, fmt.Errorf("application %s is a static bundle and cannot run cron jobs", desc.Name)
	}

	traceID := uuid.New().String()
	req := CronRequest(desc.Name, job)
	resp, inv, err := s.executor.Execute(ctx, desc, req)

	status := http.StatusInternalServerError
	if err == nil {
		status = resp.StatusCode
	}
	if s.audit != nil {
		path, _, _ := strings.Cut(job.Path, "?")
		row := invocationRow(traceID, desc, job.Method, path, inv, status, err)
		if logErr := s.audit.LogInvocation(row); logErr != nil {
			s.logger.Error("Failed to record invocation", "trace", traceID, "error", logErr)
		}
	}

	attrs := []any{"app", desc.Name, "job", job.Name, "trace", traceID, "status", status}
	if inv != nil {
		attrs = append(attrs, "invocation", inv.ID)
	}
	switch {
	case err != nil:
		s.logger.Error("Cron job failed", append(attrs, "error", err)...)
	case status >= http.StatusInternalServerError:
		s.logger.Warn("Cron job returned an error status", attrs...)
	default:
		s.logger.Info("Cron job completed", attrs...)
	}
	return resp, inv, err
}

// RunDue runs every job scheduled for the minute containing now and waits for
// them to finish. It returns the IDs of the jobs it started. An application
// with an unreadable config is logged and skipped.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) []string {
	rounded := now.Truncate(time.Minute)
	names, err := tenant.ListApps(s.root)
	if err != nil {
		s.logger.Error("Failed to list applications", "error", err)
		return nil
	}

	var wg sync.WaitGroup
	var started []string
	for _, name := range names {
		desc, jobs, err := loadJobs(s.root, name)
		if err != nil {
			s.logger.Error("Failed to load cron jobs", "app", name, "error", err)
			continue
		}
		for _, job := range jobs {
			job := job
			id := desc.Name + ":" + job.Name
			schedule, err := s.parser.Parse(job.Schedule)
			if err != nil {
				s.logger.Error("Invalid cron schedule", "job", id, "schedule", job.Schedule, "error", err)
				continue
			}
			if !schedule.Next(rounded.Add(-time.Second)).Equal(rounded) {
				continue
			}

			started = append(started, id)
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, _, err := s.run(ctx, desc, job)
				if err == nil {
					io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
				}
			}()
		}
	}
	wg.Wait()
	sort.Strings(started)
	return started
}

// Start runs due jobs at the top of every minute until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc("* * * * *", func() { s.RunDue(ctx, time.Now()) }); err != nil {
		return fmt.Errorf("failed to schedule cron runner: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop halts the schedule and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to the cron package's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
