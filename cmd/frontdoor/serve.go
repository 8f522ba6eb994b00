package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/frontdoor/audit"
	"github.com/tomyedwab/frontdoor/config"
	"github.com/tomyedwab/frontdoor/frontdoor"
	"github.com/tomyedwab/frontdoor/sandbox/host"
)

const (
	sweepInterval = time.Hour
	// Slack added to the sandbox timeouts for the server write timeout.
	writeTimeoutSlack = 10 * time.Second
)

func newServeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [root]",
		Short: "Serve the applications under root",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.NewViper()
			if err := v.BindPFlag("addr", cmd.Flags().Lookup("addr")); err != nil {
				return err
			}
			if err := v.BindPFlag("log.level", cmd.Flags().Lookup("log-level")); err != nil {
				return err
			}
			if err := v.BindPFlag("log.format", cmd.Flags().Lookup("log-format")); err != nil {
				return err
			}
			if err := v.BindPFlag("cron.enabled", cmd.Flags().Lookup("enable-crons")); err != nil {
				return err
			}
			if len(args) == 1 {
				v.Set("root", args[0])
			}

			cfg, err := config.Load(v, opts.configFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("addr", ":7777", "address to listen on")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "json", "log format (json, text)")
	cmd.Flags().Bool("enable-crons", false, "run the cron jobs applications declare")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)
	logger.Info("Starting frontdoor", "root", cfg.Root, "addr", cfg.Addr)

	sandboxHost, err := newSandboxHost(cfg, logger)
	if err != nil {
		return err
	}

	routerConfig := frontdoor.Config{
		Root:         cfg.Root,
		Executor:     sandboxHost,
		Logger:       logger,
		WriteTimeout: cfg.Sandbox.StartupTimeout + cfg.Sandbox.ExecutionTimeout + writeTimeoutSlack,
	}

	var auditLog *audit.Logger
	if cfg.Audit.DBPath != "" {
		auditLog, err = audit.Open(cfg.Audit.DBPath)
		if err != nil {
			return err
		}
		defer auditLog.Close()
		routerConfig.Audit = auditLog
		logger.Info("Audit logger initialized", "path", cfg.Audit.DBPath)
	}

	issuer, err := adminIssuer(cfg)
	if err != nil {
		return err
	}
	if issuer != nil {
		routerConfig.Issuer = issuer
		logger.Info("Admin API enabled", "prefix", frontdoor.AdminPrefix)
	}

	router, err := frontdoor.NewRouter(routerConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if auditLog != nil {
		go sweepAuditLog(ctx, auditLog, cfg.Audit.Retention, logger)
	}

	if cfg.Cron.Enabled {
		schedulerConfig := frontdoor.SchedulerConfig{
			Root:     cfg.Root,
			Executor: sandboxHost,
			Logger:   logger,
		}
		if auditLog != nil {
			schedulerConfig.Audit = auditLog
		}
		scheduler, err := frontdoor.NewScheduler(schedulerConfig)
		if err != nil {
			return err
		}
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
		logger.Info("Cron jobs enabled")
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Sandbox.StartupTimeout+cfg.Sandbox.ExecutionTimeout)
			defer cancel()
			if err := scheduler.Stop(stopCtx); err != nil {
				logger.Warn("Cron jobs still running at shutdown", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- router.Start(cfg.Addr)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("Received signal, initiating graceful shutdown...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), routerConfig.WriteTimeout)
	defer cancel()
	if err := router.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping front door", "error", err)
		return err
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("Front door stopped gracefully")
	return nil
}

func newSandboxHost(cfg *config.Config, logger *slog.Logger) (*host.Host, error) {
	return host.New(host.Config{
		Command:          cfg.Sandbox.Command,
		Logger:           logger,
		StartupTimeout:   cfg.Sandbox.StartupTimeout,
		ExecutionTimeout: cfg.Sandbox.ExecutionTimeout,
		DoneGrace:        cfg.Sandbox.DoneGrace,
		MaxMessageBytes:  cfg.Sandbox.MaxMessageBytes,
	})
}

// sweepAuditLog deletes audit rows older than retention, once at startup and
// then every sweepInterval.
func sweepAuditLog(ctx context.Context, auditLog *audit.Logger, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		deleted, err := auditLog.DeleteOldEvents(retention)
		if err != nil {
			logger.Error("Failed to sweep audit log", "error", err)
		} else if deleted > 0 {
			logger.Info("Swept audit log", "deleted", deleted, "retention", retention)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
