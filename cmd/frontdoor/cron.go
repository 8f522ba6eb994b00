package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/frontdoor/audit"
	"github.com/tomyedwab/frontdoor/config"
	"github.com/tomyedwab/frontdoor/frontdoor"
)

func newCronCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "List and run the cron jobs applications declare",
	}
	cmd.AddCommand(newCronListCmd(opts))
	cmd.AddCommand(newCronTriggerCmd(opts))
	return cmd
}

func newCronListCmd(opts *options) *cobra.Command {
	var flags struct {
		app  string
		json bool
	}
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List cron jobs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.NewViper(), opts.configFile)
			if err != nil {
				return err
			}
			items, err := frontdoor.ListCronJobs(cfg.Root, flags.app)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flags.json {
				if items == nil {
					items = []frontdoor.CronItem{}
				}
				encoder := json.NewEncoder(out)
				encoder.SetEscapeHTML(false)
				encoder.SetIndent("", "  ")
				if err := encoder.Encode(items); err != nil {
					return fmt.Errorf("failed to encode cron jobs: %w", err)
				}
				return nil
			}
			if len(items) == 0 {
				fmt.Fprintln(out, "No cron jobs found")
				return nil
			}
			return printCronTable(out, items)
		},
	}
	cmd.Flags().StringVar(&flags.app, "app", "", "only list the jobs of this application")
	cmd.Flags().BoolVar(&flags.json, "json", false, "output as json")
	return cmd
}

func printCronTable(w io.Writer, items []frontdoor.CronItem) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCHEDULE\tMETHOD\tPATH\tDESCRIPTION")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", item.ID, item.Schedule, item.Method, item.Path, item.Description)
	}
	return tw.Flush()
}

func newCronTriggerCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <app>:<job>",
		Short: "Run a cron job now and print its response body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.NewViper(), opts.configFile)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Log)

			sandboxHost, err := newSandboxHost(cfg, logger)
			if err != nil {
				return err
			}
			schedulerConfig := frontdoor.SchedulerConfig{
				Root:     cfg.Root,
				Executor: sandboxHost,
				Logger:   logger,
			}
			if cfg.Audit.DBPath != "" {
				auditLog, err := audit.Open(cfg.Audit.DBPath)
				if err != nil {
					return err
				}
				defer auditLog.Close()
				schedulerConfig.Audit = auditLog
			}
			scheduler, err := frontdoor.NewScheduler(schedulerConfig)
			if err != nil {
				return err
			}

			resp, _, err := scheduler.Trigger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
				return fmt.Errorf("failed to read response body: %w", err)
			}
			if resp.StatusCode >= 400 {
				return fmt.Errorf("cron job %s returned status %d", args[0], resp.StatusCode)
			}
			return nil
		},
	}
}
