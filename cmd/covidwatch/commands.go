package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"covidwatch/internal/app"
	"covidwatch/internal/config"
	"covidwatch/internal/covid"
	"covidwatch/internal/fetch"
	"covidwatch/internal/task/scheduler"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "covidwatch",
		Short: "COVID statistics and news dashboard with scheduled refreshes",
		Long: `covidwatch keeps a local cache of COVID-19 figures for a local area and
the nation, plus matching news articles, and serves them over a JSON API.

Examples:
  covidwatch serve --config ./config.yaml
  covidwatch summarize ./exeter_covid_data.csv
  covidwatch next 07:30 --tz Europe/London`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newCheckCmd(), newSummarizeCmd(), newNextCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (.json, .yaml, .toml)")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(cfgPath).Parse()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s\n", cfgPath)
			fmt.Fprintf(out, "  local:    %s (%s)\n", cfg.Covid.Location, cfg.Covid.LocationType)
			fmt.Fprintf(out, "  national: %s\n", cfg.Covid.Nation)
			fmt.Fprintf(out, "  http:     %s\n", cfg.HTTP.Addr)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file")
	return cmd
}

func newSummarizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summarize <csv>",
		Short: "Reduce a statistics CSV to the dashboard figures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			series, err := fetch.ParseCSV(f)
			if err != nil {
				return err
			}
			sum, err := covid.Summarize(series)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "last 7 days cases: %d\n", sum.Last7DaysCases)
			fmt.Fprintf(out, "hospital cases:    %d\n", sum.HospitalCases)
			fmt.Fprintf(out, "total deaths:      %d\n", sum.TotalDeaths)
			return nil
		},
	}
}

func newNextCmd() *cobra.Command {
	var tz string
	cmd := &cobra.Command{
		Use:   "next <HH:MM>",
		Short: "Print when an update scheduled now for HH:MM would fire",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tz != "" {
				if _, err := time.LoadLocation(tz); err != nil {
					return fmt.Errorf("--tz: %w", err)
				}
			}
			s := scheduler.New(scheduler.Config{Timezone: tz}, nil, nil, cliLogger())
			at, err := s.Next(args[0])
			if errors.Is(err, scheduler.ErrInvalidTimeFormat) {
				return fmt.Errorf("%w (got %q)", scheduler.ErrInvalidTimeFormat, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (in %s)\n", at.Format(time.RFC3339), time.Until(at).Round(time.Minute))
			return nil
		},
	}
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone (default: host zone)")
	return cmd
}
