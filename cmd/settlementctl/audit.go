package main

import (
	"fmt"

	"github.com/safar/marketplace-settlement/internal/audit"
	"github.com/spf13/cobra"
)

func (e *env) auditLogger() *audit.Logger {
	return audit.New(e.repo, audit.Options{
		QueueSize:    e.cfg.Audit.QueueSize,
		Retention:    e.cfg.Audit.Retention,
		WriteTimeout: e.cfg.Audit.WriteTimeout,
		Logger:       e.logger,
	})
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and maintain the payment audit trail",
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete audit events older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			n, err := e.auditLogger().Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d events older than %s\n", n, e.cfg.Audit.Retention)
			return nil
		},
	}

	alerts := &cobra.Command{
		Use:   "alerts",
		Short: "Evaluate the suspicious-activity thresholds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			found, err := e.auditLogger().CheckForAlerts(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), found)
		},
	}

	var windowHours int
	suspicious := &cobra.Command{
		Use:   "suspicious",
		Short: "Count anomaly events over a trailing window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			act, err := e.auditLogger().SuspiciousActivity(cmd.Context(), windowHours)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), act)
		},
	}
	suspicious.Flags().IntVar(&windowHours, "window-hours", 24, "size of the trailing window")

	trail := &cobra.Command{
		Use:   "trail [reference]",
		Short: "Print every retained event for a payment reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			events, err := e.auditLogger().Trail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}

	cmd.AddCommand(purge, alerts, suspicious, trail)
	return cmd
}
