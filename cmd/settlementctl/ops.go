package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/safar/marketplace-settlement/internal/gateway"
	"github.com/safar/marketplace-settlement/internal/settlement"
	"github.com/safar/marketplace-settlement/internal/visibility"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// service wires a settlement service whose audit events are flushed by the
// returned stop function.
func (e *env) service(ctx context.Context) (*settlement.Service, func(), error) {
	limits := visibility.DefaultPlanLimits()
	if e.cfg.Plans.File != "" {
		var err error
		if limits, err = visibility.LoadPlanLimits(e.cfg.Plans.File); err != nil {
			return nil, nil, err
		}
	}

	auditLog := e.auditLogger()
	auditLog.Start(ctx)

	gw := gateway.New(gateway.Config{
		BaseURL:         e.cfg.Gateway.BaseURL,
		SecretKey:       e.cfg.Gateway.SecretKey,
		Timeout:         e.cfg.Gateway.Timeout,
		CallbackURL:     e.cfg.Gateway.CallbackURL,
		ReferencePrefix: e.cfg.Gateway.ReferencePrefix,
	}, auditLog, nil, e.logger)

	svc := settlement.New(e.repo, gw, limits, settlement.Options{
		Recorder:        auditLog,
		Logger:          e.logger,
		ReferencePrefix: e.cfg.Gateway.ReferencePrefix,
		CallbackURL:     e.cfg.Gateway.CallbackURL,
		StaleAfter:      e.cfg.Reconcile.StaleAfter,
		ReconcileBatch:  e.cfg.Reconcile.BatchSize,
		DebitRetryAfter: e.cfg.Reconcile.DebitRetry,
	})
	stop := func() {
		if err := auditLog.Stop(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("audit_stop_incomplete", zap.Error(err))
		}
	}
	return svc, stop, nil
}

func enforceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enforce [store-id...]",
		Short: "Re-apply the plan's visible-product cap for stores",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid store id %q", a)
				}
				ids = append(ids, id)
			}

			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			svc, stop, err := e.service(cmd.Context())
			if err != nil {
				return err
			}
			defer stop()

			results := make([]*visibility.Result, 0, len(ids))
			for _, id := range ids {
				res, err := svc.Enforce(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("store %d: %w", id, err)
				}
				results = append(results, res)
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one sweep over stale pending payments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			if err := e.cfg.Validate(); err != nil {
				return err
			}
			svc, stop, err := e.service(cmd.Context())
			if err != nil {
				return err
			}
			defer stop()

			report, err := svc.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}
