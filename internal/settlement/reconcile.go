package settlement

import (
	"context"
	"time"

	"github.com/safar/marketplace-settlement/internal/logging"
	"go.uber.org/zap"
)

// ReconcileReport counts what one sweep did, keyed by settlement outcome.
type ReconcileReport struct {
	Claimed  int             `json:"claimed"`
	Outcomes map[Outcome]int `json:"outcomes"`
}

// Reconcile polls the gateway for pending payments nobody has looked at for a
// while. Rows another instance is sweeping are skipped.
func (s *Service) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	now := s.clock.Now()
	refs, err := s.repo.ClaimStalePending(ctx, now.Add(-s.staleAfter), now, s.batch)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{Claimed: len(refs), Outcomes: map[Outcome]int{}}
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		res, err := s.Settle(ctx, ref, SourcePoll)
		outcome := OutcomeError
		if res != nil {
			outcome = res.Outcome
		}
		report.Outcomes[outcome]++
		if err != nil && outcome != OutcomePending {
			logging.FromContext(ctx, s.log).Warn("reconcile_settle_failed",
				zap.String("reference", ref),
				zap.String("outcome", string(outcome)),
				zap.Error(err),
			)
		}
	}
	return report, nil
}

// RunReconciler sweeps every interval until ctx is done.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	log := s.log.With(zap.Duration("interval", interval))
	log.Info("reconciler_started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("reconciler_stopped")
			return
		case <-ticker.C:
			report, err := s.Reconcile(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("reconcile_failed", zap.Error(err))
				}
				continue
			}
			if report.Claimed > 0 {
				log.Info("reconcile_completed",
					zap.Int("claimed", report.Claimed),
					zap.Any("outcomes", report.Outcomes),
				)
			}
		}
	}
}
