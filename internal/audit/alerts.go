package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/models"
)

type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Signal names one of the aggregated suspicious-activity counters.
type Signal string

const (
	SignalAmountMismatch      Signal = "amount_mismatch"
	SignalRateLimit           Signal = "rate_limit"
	SignalVerificationFailure Signal = "verification_failure"
	SignalWebhookError        Signal = "webhook_error"
	SignalUnfulfilledCharge   Signal = "unfulfilled_charge"
)

// signalKinds maps each signal to the event kinds it counts. Inventory debits
// only run once the gateway has confirmed the charge.
var signalKinds = map[Signal][]models.AuditEventKind{
	SignalAmountMismatch:      {models.AuditAmountMismatch},
	SignalRateLimit:           {models.AuditRateLimitExceeded},
	SignalVerificationFailure: {models.AuditVerificationFailed},
	SignalWebhookError:        {models.AuditWebhookError, models.AuditWebhookInvalidSignature},
	SignalUnfulfilledCharge:   {models.AuditInventoryDebitFailed},
}

// Level is a warning/critical pair; zero disables that level.
type Level struct {
	Warning  int
	Critical int
}

type Thresholds struct {
	Window              time.Duration
	AmountMismatch      Level
	RateLimit           Level
	VerificationFailure Level
	WebhookError        Level
	UnfulfilledCharge   Level
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Window:              time.Hour,
		AmountMismatch:      Level{Critical: 5},
		RateLimit:           Level{Warning: 50},
		VerificationFailure: Level{Warning: 10, Critical: 25},
		WebhookError:        Level{Warning: 5, Critical: 20},
		UnfulfilledCharge:   Level{Critical: 1},
	}
}

func (t Thresholds) level(s Signal) Level {
	switch s {
	case SignalAmountMismatch:
		return t.AmountMismatch
	case SignalRateLimit:
		return t.RateLimit
	case SignalVerificationFailure:
		return t.VerificationFailure
	case SignalWebhookError:
		return t.WebhookError
	case SignalUnfulfilledCharge:
		return t.UnfulfilledCharge
	}
	return Level{}
}

type Activity struct {
	Since                time.Time `json:"since"`
	WindowHours          int       `json:"window_hours"`
	AmountMismatches     int       `json:"amount_mismatches"`
	RateLimitHits        int       `json:"rate_limit_hits"`
	VerificationFailures int       `json:"verification_failures"`
	WebhookErrors        int       `json:"webhook_errors"`
	UnfulfilledCharges   int       `json:"unfulfilled_charges"`
}

func (a Activity) count(s Signal) int {
	switch s {
	case SignalAmountMismatch:
		return a.AmountMismatches
	case SignalRateLimit:
		return a.RateLimitHits
	case SignalVerificationFailure:
		return a.VerificationFailures
	case SignalWebhookError:
		return a.WebhookErrors
	case SignalUnfulfilledCharge:
		return a.UnfulfilledCharges
	}
	return 0
}

type Alert struct {
	Severity  Severity `json:"severity"`
	Signal    Signal   `json:"signal"`
	Count     int      `json:"count"`
	Threshold int      `json:"threshold"`
	Message   string   `json:"message"`
}

// Trail returns every retained event for reference, newest first.
func (l *Logger) Trail(ctx context.Context, reference string) ([]models.AuditEvent, error) {
	if reference == "" {
		return nil, apperr.Validation("audit.trail", "reference is required")
	}
	since := l.clock.Now().Add(-l.retention)
	events, err := l.store.ListAuditEvents(ctx, reference, since)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

// SuspiciousActivity aggregates the anomaly counters over the trailing window.
func (l *Logger) SuspiciousActivity(ctx context.Context, windowHours int) (Activity, error) {
	if windowHours <= 0 {
		return Activity{}, apperr.Validation("audit.suspicious_activity", "window must be at least one hour")
	}
	return l.activity(ctx, time.Duration(windowHours)*time.Hour)
}

func (l *Logger) activity(ctx context.Context, window time.Duration) (Activity, error) {
	since := l.clock.Now().Add(-window)

	var kinds []models.AuditEventKind
	for _, s := range signals {
		kinds = append(kinds, signalKinds[s]...)
	}
	counts, err := l.store.CountAuditEvents(ctx, kinds, since)
	if err != nil {
		return Activity{}, fmt.Errorf("count audit events: %w", err)
	}

	sum := func(s Signal) int {
		n := 0
		for _, k := range signalKinds[s] {
			n += counts[k]
		}
		return n
	}

	return Activity{
		Since:                since,
		WindowHours:          int(window / time.Hour),
		AmountMismatches:     sum(SignalAmountMismatch),
		RateLimitHits:        sum(SignalRateLimit),
		VerificationFailures: sum(SignalVerificationFailure),
		WebhookErrors:        sum(SignalWebhookError),
		UnfulfilledCharges:   sum(SignalUnfulfilledCharge),
	}, nil
}

var signals = []Signal{SignalAmountMismatch, SignalVerificationFailure, SignalWebhookError, SignalRateLimit, SignalUnfulfilledCharge}

// CheckForAlerts evaluates the thresholds against the recent log. Nothing is
// stored; every call recomputes from the events.
func (l *Logger) CheckForAlerts(ctx context.Context) ([]Alert, error) {
	act, err := l.activity(ctx, l.thresholds.Window)
	if err != nil {
		return nil, err
	}

	alerts := []Alert{}
	for _, s := range signals {
		lvl := l.thresholds.level(s)
		n := act.count(s)
		switch {
		case lvl.Critical > 0 && n >= lvl.Critical:
			alerts = append(alerts, newAlert(SeverityCritical, s, n, lvl.Critical, l.thresholds.Window))
		case lvl.Warning > 0 && n >= lvl.Warning:
			alerts = append(alerts, newAlert(SeverityWarning, s, n, lvl.Warning, l.thresholds.Window))
		}
	}
	return alerts, nil
}

var signalHints = map[Signal]string{
	SignalAmountMismatch:      "possible price tampering",
	SignalRateLimit:           "possible abuse or scripted checkout",
	SignalVerificationFailure: "gateway declines or misuse of references",
	SignalWebhookError:        "forged or malformed webhook deliveries",
	SignalUnfulfilledCharge:   "charged payments whose stock could not be debited, refund or restock",
}

func newAlert(sev Severity, s Signal, count, threshold int, window time.Duration) Alert {
	return Alert{
		Severity:  sev,
		Signal:    s,
		Count:     count,
		Threshold: threshold,
		Message: fmt.Sprintf("%s: %d %s events in the last %s (threshold %d), %s",
			sev, count, s, window, threshold, signalHints[s]),
	}
}
