package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/cellcore/pkg/cellcore/observability"
)

// Alert describes a broken chain.
type Alert struct {
	TenantID     string
	ChainID      string
	Verification Verification
	DetectedAt   time.Time
}

// Alerter is notified when verification finds a broken chain.
type Alerter interface {
	Alert(ctx context.Context, alert Alert)
}

// AlertFunc adapts a function to Alerter.
type AlertFunc func(ctx context.Context, alert Alert)

// Alert implements Alerter.
func (f AlertFunc) Alert(ctx context.Context, alert Alert) {
	f(ctx, alert)
}

// LogAlerter logs integrity breaks at error level.
type LogAlerter struct {
	Logger *slog.Logger
}

// Alert implements Alerter.
func (a LogAlerter) Alert(_ context.Context, alert Alert) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observability.LogIntegrityBreak(logger, alert.TenantID, alert.ChainID,
		alert.Verification.BrokenAt, alert.Verification.Reason)
}

// MultiAlerter notifies every alerter in order.
type MultiAlerter []Alerter

// Alert implements Alerter.
func (m MultiAlerter) Alert(ctx context.Context, alert Alert) {
	for _, a := range m {
		a.Alert(ctx, alert)
	}
}
