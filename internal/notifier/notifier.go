// Package notifier delivers experiment lifecycle events to the operator and
// accepts operator decisions back. Telegram is the primary channel; the log
// notifier is the fallback when no bot token is configured.
package notifier

import (
	"context"
	"log/slog"

	"github.com/sellerlab/sellerlab/internal/experiments"
	"github.com/sellerlab/sellerlab/internal/observability"
)

// LogNotifier writes transition events to the structured log. Used when no
// Telegram channel is configured, and in tests.
type LogNotifier struct {
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *slog.Logger, metrics *observability.Metrics) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notifier"), metrics: metrics}
}

// Notify implements experiments.Notifier.
func (n *LogNotifier) Notify(_ context.Context, event experiments.Event) error {
	n.logger.Info("experiment event",
		"experiment_id", event.ExperimentID,
		"kind", event.Kind,
		"subject", event.SubjectRef,
		"from", string(event.From),
		"to", string(event.To),
		"verdict", string(event.Verdict),
	)
	if n.metrics != nil {
		n.metrics.NotificationSent("log", nil)
	}
	return nil
}
