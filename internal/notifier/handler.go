package notifier

import (
	"context"

	"github.com/sirupsen/logrus"

	"KDJScreener/internal/logger"
	"KDJScreener/internal/model"
)

// Handler receives the outcome of every completed run. Delivery to chat,
// mail or webhooks plugs in here.
type Handler func(ctx context.Context, selections map[model.Timeframe][]model.SelectionRecord, summary model.RunSummary)

// LogHandler writes the formatted selection to the process log.
func LogHandler() Handler {
	log := logger.WithComponent("notifier")
	return func(_ context.Context, selections map[model.Timeframe][]model.SelectionRecord, summary model.RunSummary) {
		entry := log.WithFields(logrus.Fields{"run_id": summary.RunID, "degraded": summary.Degraded})
		if summary.Degraded {
			entry.Warn("\n" + FormatSelection(selections, summary))
			return
		}
		entry.Info("\n" + FormatSelection(selections, summary))
	}
}

// Chain calls every handler in order.
func Chain(handlers ...Handler) Handler {
	return func(ctx context.Context, selections map[model.Timeframe][]model.SelectionRecord, summary model.RunSummary) {
		for _, h := range handlers {
			if h != nil {
				h(ctx, selections, summary)
			}
		}
	}
}
