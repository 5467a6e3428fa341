package notify

import (
	"context"

	"github.com/castline/escrowd/internal/logging"
)

// LogSink writes every notification to the structured log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(ctx context.Context, n *Notification) error {
	logging.L(ctx).Info("notification",
		"notification_id", n.ID,
		"to", n.UserID,
		"kind", n.Kind,
		"title", n.Title,
		"escrow_id", n.Data["escrowId"],
	)
	return nil
}
