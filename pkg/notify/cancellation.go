package notify

import (
	"context"
	"fmt"

	"github.com/rosterhq/integrations/pkg/entitlement"
)

// CancellationNotifier alerts an operations channel whenever a paying user's
// subscription is cancelled, so retention can follow up.
type CancellationNotifier struct {
	sender      Sender
	destination string
	logger      entitlement.Logger
}

func NewCancellationNotifier(sender Sender, destination string, logger entitlement.Logger) *CancellationNotifier {
	if sender == nil {
		sender = NewNoopSender()
	}
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	return &CancellationNotifier{sender: sender, destination: destination, logger: logger}
}

// SubscriptionCanceled implements entitlement.Notifier.
func (n *CancellationNotifier) SubscriptionCanceled(ctx context.Context, userID string, rec *entitlement.Record) error {
	tier := ""
	if rec != nil {
		tier = string(rec.Tier)
	}
	body := fmt.Sprintf("Subscription cancelled: user %s (was %s)", userID, tier)

	if err := n.sender.Send(ctx, n.destination, body); err != nil {
		n.logger.Warn("cancellation alert delivery failed",
			entitlement.Field{Key: "userId", Value: userID},
			entitlement.Field{Key: "provider", Value: n.sender.ProviderID()},
			entitlement.Field{Key: "error", Value: err.Error()})
		return err
	}
	return nil
}
