package eventsub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/clipdash/backend/twitchapi"
)

// SubscriptionAPI is the Helix surface the reconciler needs.
type SubscriptionAPI interface {
	ListSubscriptions(ctx context.Context, userID string) ([]twitchapi.Subscription, error)
	CreateSubscription(ctx context.Context, subType, version string, condition map[string]string, transport twitchapi.Transport) (*twitchapi.Subscription, error)
}

// Reconciler converges a broadcaster's live EventSub subscriptions toward the
// catalog. It is additive only: extra or stale subscriptions are observed and
// logged, never deleted, so a misconfigured second deployment cannot tear down
// a healthy one's subscriptions.
type Reconciler struct {
	Client      SubscriptionAPI
	Catalog     []SubscriptionSpec
	ConduitID   string
	CallbackURL string
	Secret      string

	// Created is incremented per successful create; wired to a counter metric.
	Created func()
}

// Reconcile creates any catalog entries missing for broadcasterID. Presence is
// judged on (type, version) only; transport and status differences do not
// trigger creates, so a subscription stuck in a failed state is reported but
// not replaced. One create failure does not stop the remaining entries.
func (r *Reconciler) Reconcile(ctx context.Context, broadcasterID string) error {
	existing, err := r.Client.ListSubscriptions(ctx, broadcasterID)
	if err != nil {
		return fmt.Errorf("list subscriptions for %s: %w", broadcasterID, err)
	}

	have := make(map[string]bool, len(existing))
	for _, sub := range existing {
		have[sub.Type+"/"+sub.Version] = true
		if sub.Status != "enabled" && sub.Status != "webhook_callback_verification_pending" {
			slog.Warn("subscription in degraded state",
				slog.String("broadcaster_id", broadcasterID),
				slog.String("type", sub.Type),
				slog.String("status", sub.Status))
		}
	}

	catalog := r.Catalog
	if catalog == nil {
		catalog = DefaultCatalog("")
	}

	var firstErr error
	created := 0
	for _, spec := range catalog {
		if have[spec.Type+"/"+spec.Version] {
			continue
		}
		transports := []twitchapi.Transport{{Method: "conduit", ConduitID: r.ConduitID}}
		if spec.AlsoWebhook {
			transports = append(transports, twitchapi.Transport{
				Method:   "webhook",
				Callback: r.CallbackURL,
				Secret:   r.Secret,
			})
		}
		for _, tr := range transports {
			if err := r.create(ctx, broadcasterID, spec, tr); err != nil {
				slog.Error("subscription create failed",
					slog.String("broadcaster_id", broadcasterID),
					slog.String("type", spec.Type),
					slog.String("transport", tr.Method),
					slog.Any("err", err))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			created++
		}
	}

	slog.Info("subscription reconcile complete",
		slog.String("broadcaster_id", broadcasterID),
		slog.Int("existing", len(existing)),
		slog.Int("created", created))
	return firstErr
}

func (r *Reconciler) create(ctx context.Context, broadcasterID string, spec SubscriptionSpec, transport twitchapi.Transport) error {
	_, err := r.Client.CreateSubscription(ctx, spec.Type, spec.Version, spec.Condition(broadcasterID), transport)
	if twitchapi.IsConflict(err) {
		// Already registered, likely by a concurrent reconcile. Converged.
		slog.Debug("subscription already exists",
			slog.String("broadcaster_id", broadcasterID),
			slog.String("type", spec.Type))
		return nil
	}
	if err != nil {
		return err
	}
	if r.Created != nil {
		r.Created()
	}
	return nil
}
