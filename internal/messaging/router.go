package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

// Router delivers messages through the provider registered for their platform.
type Router struct {
	registry *Registry
}

// NewRouter returns a router over registry.
func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// Deliver sends msg to target via msg.Platform's provider. An empty target
// falls back to the message's reply target.
func (r *Router) Deliver(ctx context.Context, msg models.ChatMessage, target string) models.SendResult {
	p, err := r.registry.Get(msg.Platform)
	if err != nil {
		slog.Error("Router.Deliver: no provider for platform", "platform", msg.Platform, "messageID", msg.MessageID)
		return models.SendFailed(models.SendErrorProviderNotFound, err.Error(), false)
	}
	if target == "" {
		target = msg.ReplyTarget()
	}
	if target == "" {
		return models.SendFailed(models.SendErrorInvalidTarget, "no delivery target", false)
	}
	res := p.SendMessage(ctx, msg, target)
	if !res.Success {
		slog.Warn("Router.Deliver: send failed", "platform", msg.Platform, "target", target,
			"code", res.ErrorCode, "retryable", res.Retryable)
	}
	return res
}

// DeliverAll sends msgs in order and stops at the first failure. It returns
// the results of the attempted sends.
func (r *Router) DeliverAll(ctx context.Context, msgs []models.ChatMessage, target string) []models.SendResult {
	results := make([]models.SendResult, 0, len(msgs))
	for _, m := range msgs {
		res := r.Deliver(ctx, m, target)
		results = append(results, res)
		if !res.Success {
			break
		}
	}
	return results
}
