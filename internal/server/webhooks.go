package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"launchline/internal/domain"
	"launchline/internal/engine"
	"launchline/internal/webhook"
)

// webhookPath is relative to the base path and is served without bearer auth.
const webhookPath = "webhooks/tasks"

// maxWebhookBodyBytes caps a delivery; larger bodies are dropped unread.
const maxWebhookBodyBytes = 1 << 20

type webhookDeliveryInput struct {
	HookSecret string `header:"X-Hook-Secret"`
	Signature  string `header:"X-Hook-Signature"`
}

type webhookDeliveryOutput struct {
	HookSecret string `header:"X-Hook-Secret"`
	Body       WebhookReceiptResponse
}

func registerWebhooks(api huma.API, e engine.Engine, ing *webhook.Ingestor) {
	if ing != nil {
		huma.Register(api, huma.Operation{
			OperationID: "receive-task-webhook",
			Method:      http.MethodPost,
			Path:        "/" + webhookPath,
			Summary:     "Receive remote task events",
			Description: "Handshake requests carrying X-Hook-Secret are echoed. Deliveries are acknowledged before they are applied; unsigned or malformed batches are dropped silently.",
		}, func(ctx context.Context, input *webhookDeliveryInput) (*webhookDeliveryOutput, error) {
			header := http.Header{}
			if input.HookSecret != "" {
				header.Set(webhook.HeaderHookSecret, input.HookSecret)
			}
			if input.Signature != "" {
				header.Set(webhook.HeaderSignature, input.Signature)
			}
			receipt := ing.Receive(ctx, header, bodyBytes(ctx))
			out := &webhookDeliveryOutput{Body: WebhookReceiptResponse{Received: true}}
			if receipt.Handshake {
				out.HookSecret = receipt.HookSecret
			}
			return out, nil
		})

		huma.Register(api, huma.Operation{
			OperationID: "webhook-stats",
			Method:      http.MethodGet,
			Path:        "/webhooks/stats",
			Summary:     "Webhook ingestion counters",
		}, func(ctx context.Context, _ *struct{}) (*struct {
			Body WebhookStatsResponse `json:"body"`
		}, error) {
			return &struct {
				Body WebhookStatsResponse `json:"body"`
			}{Body: ing.Stats()}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "webhook-audit",
		Method:      http.MethodGet,
		Path:        "/webhooks/audit",
		Summary:     "List processed webhook events",
	}, func(ctx context.Context, input *struct {
		ResourceID string `query:"resource_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.WebhookAuditEntry `json:"body"`
	}, error) {
		items, err := e.Repo.ListAudit(ctx, input.ResourceID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WebhookAuditEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}
