package handlers

import (
	"context"

	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/pkg/whatsapp"
)

// VerifyTokenKey is the settings key for the webhook verify token
const VerifyTokenKey = "webhook_verify_token"

// verifyToken resolves the configured verify token: settings first, config
// fallback. Empty means the subscription runs degraded.
func (a *App) verifyToken(ctx context.Context) string {
	var token string
	if err := a.Store.GetSetting(ctx, VerifyTokenKey, &token); err == nil && token != "" {
		return token
	}
	return a.Config.WhatsApp.WebhookVerifyToken
}

// VerifyWebhook handles the provider's GET subscription handshake
func (a *App) VerifyWebhook(r *fastglue.Request) error {
	args := r.RequestCtx.QueryArgs()
	mode := string(args.Peek("hub.mode"))
	token := string(args.Peek("hub.verify_token"))
	challenge := string(args.Peek("hub.challenge"))

	echo, err := whatsapp.VerifyWebhook(mode, token, challenge, a.verifyToken(r.RequestCtx))
	if err != nil {
		a.Log.Warn("Webhook verification rejected", "mode", mode, "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusForbidden, "Verification failed", nil, "")
	}

	r.RequestCtx.SetStatusCode(fasthttp.StatusOK)
	r.RequestCtx.SetContentType("text/plain")
	r.RequestCtx.SetBodyString(echo)
	return nil
}

// ReceiveWebhook ingests provider notifications. Always responds 200 once
// the payload is parseable so the provider never disables the subscription;
// projection happens asynchronously.
func (a *App) ReceiveWebhook(r *fastglue.Request) error {
	body := r.RequestCtx.PostBody()

	payload, err := whatsapp.ParseWebhook(body)
	if err != nil {
		a.Log.Warn("Unparseable webhook payload", "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Invalid payload", nil, fastglue.ErrorType(fault.KindValidation))
	}

	if a.verifyToken(r.RequestCtx) == "" {
		// Degraded: no verify token configured. Log and keep the
		// subscription alive.
		a.Log.Warn("Webhook received without a configured verify token")
	}

	statuses := payload.ExtractStatuses()
	messages := payload.ExtractMessages()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx := context.Background()
		if len(statuses) > 0 {
			a.Ingestor.HandleStatuses(ctx, statuses)
		}
		if len(messages) > 0 {
			a.Ingestor.HandleInbound(ctx, messages)
		}
	}()

	return r.SendEnvelope(map[string]string{"status": "received"})
}
