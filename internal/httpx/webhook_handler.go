package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/logging"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/webhook"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type PaymentNotifier interface {
	ApplyPaymentNotification(ctx context.Context, dataID string) (webhook.Result, error)
}

type WebhookHandler struct {
	Secret  string
	Updater PaymentNotifier
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Now     func() time.Time
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/api/webhooks/mercadopago", h.mercadopago)
}

type notificationBody struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// parseNotification reads topic and data id from the query string, falling
// back to the JSON body.
func parseNotification(r *http.Request) (topic, dataID string) {
	q := r.URL.Query()
	topic = q.Get("type")
	if topic == "" {
		topic = q.Get("topic")
	}
	dataID = q.Get("data.id")
	if dataID == "" {
		dataID = q.Get("id")
	}
	if dataID != "" && topic != "" {
		return topic, dataID
	}

	var body notificationBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err == nil {
		if topic == "" {
			topic = body.Type
		}
		if dataID == "" {
			dataID = strings.Trim(string(body.Data.ID), `"`)
		}
	}
	return topic, dataID
}

func (h *WebhookHandler) mercadopago(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context(), h.Log)
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	topic, dataID := parseNotification(r)
	if dataID == "" {
		h.Metrics.Webhook("invalid")
		writeError(w, http.StatusBadRequest, "Notificación inválida")
		return
	}
	if !webhook.Verify(r.Header.Get(webhook.HeaderSignature), r.Header.Get(webhook.HeaderRequestID), dataID, h.Secret, now()) {
		h.Metrics.Webhook("unauthorized")
		log.Warn("webhook signature rejected", zap.String("data_id", dataID))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if topic != "" && topic != "payment" {
		h.Metrics.Webhook("ignored")
		writeJSON(w, http.StatusOK, map[string]bool{"ignored": true})
		return
	}

	res, err := h.Updater.ApplyPaymentNotification(r.Context(), dataID)
	if err != nil {
		h.Metrics.Webhook("error")
		log.Error("apply payment notification", zap.String("data_id", dataID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Error al procesar la notificación")
		return
	}
	outcome := "unchanged"
	if res.Applied {
		outcome = "applied"
	}
	h.Metrics.Webhook(outcome)
	writeJSON(w, http.StatusOK, res)
}
