package httpx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/logging"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxCheckoutBody = 1 << 20

type CheckoutProcessor interface {
	Process(ctx context.Context, req checkout.Request) checkout.Response
}

type IdempotencyStore interface {
	Claim(ctx context.Context, key string) (*redisx.Record, error)
	Save(ctx context.Context, key string, rec redisx.Record) error
	Release(ctx context.Context, key string) error
}

type CheckoutHandler struct {
	Service     CheckoutProcessor
	Idempotency IdempotencyStore // optional
	Log         *zap.Logger
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Post("/api/checkout", h.checkout)
}

func (h *CheckoutHandler) checkout(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context(), h.Log)

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCheckoutBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Solicitud inválida")
		return
	}
	var req checkout.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Solicitud inválida")
		return
	}
	sum := sha256.Sum256(raw)
	bodyHash := hex.EncodeToString(sum[:])
	req.OwnerRef = r.Header.Get("X-Session-ID")

	key := r.Header.Get("Idempotency-Key")
	if key != "" && h.Idempotency != nil {
		rec, err := h.Idempotency.Claim(r.Context(), key)
		switch {
		case errors.Is(err, redisx.ErrInFlight):
			writeError(w, http.StatusConflict, "La solicitud anterior todavía se está procesando")
			return
		case err != nil:
			log.Warn("idempotency unavailable, processing without it", zap.Error(err))
			key = ""
		case rec != nil && !rec.Matches(bodyHash):
			log.Warn("idempotency key reused with a different body", zap.String("idempotency_key", key))
			writeError(w, http.StatusUnprocessableEntity, "La clave de idempotencia ya se usó con otra solicitud")
			return
		case rec != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(rec.Status)
			_, _ = w.Write(rec.Body)
			return
		}
	}

	resp := h.Service.Process(r.Context(), req)
	status := http.StatusOK
	if !resp.Success {
		status = apperr.HTTPStatus(resp.Err)
	}

	if key != "" && h.Idempotency != nil {
		// Server-side failures may succeed on retry, so only final answers are kept.
		if status >= http.StatusInternalServerError {
			if err := h.Idempotency.Release(r.Context(), key); err != nil {
				log.Warn("release idempotency key", zap.Error(err))
			}
		} else if body, err := json.Marshal(resp); err == nil {
			if err := h.Idempotency.Save(r.Context(), key, redisx.Record{Status: status, Body: body, BodyHash: bodyHash}); err != nil {
				log.Warn("store idempotent response", zap.Error(err))
			}
		}
	}
	writeJSON(w, status, resp)
}
