package posting

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/stock"
	"github.com/odyssey-erp/odyssey-ledger/internal/valuation"
)

// Handler accepts business events over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers HTTP routes for event posting.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/ledger/events/{type}", h.postEvent)
}

const maxEventBody = 64 << 10

func (h *Handler) postEvent(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok || !actor.Can(shared.PermLedgerPost) {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	eventType := EventType(strings.ToUpper(chi.URLParam(r, "type")))
	ev, err := DecodeEvent(eventType, raw)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	ev = WithActor(ev, actor.ID, actor.Can(shared.PermLedgerApprove))
	res, err := h.service.Post(r.Context(), ev)
	if err != nil {
		if errors.Is(err, ErrApprovalRequired) {
			httpx.JSON(w, http.StatusAccepted, map[string]any{
				"status":           "approval_required",
				"approval_reasons": res.ApprovalReasons,
			})
			return
		}
		h.logger.Warn("post event", slog.String("type", string(eventType)), slog.Any("error", err))
		httpx.RespondError(w, mapError(err))
		return
	}
	status := http.StatusCreated
	if res.Duplicate || res.Skipped {
		status = http.StatusOK
	}
	httpx.JSON(w, status, map[string]any{
		"journal_id": res.Entry.ID,
		"number":     res.Entry.Number,
		"duplicate":  res.Duplicate,
		"skipped":    res.Skipped,
		"warnings":   res.Warnings,
	})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrZeroValue), errors.Is(err, accounting.ErrValidation),
		errors.Is(err, valuation.ErrInvalidCurrency), errors.Is(err, valuation.ErrRateNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case errors.Is(err, ErrOverpayment), errors.Is(err, stock.ErrInsufficientStock),
		errors.Is(err, valuation.ErrInsufficientLots):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	}
	return err
}
