package adjustment

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Handler exposes the adjustment workflow.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers HTTP routes for adjustments.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ledger/adjustments", h.list)
	r.Post("/ledger/adjustments", h.request)
	r.Get("/ledger/adjustments/{id}", h.get)
	r.Post("/ledger/adjustments/{id}/approve", h.approve)
	r.Post("/ledger/adjustments/{id}/reject", h.reject)
}

type entryDTO struct {
	ID                string          `json:"id"`
	OriginalDate      string          `json:"original_date"`
	Shift             int             `json:"shift"`
	Subject           string          `json:"subject"`
	SystemQuantity    decimal.Decimal `json:"system_quantity"`
	CorrectedQuantity decimal.Decimal `json:"corrected_quantity"`
	Delta             decimal.Decimal `json:"delta"`
	Amount            decimal.Decimal `json:"amount"`
	Status            Status          `json:"status"`
	RequestedBy       int64           `json:"requested_by"`
	ApproverID        int64           `json:"approver_id,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	JournalID         *int64          `json:"journal_id,omitempty"`
	AutoApproved      bool            `json:"auto_approved"`
	RequestedAt       time.Time       `json:"requested_at"`
	DecidedAt         *time.Time      `json:"decided_at,omitempty"`
}

func toDTO(e Entry) entryDTO {
	return entryDTO{
		ID:                e.ID.String(),
		OriginalDate:      e.OriginalDate.Format("2006-01-02"),
		Shift:             e.Shift,
		Subject:           e.Subject().String(),
		SystemQuantity:    e.SystemQuantity,
		CorrectedQuantity: e.CorrectedQuantity,
		Delta:             e.Delta,
		Amount:            e.Amount,
		Status:            e.Status,
		RequestedBy:       e.RequestedBy,
		ApproverID:        e.ApproverID,
		Reason:            e.Reason,
		JournalID:         e.JournalID,
		AutoApproved:      e.AutoApproved,
		RequestedAt:       e.RequestedAt,
		DecidedAt:         e.DecidedAt,
	}
}

type decisionRequest struct {
	Note   string `json:"note"`
	Reason string `json:"reason"`
}

func idParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid adjustment id", httpx.ErrValidation)
	}
	return id, nil
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := Filter{Status: Status(q.Get("status"))}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	entries, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list adjustments", slog.Any("error", err))
		httpx.RespondError(w, mapError(err))
		return
	}
	out := make([]entryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toDTO(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	e, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, toDTO(e))
}

func (h *Handler) request(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok || !actor.Can(shared.PermLedgerAdjust) {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	var in RequestInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	in.IdempotencyKey = r.Header.Get("Idempotency-Key")
	e, err := h.service.Request(r.Context(), in, actor.ID)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusCreated, toDTO(e))
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(id uuid.UUID, actorID int64, body decisionRequest) (Entry, error) {
		return h.service.Approve(r.Context(), id, actorID, body.Note)
	})
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(id uuid.UUID, actorID int64, body decisionRequest) (Entry, error) {
		return h.service.Reject(r.Context(), id, actorID, body.Reason)
	})
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, fn func(uuid.UUID, int64, decisionRequest) (Entry, error)) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok || !actor.Can(shared.PermLedgerApprove) {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body decisionRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
			return
		}
	}
	e, err := fn(id, actor.ID, body)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, toDTO(e))
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrEntryNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrReasonRequired), errors.Is(err, ErrNoDifference):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case errors.Is(err, ErrSelfApproval):
		return fmt.Errorf("%w: %v", httpx.ErrForbidden, err)
	case errors.Is(err, ErrNotPending), errors.Is(err, ErrPeriodNotLocked):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	}
	return err
}
