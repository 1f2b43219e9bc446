package cycle

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Handler exposes cycle status and manual open/close endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers HTTP routes for cycles.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ledger/cycles/{date}/{shift}", h.status)
	r.Get("/ledger/cycles/{date}/{shift}/balances", h.balances)
	r.Post("/ledger/cycles/{date}/{shift}/open", h.open)
	r.Post("/ledger/cycles/{date}/{shift}/close", h.close)
}

type cycleDTO struct {
	Date          string     `json:"date"`
	Shift         int        `json:"shift"`
	State         State      `json:"state"`
	OpeningStatus Status     `json:"opening_status"`
	ClosingStatus Status     `json:"closing_status"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	GraceUntil    *time.Time `json:"grace_until,omitempty"`
	HardLocked    bool       `json:"hard_locked"`
	LastError     string     `json:"last_error,omitempty"`
}

type balanceDTO struct {
	Subject      string          `json:"subject"`
	OpeningQty   decimal.Decimal `json:"opening_qty"`
	OpeningValue decimal.Decimal `json:"opening_value"`
	ClosingQty   decimal.Decimal `json:"closing_qty"`
	ClosingValue decimal.Decimal `json:"closing_value"`
	Locked       bool            `json:"locked"`
}

func (h *Handler) toDTO(c Cycle) cycleDTO {
	return cycleDTO{
		Date:          c.Key.Date.Format("2006-01-02"),
		Shift:         c.Key.Shift,
		State:         c.State(),
		OpeningStatus: c.OpeningStatus,
		ClosingStatus: c.ClosingStatus,
		OpenedAt:      c.OpenedAt,
		ClosedAt:      c.ClosedAt,
		GraceUntil:    c.GraceUntil,
		HardLocked:    c.HardLocked(h.service.now()),
		LastError:     c.LastError,
	}
}

func keyParam(r *http.Request) (Key, error) {
	date, err := time.Parse("2006-01-02", chi.URLParam(r, "date"))
	if err != nil {
		return Key{}, fmt.Errorf("%w: date must be YYYY-MM-DD", httpx.ErrValidation)
	}
	shift, err := strconv.Atoi(chi.URLParam(r, "shift"))
	if err != nil {
		return Key{}, fmt.Errorf("%w: invalid shift", httpx.ErrValidation)
	}
	return NewKey(date, shift), nil
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.Status(r.Context(), key)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, h.toDTO(c))
}

func (h *Handler) balances(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.Balances(r.Context(), key)
	if err != nil {
		h.logger.Error("list balances", slog.String("key", key.String()), slog.Any("error", err))
		httpx.RespondError(w, mapError(err))
		return
	}
	out := make([]balanceDTO, 0, len(rows))
	for _, b := range rows {
		out = append(out, balanceDTO{
			Subject:      b.Subject.String(),
			OpeningQty:   b.OpeningQty,
			OpeningValue: b.OpeningValue,
			ClosingQty:   b.ClosingQty,
			ClosingValue: b.ClosingValue,
			Locked:       b.Locked,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"key": key.String(), "data": out})
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok || !actor.Can(shared.PermLedgerCycleClose) {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	key, err := keyParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	opts := OpenOptions{Bootstrap: r.URL.Query().Get("bootstrap") == "true"}
	c, err := h.service.Open(r.Context(), key, actor.ID, opts)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, h.toDTO(c))
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok || !actor.Can(shared.PermLedgerCycleClose) {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	key, err := keyParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.Close(r.Context(), key, actor.ID)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, h.toDTO(c))
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrCycleNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrInvalidShift), errors.Is(err, ErrInvalidMovement):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case errors.Is(err, ErrPriorNotClosed), errors.Is(err, ErrPriorShiftOpen), errors.Is(err, ErrCycleNotOpen):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	}
	return err
}
