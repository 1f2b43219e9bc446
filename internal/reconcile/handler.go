package reconcile

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Handler exposes reconciliation reports.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers HTTP routes for reconciliation.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ledger/reconciliation/{date}", h.report)
	r.Get("/ledger/reconciliation/{date}/xlsx", h.exportXLSX)
	r.Post("/ledger/reconciliation/{date}/run", h.run)
}

func dateParam(r *http.Request) (time.Time, error) {
	asOf, err := time.Parse("2006-01-02", chi.URLParam(r, "date"))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", httpx.ErrValidation)
	}
	return asOf, nil
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	asOf, err := dateParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.service.Report(r.Context(), asOf)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) exportXLSX(w http.ResponseWriter, r *http.Request) {
	asOf, err := dateParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.service.Report(r.Context(), asOf)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, report); err != nil {
		h.logger.Error("export reconciliation", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=reconciliation-%s.xlsx", asOf.Format("2006-01-02")))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok || !actor.Can(shared.PermLedgerCycleClose) {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	asOf, err := dateParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.service.Run(r.Context(), asOf, actor.ID)
	if err != nil {
		h.logger.Error("run reconciliation", slog.Any("error", err))
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrReportNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrSnapshotMissing):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	}
	return err
}
