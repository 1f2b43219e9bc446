package accounting

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

// Handler wires ledger read endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers HTTP routes for the ledger module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ledger/journals", h.listJournals)
	r.Get("/ledger/journals/{id}", h.getJournal)
	r.Post("/ledger/journals/{id}/release", h.releaseJournal)
	r.Get("/ledger/trial-balance", h.trialBalance)
}

type journalLineDTO struct {
	AccountCode string          `json:"account_code"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	ProductCode string          `json:"product_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

type journalDTO struct {
	ID               int64            `json:"id"`
	Number           int64            `json:"number"`
	Date             string           `json:"date"`
	Reference        string           `json:"reference"`
	Description      string           `json:"description,omitempty"`
	Status           JournalStatus    `json:"status"`
	TotalDebit       decimal.Decimal  `json:"total_debit"`
	TotalCredit      decimal.Decimal  `json:"total_credit"`
	SourceModule     string           `json:"source_module"`
	EventType        string           `json:"event_type,omitempty"`
	OriginalDate     string           `json:"original_date,omitempty"`
	RequiresApproval bool             `json:"requires_approval"`
	Lines            []journalLineDTO `json:"lines,omitempty"`
}

func toJournalDTO(e JournalEntry) journalDTO {
	dto := journalDTO{
		ID:               e.ID,
		Number:           e.Number,
		Date:             e.Date.Format("2006-01-02"),
		Reference:        e.Reference,
		Description:      e.Description,
		Status:           e.Status,
		TotalDebit:       e.TotalDebit,
		TotalCredit:      e.TotalCredit,
		SourceModule:     e.SourceModule,
		EventType:        e.EventType,
		RequiresApproval: e.RequiresApproval,
	}
	if e.OriginalDate != nil {
		dto.OriginalDate = e.OriginalDate.Format("2006-01-02")
	}
	for _, l := range e.Lines {
		dto.Lines = append(dto.Lines, journalLineDTO{
			AccountCode: l.AccountCode,
			Debit:       l.Debit,
			Credit:      l.Credit,
			ProductCode: l.ProductCode,
			Description: l.Description,
		})
	}
	return dto
}

func (h *Handler) listJournals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := JournalFilter{SourceModule: q.Get("source_module"), Status: JournalStatus(q.Get("status"))}
	if from, ok, err := parseDateParam(q.Get("from")); err != nil {
		httpx.RespondError(w, err)
		return
	} else if ok {
		filter.From = &from
	}
	if to, ok, err := parseDateParam(q.Get("to")); err != nil {
		httpx.RespondError(w, err)
		return
	} else if ok {
		filter.To = &to
	}
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	pg := shared.NewPage(page, perPage)
	filter.Limit = pg.PerPage
	filter.Offset = pg.Offset()

	entries, err := h.service.ListJournalEntries(r.Context(), filter)
	if err != nil {
		h.logger.Error("list journals", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]journalDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toJournalDTO(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": out, "page": pg.Number, "per_page": pg.PerPage})
}

func (h *Handler) getJournal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid id", httpx.ErrValidation))
		return
	}
	entry, err := h.service.GetJournal(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, toJournalDTO(entry))
}

func (h *Handler) releaseJournal(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok || !actor.Can(shared.PermLedgerApprove) {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid id", httpx.ErrValidation))
		return
	}
	entry, err := h.service.ReleaseDraft(r.Context(), id, actor.ID)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, toJournalDTO(entry))
}

func (h *Handler) trialBalance(w http.ResponseWriter, r *http.Request) {
	asOf, ok, err := parseDateParam(r.URL.Query().Get("as_of"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !ok {
		asOf = time.Now().UTC()
	}
	lines, err := h.service.TrialBalance(r.Context(), asOf)
	if err != nil {
		h.logger.Error("trial balance", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	var debit, credit decimal.Decimal
	for _, l := range lines {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"as_of":        asOf.Format("2006-01-02"),
		"lines":        lines,
		"total_debit":  debit,
		"total_credit": credit,
		"balanced":     debit.Equal(credit),
	})
}

func parseDateParam(raw string) (time.Time, bool, error) {
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: date must be YYYY-MM-DD", httpx.ErrValidation)
	}
	return t, true, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrJournalNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrSourceAlreadyLinked):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, ErrValidation):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return err
}
