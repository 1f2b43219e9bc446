package reconcile

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type staticInventory map[string]decimal.Decimal

func (s staticInventory) ValuationByProduct(context.Context, time.Time) (map[string]decimal.Decimal, error) {
	return s, nil
}

type staticLedger struct {
	byProduct  map[string]decimal.Decimal
	unassigned decimal.Decimal
	err        error
}

func (s *staticLedger) InventoryBalanceByProduct(context.Context, time.Time) (map[string]decimal.Decimal, decimal.Decimal, error) {
	return s.byProduct, s.unassigned, s.err
}

type memoryRepo struct {
	reports map[string]Report
	gets    int
}

func (r *memoryRepo) Save(_ context.Context, report Report, _ int64) error {
	r.reports[report.AsOf.Format("2006-01-02")] = report
	return nil
}

func (r *memoryRepo) Get(_ context.Context, asOf time.Time) (Report, error) {
	r.gets++
	report, ok := r.reports[asOf.Format("2006-01-02")]
	if !ok {
		return Report{}, ErrReportNotFound
	}
	return report, nil
}

type gauge struct {
	diff     float64
	material bool
}

func (g *gauge) SetReconciliationDifference(diff float64, material bool) {
	g.diff, g.material = diff, material
}

type fixture struct {
	svc    *Service
	repo   *memoryRepo
	ledger *staticLedger
	gauge  *gauge
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := fixture{
		repo:   &memoryRepo{reports: map[string]Report{}},
		ledger: &staticLedger{byProduct: map[string]decimal.Decimal{"SKU-1": d("100000"), "SKU-2": d("20000")}},
		gauge:  &gauge{},
	}
	inventory := staticInventory{"SKU-1": d("100000"), "SKU-2": d("25000")}
	f.svc = NewService(inventory, f.ledger, f.repo, NewCache(client, time.Minute), DefaultPolicy(), nil, f.gauge, nil)
	f.svc.WithNow(func() time.Time { return time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC) })
	return f
}

func TestRunStoresReportAndPublishesDifference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.svc.Run(ctx, asOf.Add(15*time.Hour), 1)
	require.NoError(t, err)
	require.True(t, report.AsOf.Equal(asOf))
	require.True(t, report.Material)
	require.Contains(t, f.repo.reports, "2024-02-29")
	require.Equal(t, 5000.0, f.gauge.diff)
	require.True(t, f.gauge.material)

	cached, err := f.svc.Report(ctx, asOf)
	require.NoError(t, err)
	require.Zero(t, f.repo.gets, "served from cache")
	require.True(t, cached.Difference.Equal(d("5000")))
	require.Len(t, cached.Breakdown, 1)
}

func TestRunIsRepeatableAndReplacesReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Run(ctx, asOf, 1)
	require.NoError(t, err)

	f.ledger.byProduct["SKU-2"] = d("25000")
	report, err := f.svc.Run(ctx, asOf, 1)
	require.NoError(t, err)
	require.True(t, report.Balanced)

	cached, err := f.svc.Report(ctx, asOf)
	require.NoError(t, err)
	require.True(t, cached.Balanced)
	require.Len(t, f.repo.reports, 1)
}

func TestRunFailsWhenASideFails(t *testing.T) {
	f := newFixture(t)
	f.ledger.err = errors.New("connection reset")

	_, err := f.svc.Run(context.Background(), asOf, 1)
	require.ErrorContains(t, err, "ledger side")
	require.Empty(t, f.repo.reports)
}

func TestReportFallsBackToRepository(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Report(ctx, asOf)
	require.ErrorIs(t, err, ErrReportNotFound)

	f.repo.reports["2024-02-29"] = Report{AsOf: asOf, Balanced: true, Breakdown: []ProductVariance{}}
	report, err := f.svc.Report(ctx, asOf)
	require.NoError(t, err)
	require.True(t, report.Balanced)

	_, err = f.svc.Report(ctx, asOf)
	require.NoError(t, err)
	require.Equal(t, 2, f.repo.gets)
}

func TestWriteXLSX(t *testing.T) {
	report := Compute(asOf,
		map[string]decimal.Decimal{"SKU-1": d("100000"), "SKU-2": d("25000")},
		map[string]decimal.Decimal{"SKU-1": d("100000"), "SKU-2": d("20000")},
		decimal.Zero, DefaultPolicy())

	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, report))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	date, err := f.GetCellValue(summarySheet, "B2")
	require.NoError(t, err)
	require.Equal(t, "2024-02-29", date)

	rows, err := f.GetRows(breakdownSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "SKU-2", rows[1][0])
	require.Equal(t, "5000", rows[1][3])
}

func TestHandlerServesReport(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Run(context.Background(), asOf, 1)
	require.NoError(t, err)

	r := chi.NewRouter()
	NewHandler(nil, f.svc).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ledger/reconciliation/2024-02-29", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"is_material":true`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ledger/reconciliation/2024-03-01", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ledger/reconciliation/2024-02-29/xlsx", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotZero(t, rec.Body.Len())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ledger/reconciliation/2024-02-29/run", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)
}
