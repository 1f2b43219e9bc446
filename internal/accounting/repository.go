package accounting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Repository persists accounting entities.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertJournalEntry(ctx context.Context, in PostingInput, status JournalStatus, requiresApproval bool) (JournalEntry, error)
	InsertJournalLines(ctx context.Context, entryID int64, lines []PostingLineInput) error
	LinkSource(ctx context.Context, module string, ref uuid.UUID, entryID int64) error
	FindBySource(ctx context.Context, module string, ref uuid.UUID) (JournalEntry, error)
	GetJournalForUpdate(ctx context.Context, entryID int64) (JournalEntry, error)
	UpdateJournalStatus(ctx context.Context, entryID int64, status JournalStatus, actorID int64) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a repeatable-read transaction, joining one already bound to ctx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("accounting repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const journalColumns = `id, number, date, reference, description, status, total_debit, total_credit,
source_module, event_type, source_id, original_date, requires_approval, COALESCE(posted_by, 0), posted_at, created_at`

const journalColumnsJE = `je.id, je.number, je.date, je.reference, je.description, je.status, je.total_debit, je.total_credit,
je.source_module, je.event_type, je.source_id, je.original_date, je.requires_approval, COALESCE(je.posted_by, 0), je.posted_at, je.created_at`

func scanJournal(row pgx.Row) (JournalEntry, error) {
	var e JournalEntry
	err := row.Scan(&e.ID, &e.Number, &e.Date, &e.Reference, &e.Description, &e.Status, &e.TotalDebit, &e.TotalCredit,
		&e.SourceModule, &e.EventType, &e.SourceID, &e.OriginalDate, &e.RequiresApproval, &e.PostedBy, &e.PostedAt, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrJournalNotFound
		}
		return JournalEntry{}, err
	}
	return e, nil
}

func (r *txRepository) InsertJournalEntry(ctx context.Context, in PostingInput, status JournalStatus, requiresApproval bool) (JournalEntry, error) {
	debit, credit := in.Totals()
	row := r.tx.QueryRow(ctx, `INSERT INTO journal_entries (date, reference, description, status, total_debit, total_credit,
source_module, event_type, source_id, original_date, requires_approval, posted_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING `+journalColumns,
		in.Date, in.Reference, in.Description, status, debit, credit,
		in.SourceModule, in.EventType, in.SourceID, in.OriginalDate, requiresApproval, nullInt(in.PostedBy))
	return scanJournal(row)
}

func (r *txRepository) InsertJournalLines(ctx context.Context, entryID int64, lines []PostingLineInput) error {
	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(`INSERT INTO journal_lines (je_id, account_code, debit, credit, product_code, description)
VALUES ($1,$2,$3,$4,NULLIF($5,''),$6)`, entryID, line.AccountCode, line.Debit, line.Credit, line.ProductCode, line.Description)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepository) LinkSource(ctx context.Context, module string, ref uuid.UUID, entryID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO source_links (module, ref_id, je_id) VALUES ($1,$2,$3)`, module, ref, entryID)
	if err != nil {
		if errors.Is(db.ClassifyError(err), shared.ErrDuplicate) {
			return ErrSourceAlreadyLinked
		}
		return err
	}
	return nil
}

func (r *txRepository) FindBySource(ctx context.Context, module string, ref uuid.UUID) (JournalEntry, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+journalColumnsJE+`
FROM source_links sl JOIN journal_entries je ON je.id = sl.je_id
WHERE sl.module=$1 AND sl.ref_id=$2`, module, ref)
	entry, err := scanJournal(row)
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Lines, err = queryLines(ctx, r.tx, entry.ID)
	return entry, err
}

func (r *txRepository) GetJournalForUpdate(ctx context.Context, entryID int64) (JournalEntry, error) {
	entry, err := scanJournal(r.tx.QueryRow(ctx, `SELECT `+journalColumns+` FROM journal_entries WHERE id=$1 FOR UPDATE`, entryID))
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Lines, err = queryLines(ctx, r.tx, entry.ID)
	return entry, err
}

func (r *txRepository) UpdateJournalStatus(ctx context.Context, entryID int64, status JournalStatus, actorID int64) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_entries SET status=$2, posted_by=COALESCE($3, posted_by), posted_at=NOW() WHERE id=$1`, entryID, status, nullInt(actorID))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrJournalNotFound
	}
	return nil
}

func queryLines(ctx context.Context, q db.Querier, entryID int64) ([]JournalLine, error) {
	rows, err := q.Query(ctx, `SELECT id, je_id, account_code, debit, credit, COALESCE(product_code, ''), description
FROM journal_lines WHERE je_id=$1 ORDER BY id ASC`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []JournalLine
	for rows.Next() {
		var line JournalLine
		if err := rows.Scan(&line.ID, &line.JournalID, &line.AccountCode, &line.Debit, &line.Credit, &line.ProductCode, &line.Description); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// ListAccounts loads the chart of accounts.
func (r *Repository) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT code, name, type, COALESCE(parent_code, ''), COALESCE(class, ''), is_inventory, is_active, created_at, updated_at
FROM accounts ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.Code, &a.Name, &a.Type, &a.ParentCode, &a.Class, &a.Inventory, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListPostingRules loads every posting rule, active or not.
func (r *Repository) ListPostingRules(ctx context.Context) ([]PostingRule, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT id, event_type, debit_account, credit_account, min_amount, max_amount,
COALESCE(currency, ''), priority, valid_from, valid_to, is_active FROM posting_rules ORDER BY event_type, priority DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []PostingRule
	for rows.Next() {
		var rule PostingRule
		var minAmount, maxAmount decimal.NullDecimal
		if err := rows.Scan(&rule.ID, &rule.EventType, &rule.DebitAccount, &rule.CreditAccount, &minAmount, &maxAmount,
			&rule.Currency, &rule.Priority, &rule.ValidFrom, &rule.ValidTo, &rule.IsActive); err != nil {
			return nil, err
		}
		if minAmount.Valid {
			rule.MinAmount = &minAmount.Decimal
		}
		if maxAmount.Valid {
			rule.MaxAmount = &maxAmount.Decimal
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ReplacePostingRules swaps the stored rule set for rules in one transaction.
func (r *Repository) ReplacePostingRules(ctx context.Context, rules []PostingRule) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE posting_rules SET is_active=false`); err != nil {
			return err
		}
		for _, rule := range rules {
			validFrom := rule.ValidFrom
			if validFrom.IsZero() {
				validFrom = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO posting_rules (event_type, debit_account, credit_account, min_amount, max_amount, currency, priority, valid_from, valid_to, is_active)
VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8,$9,$10)`,
				rule.EventType, rule.DebitAccount, rule.CreditAccount, nullDecimal(rule.MinAmount), nullDecimal(rule.MaxAmount),
				rule.Currency, rule.Priority, validFrom, rule.ValidTo, rule.IsActive); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListJournalEntries returns headers matching filter, newest first.
func (r *Repository) ListJournalEntries(ctx context.Context, filter JournalFilter) ([]JournalEntry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.From != nil {
		add("date >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("date <= $%d", *filter.To)
	}
	if filter.SourceModule != "" {
		add("source_module = $%d", filter.SourceModule)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	query := `SELECT ` + journalColumns + ` FROM journal_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY number DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		e, err := scanJournal(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetJournal returns a header with its lines.
func (r *Repository) GetJournal(ctx context.Context, id int64) (JournalEntry, error) {
	q := db.Conn(ctx, r.pool)
	entry, err := scanJournal(q.QueryRow(ctx, `SELECT `+journalColumns+` FROM journal_entries WHERE id=$1`, id))
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Lines, err = queryLines(ctx, q, id)
	return entry, err
}

// TrialBalance aggregates posted lines per account up to asOf.
func (r *Repository) TrialBalance(ctx context.Context, asOf time.Time) ([]TrialBalanceLine, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT a.code, a.name, a.type, COALESCE(SUM(l.debit), 0), COALESCE(SUM(l.credit), 0)
FROM accounts a
JOIN journal_lines l ON l.account_code = a.code
JOIN journal_entries je ON je.id = l.je_id AND je.status = 'POSTED' AND je.date <= $1
GROUP BY a.code, a.name, a.type
ORDER BY a.code`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TrialBalanceLine
	for rows.Next() {
		var line TrialBalanceLine
		if err := rows.Scan(&line.AccountCode, &line.AccountName, &line.Type, &line.Debit, &line.Credit); err != nil {
			return nil, err
		}
		line.Balance = line.Debit.Sub(line.Credit)
		out = append(out, line)
	}
	return out, rows.Err()
}

// InventoryBalanceByProduct sums Σ(debit−credit) on inventory-classified
// accounts up to asOf, grouped by product tag. Untagged lines are returned separately.
func (r *Repository) InventoryBalanceByProduct(ctx context.Context, asOf time.Time) (map[string]decimal.Decimal, decimal.Decimal, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT COALESCE(l.product_code, ''), COALESCE(SUM(l.debit - l.credit), 0)
FROM journal_lines l
JOIN accounts a ON a.code = l.account_code AND a.is_inventory
JOIN journal_entries je ON je.id = l.je_id AND je.status = 'POSTED' AND je.date <= $1
GROUP BY COALESCE(l.product_code, '')`, asOf)
	if err != nil {
		return nil, decimal.Zero, err
	}
	defer rows.Close()
	byProduct := make(map[string]decimal.Decimal)
	unassigned := decimal.Zero
	for rows.Next() {
		var product string
		var amount decimal.Decimal
		if err := rows.Scan(&product, &amount); err != nil {
			return nil, decimal.Zero, err
		}
		if product == "" {
			unassigned = amount
			continue
		}
		byProduct[product] = amount
	}
	return byProduct, unassigned, rows.Err()
}

// ReferenceBalance returns Σ(debit−credit) posted on account for a business reference.
func (r *Repository) ReferenceBalance(ctx context.Context, accountCode, reference string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COALESCE(SUM(l.debit - l.credit), 0)
FROM journal_lines l JOIN journal_entries je ON je.id = l.je_id
WHERE je.status = 'POSTED' AND l.account_code = $1 AND je.reference = $2`, accountCode, reference).Scan(&balance)
	return balance, err
}

// GetAccountMapping resolves an account mapping for the specified key.
func (r *Repository) GetAccountMapping(ctx context.Context, module, key string) (AccountMapping, error) {
	if module == "" || key == "" {
		return AccountMapping{}, errors.New("accounting: module and key required")
	}
	normalized := strings.ToUpper(module)
	var mapping AccountMapping
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT module, key, account_code, updated_at FROM account_mappings WHERE module=$1 AND key=$2`, normalized, key).
		Scan(&mapping.Module, &mapping.Key, &mapping.AccountCode, &mapping.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountMapping{}, ErrMappingNotFound
		}
		return AccountMapping{}, err
	}
	return mapping, nil
}

func nullInt(val int64) any {
	if val == 0 {
		return nil
	}
	return val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}
