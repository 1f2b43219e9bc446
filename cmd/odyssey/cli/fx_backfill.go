package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/valuation"
)

// FXBackfillMode enumerates supported execution strategies.
type FXBackfillMode string

const (
	// FXBackfillModeDry previews gaps without applying changes.
	FXBackfillModeDry FXBackfillMode = "dry"
	// FXBackfillModeApply persists rates after confirmation.
	FXBackfillModeApply FXBackfillMode = "apply"
)

// ExitGaps is returned by dry runs and validation when gaps remain.
const ExitGaps = 10

// FXBackfillOptions configures the backfill command execution.
type FXBackfillOptions struct {
	Pair         string
	From         string
	To           string
	MaxAge       time.Duration
	Mode         FXBackfillMode
	Source       string
	SourceReader io.Reader
	JSONOutput   bool
	Stdout       io.Writer
	Stderr       io.Writer
	Stdin        io.Reader
	Confirm      func(io.Reader, io.Writer) (bool, error)
}

// FXBackfillSummary captures the structured reporting outcome.
type FXBackfillSummary struct {
	Pair       string                `json:"pair"`
	Mode       FXBackfillMode        `json:"mode"`
	From       string                `json:"from"`
	To         string                `json:"to"`
	Missing    []FXGap               `json:"missing"`
	Candidates []FXBackfillCandidate `json:"candidates"`
	Applied    []FXBackfillCandidate `json:"applied,omitempty"`
}

// FXBackfillCandidate is a rate sourced from CSV or stdin.
type FXBackfillCandidate struct {
	Date string          `json:"date"`
	Rate decimal.Decimal `json:"rate"`
}

// BackfillCommand executes the fx backfill workflow.
func (c *FXOpsCLI) BackfillCommand(ctx context.Context, opts FXBackfillOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Mode == "" {
		opts.Mode = FXBackfillModeDry
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	mode := FXBackfillMode(strings.ToLower(string(opts.Mode)))
	switch mode {
	case FXBackfillModeDry, FXBackfillModeApply:
	default:
		fmt.Fprintf(opts.Stderr, "fx backfill: invalid mode %q (expected dry or apply)\n", opts.Mode)
		return 1
	}
	base, quote, err := parsePair(opts.Pair)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: %v\n", err)
		return 1
	}
	pair := base + "/" + quote
	from, err := time.Parse(dayLayout, strings.TrimSpace(opts.From))
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: invalid --from %q (expected YYYY-MM-DD)\n", opts.From)
		return 1
	}
	to, err := time.Parse(dayLayout, strings.TrimSpace(opts.To))
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: invalid --to %q (expected YYYY-MM-DD)\n", opts.To)
		return 1
	}
	if from.After(to) {
		fmt.Fprintln(opts.Stderr, "fx backfill: --from must be earlier than --to")
		return 1
	}
	gaps, err := c.findGaps(ctx, base, quote, enumerateDays(from, to), opts.MaxAge)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: %v\n", err)
		return 1
	}
	candidates, err := loadBackfillCandidates(pair, opts)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: %v\n", err)
		return 1
	}
	summary := FXBackfillSummary{
		Pair:       pair,
		Mode:       mode,
		From:       from.Format(dayLayout),
		To:         to.Format(dayLayout),
		Missing:    gaps,
		Candidates: sortedCandidates(candidates),
	}
	if mode == FXBackfillModeDry || len(gaps) == 0 {
		if err := writeBackfillOutput(opts, summary); err != nil {
			fmt.Fprintf(opts.Stderr, "fx backfill: %v\n", err)
			return 1
		}
		if len(gaps) > 0 {
			return ExitGaps
		}
		return 0
	}
	rows, err := prepareUpserts(base, quote, candidates, gaps)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: %v\n", err)
		return 1
	}
	confirm := opts.Confirm
	if confirm == nil {
		confirm = defaultBackfillConfirm
	}
	ok, err := confirm(opts.Stdin, opts.Stdout)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: confirmation failed: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintln(opts.Stderr, "fx backfill: cancelled by user")
		return 1
	}
	for _, row := range rows {
		if err := c.store.UpsertRate(ctx, row); err != nil {
			fmt.Fprintf(opts.Stderr, "fx backfill: apply %s failed: %v\n", row.EffectiveDate.Format(dayLayout), err)
			return 1
		}
		summary.Applied = append(summary.Applied, FXBackfillCandidate{Date: row.EffectiveDate.Format(dayLayout), Rate: row.Rate})
	}
	if err := writeBackfillOutput(opts, summary); err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: %v\n", err)
		return 1
	}
	return 0
}

func loadBackfillCandidates(pair string, opts FXBackfillOptions) (map[string]FXBackfillCandidate, error) {
	var data []byte
	var err error
	switch {
	case opts.SourceReader != nil:
		data, err = io.ReadAll(opts.SourceReader)
	case opts.Source == "-":
		data, err = io.ReadAll(opts.Stdin)
	case strings.TrimSpace(opts.Source) == "":
		return map[string]FXBackfillCandidate{}, nil
	default:
		data, err = os.ReadFile(opts.Source)
	}
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return map[string]FXBackfillCandidate{}, nil
	}
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true
	header, err := nextNonEmptyRecord(reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]FXBackfillCandidate{}, nil
		}
		return nil, err
	}
	idxDate, idxPair, idxRate := -1, -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "date", "effective_date":
			idxDate = i
		case "pair":
			idxPair = i
		case "rate":
			idxRate = i
		}
	}
	if idxDate < 0 || idxPair < 0 || idxRate < 0 {
		return nil, errors.New("missing required columns in source (need date, pair, rate)")
	}
	result := make(map[string]FXBackfillCandidate)
	for {
		record, err := nextNonEmptyRecord(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if idxDate >= len(record) || idxPair >= len(record) || idxRate >= len(record) {
			return nil, errors.New("invalid record length in source")
		}
		base, quote, err := parsePair(record[idxPair])
		if err != nil || base+"/"+quote != pair {
			continue
		}
		day, err := time.Parse(dayLayout, strings.TrimSpace(record[idxDate]))
		if err != nil {
			return nil, fmt.Errorf("invalid date %q in source", record[idxDate])
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(record[idxRate]))
		if err != nil {
			return nil, fmt.Errorf("invalid rate for %s: %v", day.Format(dayLayout), err)
		}
		result[day.Format(dayLayout)] = FXBackfillCandidate{Date: day.Format(dayLayout), Rate: rate}
	}
	return result, nil
}

func nextNonEmptyRecord(r *csv.Reader) ([]string, error) {
	for {
		record, err := r.Read()
		if err != nil {
			return nil, err
		}
		for _, field := range record {
			trimmed := strings.TrimSpace(field)
			if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
				return record, nil
			}
		}
	}
}

func sortedCandidates(candidates map[string]FXBackfillCandidate) []FXBackfillCandidate {
	rows := make([]FXBackfillCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		rows = append(rows, candidate)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })
	return rows
}

// prepareUpserts requires a source rate for every gap day.
func prepareUpserts(from, to string, candidates map[string]FXBackfillCandidate, gaps []FXGap) ([]valuation.Rate, error) {
	rows := make([]valuation.Rate, 0, len(gaps))
	for _, gap := range gaps {
		candidate, ok := candidates[gap.Date]
		if !ok {
			return nil, fmt.Errorf("missing source rate for %s", gap.Date)
		}
		if !candidate.Rate.IsPositive() {
			return nil, fmt.Errorf("non-positive rate for %s", gap.Date)
		}
		day, err := time.Parse(dayLayout, gap.Date)
		if err != nil {
			return nil, err
		}
		rows = append(rows, valuation.Rate{From: from, To: to, EffectiveDate: day, Rate: candidate.Rate})
	}
	return rows, nil
}

func writeBackfillOutput(opts FXBackfillOptions, summary FXBackfillSummary) error {
	if opts.JSONOutput {
		return json.NewEncoder(opts.Stdout).Encode(summary)
	}
	renderBackfillHuman(opts.Stdout, summary)
	return nil
}

func renderBackfillHuman(out io.Writer, summary FXBackfillSummary) {
	fmt.Fprintf(out, "FX backfill (%s) for %s from %s to %s\n", summary.Mode, summary.Pair, summary.From, summary.To)
	if len(summary.Missing) == 0 {
		fmt.Fprintln(out, "No gaps detected.")
	} else {
		fmt.Fprintf(out, "%d gap(s) detected:\n", len(summary.Missing))
		for _, gap := range summary.Missing {
			if gap.LastQuote != "" {
				fmt.Fprintf(out, " - %s (last quote %s)\n", gap.Date, gap.LastQuote)
				continue
			}
			fmt.Fprintf(out, " - %s (no quote)\n", gap.Date)
		}
	}
	if len(summary.Candidates) > 0 {
		fmt.Fprintln(out, "Source candidates:")
		for _, candidate := range summary.Candidates {
			fmt.Fprintf(out, " - %s rate %s\n", candidate.Date, candidate.Rate)
		}
	}
	if len(summary.Applied) > 0 {
		fmt.Fprintln(out, "Applied:")
		for _, row := range summary.Applied {
			fmt.Fprintf(out, " - %s rate %s\n", row.Date, row.Rate)
		}
	}
}

func defaultBackfillConfirm(r io.Reader, w io.Writer) (bool, error) {
	fmt.Fprint(w, "Apply FX backfill? Type YES to confirm: ")
	reader := bufio.NewReader(r)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), "YES"), nil
}
