package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/adjustment"
	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/posting"
	"github.com/odyssey-erp/odyssey-ledger/internal/reconcile"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/stock"
	"github.com/odyssey-erp/odyssey-ledger/internal/valuation"
)

// Services holds the wired ledger services shared by the server and the worker.
type Services struct {
	Policy      Policy
	Directory   *accounting.Directory
	Rules       *accounting.RuleRegistry
	Accounting  *accounting.Service
	AccountRepo *accounting.Repository
	Cycles      *cycle.Service
	Valuation   *valuation.Service
	Rates       *valuation.Repository
	Stock       *stock.Service
	Posting     *posting.Service
	Reconcile   *reconcile.Service
	Adjustments *adjustment.Service
	Idempotency *shared.IdempotencyStore
}

// BuildServices wires repositories and services against pool and redisClient,
// then loads the chart of accounts and the posting rules.
func BuildServices(ctx context.Context, cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, metrics *observability.Metrics, logger *slog.Logger) (*Services, error) {
	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	schedule, err := cfg.Schedule()
	if err != nil {
		return nil, err
	}
	valuationCfg, err := cfg.Valuation()
	if err != nil {
		return nil, err
	}
	db.SetLockTimeout(cfg.LockTimeout)
	retry := db.RetryPolicy{Attempts: cfg.RetryAttempts, Backoff: cfg.RetryBackoff}

	auditLogger := shared.NewAuditLogger(pool)
	approvals := shared.NewApprovalRecorder(pool, logger)
	idempotency := shared.NewIdempotencyStore(pool)

	accountRepo := accounting.NewRepository(pool)
	directory := accounting.NewDirectory(accountRepo)
	if err := directory.Load(ctx); err != nil {
		return nil, err
	}
	var ruleStore accounting.RuleStore = accountRepo
	if cfg.RulesFile != "" {
		f, err := os.Open(cfg.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("app: open rules file: %w", err)
		}
		rules, err := accounting.ParseRulesYAML(f)
		_ = f.Close()
		if err != nil {
			return nil, err
		}
		ruleStore = accounting.StaticRuleStore(rules)
	}
	rules := accounting.NewRuleRegistry(ruleStore)
	if err := rules.Load(ctx); err != nil {
		return nil, err
	}
	validator := accounting.NewValidator(directory, policy.Limits, logger)
	accountingService := accounting.NewService(accountRepo, validator, rules, auditLogger, logger)
	accountingService.WithApprovals(approvals)

	cycleService := cycle.NewService(cycle.NewRepository(pool), schedule, cfg.Cycle(), auditLogger, logger)
	cycleService.WithMetrics(metrics)

	rates := valuation.NewRepository(pool)
	engine, err := valuation.NewEngine(valuationCfg, rates)
	if err != nil {
		return nil, err
	}
	valuationService := valuation.NewService(rates, engine)
	stockService := stock.NewService(stock.NewRepository(pool), retry, logger)

	postingService := posting.NewService(posting.Deps{
		Tx:        db.NewTxManager(pool),
		Ledger:    accountingService,
		Valuation: valuationService,
		FX:        engine,
		Cycles:    cycleService,
		Stock:     stockService,
		Audit:     auditLogger,
		Metrics:   metrics,
		Logger:    logger,
		Retry:     retry,
	})
	postingService.WithAccounts(policy.Accounts)

	reconcileService := reconcile.NewService(
		reconcile.NewSnapshotInventory(cycleService, valuationService),
		accountingService,
		reconcile.NewRepository(pool),
		reconcile.NewCache(redisClient, cfg.ReconCacheTTL),
		policy.Reconciliation,
		auditLogger,
		metrics,
		logger,
	)

	adjustmentService := adjustment.NewService(
		adjustment.NewRepository(pool),
		cycleService,
		postingService,
		approvals,
		auditLogger,
		policy.Adjustment,
		logger,
	)
	adjustmentService.WithIdempotency(idempotency)
	adjustmentService.WithRetry(retry)

	return &Services{
		Policy:      policy,
		Directory:   directory,
		Rules:       rules,
		Accounting:  accountingService,
		AccountRepo: accountRepo,
		Cycles:      cycleService,
		Valuation:   valuationService,
		Rates:       rates,
		Stock:       stockService,
		Posting:     postingService,
		Reconcile:   reconcileService,
		Adjustments: adjustmentService,
		Idempotency: idempotency,
	}, nil
}
