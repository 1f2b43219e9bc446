package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-ledger/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/adjustment"
	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/posting"
	"github.com/odyssey-erp/odyssey-ledger/internal/reconcile"
	"github.com/odyssey-erp/odyssey-ledger/internal/valuation"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

const usage = `usage: odyssey [command]

commands:
  serve                                   run the HTTP API (default)
  rules seed <file> [--dry-run]           replace the posting rule set
  fx validate --pairs EUR/USD [--as-of]   check rate coverage
  fx backfill --pair EUR/USD --from --to  fill missing daily rates
  jobs trigger <task> [--date --shift]    enqueue a ledger job
  jobs inspect                            show queue depth
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	var code int
	switch command {
	case "serve":
		code = serve(ctx, stop, cfg, logger)
	case "rules":
		code = runRules(ctx, cfg, logger, args)
	case "fx":
		code = runFX(ctx, cfg, logger, args)
	case "jobs":
		code = runJobs(ctx, cfg, args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		code = 2
	}
	if code != 0 {
		stop()
		os.Exit(code)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) int {
	pool, err := db.New(ctx, cfg.PGDSN, 0)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Warn("redis unavailable, reconciliation cache disabled", slog.Any("error", err))
		redisClient = nil
	} else {
		defer closeRedis(redisClient, logger)
	}

	metrics := observability.NewMetrics()
	services, err := app.BuildServices(ctx, cfg, pool, redisClient, metrics, logger)
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		return 1
	}

	inspector := asynq.NewInspector(cfg.RedisClientOpt())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		Pool:              pool,
		AccountingHandler: accounting.NewHandler(logger, services.Accounting),
		PostingHandler:    posting.NewHandler(logger, services.Posting),
		CycleHandler:      cycle.NewHandler(logger, services.Cycles),
		ReconcileHandler:  reconcile.NewHandler(logger, services.Reconcile),
		AdjustmentHandler: adjustment.NewHandler(logger, services.Adjustments),
		JobHandler:        jobs.NewHandler(inspector, logger),
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return 1
	}
	return 0
}

func closeRedis(client *redis.Client, logger *slog.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("redis close", slog.Any("error", err))
	}
}

func runRules(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 || args[0] != "seed" {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	fs := flag.NewFlagSet("rules seed", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "validate without writing")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "rules seed: expected exactly one rule file")
		return 2
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "rules seed: %v\n", err)
		return 1
	}
	defer f.Close()

	var writer cli.RuleWriter
	if !*dryRun {
		pool, err := db.New(ctx, cfg.PGDSN, 2)
		if err != nil {
			logger.Error("connect postgres", slog.Any("error", err))
			return 1
		}
		defer pool.Close()
		writer = accounting.NewRepository(pool)
	}
	rules, err := cli.SeedRules(ctx, writer, f, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rules seed: %v\n", err)
		return 1
	}
	verb := "seeded"
	if *dryRun {
		verb = "validated"
	}
	fmt.Fprintf(os.Stdout, "%s %d posting rules\n", verb, len(rules))
	return 0
}

func runFX(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	sub, args := args[0], args[1:]

	pool, err := db.New(ctx, cfg.PGDSN, 2)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()
	ops := cli.NewFXOpsCLI(valuation.NewRepository(pool))

	switch sub {
	case "validate":
		fs := flag.NewFlagSet("fx validate", flag.ContinueOnError)
		pairs := fs.String("pairs", "", "comma separated currency pairs")
		asOf := fs.String("as-of", time.Now().UTC().Format("2006-01-02"), "date to validate (YYYY-MM-DD)")
		maxAge := fs.Duration("max-age", cli.DefaultMaxAge, "oldest acceptable quote")
		jsonOut := fs.Bool("json", false, "emit JSON")
		if err := fs.Parse(args); err != nil {
			return 2
		}
		return ops.ValidateCommand(ctx, cli.FXValidateOptions{
			Pairs:      splitList(*pairs),
			AsOf:       *asOf,
			MaxAge:     *maxAge,
			JSONOutput: *jsonOut,
		})
	case "backfill":
		fs := flag.NewFlagSet("fx backfill", flag.ContinueOnError)
		pair := fs.String("pair", "", "currency pair, e.g. EUR/USD")
		from := fs.String("from", "", "first day (YYYY-MM-DD)")
		to := fs.String("to", "", "last day (YYYY-MM-DD)")
		mode := fs.String("mode", string(cli.FXBackfillModeDry), "dry or apply")
		source := fs.String("source", "", "CSV file with date,pair,rate rows (stdin when empty)")
		maxAge := fs.Duration("max-age", cli.DefaultMaxAge, "oldest acceptable quote")
		jsonOut := fs.Bool("json", false, "emit JSON")
		if err := fs.Parse(args); err != nil {
			return 2
		}
		return ops.BackfillCommand(ctx, cli.FXBackfillOptions{
			Pair:       *pair,
			From:       *from,
			To:         *to,
			MaxAge:     *maxAge,
			Mode:       cli.FXBackfillMode(*mode),
			Source:     *source,
			JSONOutput: *jsonOut,
		})
	default:
		fmt.Fprintf(os.Stderr, "fx: unknown subcommand %q\n", sub)
		return 2
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisClientOpt())
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "jobs trigger: task name required")
			return 2
		}
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		date := fs.String("date", "", "target day (YYYY-MM-DD)")
		shift := fs.Int("shift", 0, "shift index within the day")
		if err := fs.Parse(args[2:]); err != nil {
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1], *date, *shift)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stdout, "enqueued %s on %s (id %s)\n", info.Type, info.Queue, info.ID)
		return 0
	case "inspect":
		stats, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs inspect: %v\n", err)
			return 1
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY")
		for _, s := range stats {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry)
		}
		_ = tw.Flush()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "jobs: unknown subcommand %q\n", args[0])
		return 2
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
