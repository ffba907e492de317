package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/daget/pkg/eligibility"
	"github.com/malbeclabs/daget/pkg/logger"
	"github.com/malbeclabs/daget/pkg/metrics"
	"github.com/malbeclabs/daget/pkg/server"
	"github.com/malbeclabs/daget/pkg/settle"
	"github.com/malbeclabs/daget/pkg/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	addrFlag := flag.String("addr", server.DefaultAddr, "HTTP listen address (or set LISTEN_ADDR env var)")
	allowedOriginsFlag := flag.String("allowed-origins", "", "comma-separated CORS origins (or set ALLOWED_ORIGINS env var)")

	// Postgres configuration
	pgHostFlag := flag.String("pg-host", "localhost", "Postgres host (or set PG_HOST env var)")
	pgPortFlag := flag.String("pg-port", "5432", "Postgres port (or set PG_PORT env var)")
	pgDatabaseFlag := flag.String("pg-database", "daget", "Postgres database name (or set PG_DATABASE env var)")
	pgUsernameFlag := flag.String("pg-username", "daget", "Postgres username (or set PG_USERNAME env var)")
	pgPasswordFlag := flag.String("pg-password", "", "Postgres password (or set PG_PASSWORD env var)")
	pgSSLModeFlag := flag.String("pg-sslmode", "disable", "Postgres SSL mode (or set PG_SSLMODE env var)")
	migrateFlag := flag.Bool("migrate", true, "run database migrations on startup")

	// Solana configuration
	rpcURLFlag := flag.String("solana-rpc", "", "Solana RPC endpoint (or set SOLANA_RPC_URL env var)")
	treasuryKeypairFlag := flag.String("treasury-keypair", "", "path to the treasury solana-keygen file (or set TREASURY_KEYPAIR env var)")

	// Settlement configuration
	settleIntervalFlag := flag.Duration("settle-interval", settle.DefaultWorkerInterval, "settlement worker tick interval")
	settleLeaseFlag := flag.Duration("settle-lease", settle.DefaultLease, "settlement claim lease duration")
	maxAttemptsFlag := flag.Int32("max-attempts", settle.DefaultMaxAttempts, "settlement attempts before a claim fails permanently")
	reconcileIntervalFlag := flag.Duration("reconcile-interval", settle.DefaultReconcileInterval, "stale-submitted sweep interval")
	staleAfterFlag := flag.Duration("stale-after", settle.DefaultStaleAfter, "how long a submitted claim may sit unconfirmed")
	retryCooldownFlag := flag.Duration("retry-cooldown", server.DefaultRetryCooldown, "cooldown between retries of a permanently failed claim")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Environment variables override flags.
	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		*addrFlag = env
	}
	if env := os.Getenv("ALLOWED_ORIGINS"); env != "" {
		*allowedOriginsFlag = env
	}
	if env := os.Getenv("PG_HOST"); env != "" {
		*pgHostFlag = env
	}
	if env := os.Getenv("PG_PORT"); env != "" {
		*pgPortFlag = env
	}
	if env := os.Getenv("PG_DATABASE"); env != "" {
		*pgDatabaseFlag = env
	}
	if env := os.Getenv("PG_USERNAME"); env != "" {
		*pgUsernameFlag = env
	}
	if env := os.Getenv("PG_PASSWORD"); env != "" {
		*pgPasswordFlag = env
	}
	if env := os.Getenv("PG_SSLMODE"); env != "" {
		*pgSSLModeFlag = env
	}
	if env := os.Getenv("SOLANA_RPC_URL"); env != "" {
		*rpcURLFlag = env
	}
	if env := os.Getenv("TREASURY_KEYPAIR"); env != "" {
		*treasuryKeypairFlag = env
	}

	if *rpcURLFlag == "" {
		return fmt.Errorf("--solana-rpc is required")
	}
	if *treasuryKeypairFlag == "" {
		return fmt.Errorf("--treasury-keypair is required")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		env := os.Getenv("SENTRY_ENVIRONMENT")
		if env == "" {
			env = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: env,
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to init sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCfg := store.PGConfig{
		Host:     *pgHostFlag,
		Port:     *pgPortFlag,
		Database: *pgDatabaseFlag,
		Username: *pgUsernameFlag,
		Password: *pgPasswordFlag,
		SSLMode:  *pgSSLModeFlag,
	}
	pool, err := store.Connect(ctx, log, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if *migrateFlag {
		if err := store.RunMigrations(log, pgCfg.ConnStr()); err != nil {
			return err
		}
	}

	st, err := store.New(store.Config{Logger: log, DB: pool})
	if err != nil {
		return err
	}

	signer, err := settle.NewKeypairSignerFromFile(*treasuryKeypairFlag)
	if err != nil {
		return err
	}
	ledger := settle.NewRPCLedger(*rpcURLFlag)
	log.Info("daget: treasury loaded", "pubkey", signer.PublicKey())

	worker, err := settle.NewWorker(settle.WorkerConfig{
		Logger:      log,
		Store:       st,
		Signer:      signer,
		Ledger:      ledger,
		Interval:    *settleIntervalFlag,
		Lease:       *settleLeaseFlag,
		MaxAttempts: *maxAttemptsFlag,
	})
	if err != nil {
		return err
	}

	reconciler, err := settle.NewReconciler(settle.ReconcilerConfig{
		Logger:      log,
		Store:       st,
		Ledger:      ledger,
		Interval:    *reconcileIntervalFlag,
		StaleAfter:  *staleAfterFlag,
		MaxAttempts: *maxAttemptsFlag,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger:         log,
		Store:          st,
		Oracle:         oracleFromEnv(),
		Auth:           authFromEnv(),
		Worker:         worker,
		Pinger:         pool,
		Addr:           *addrFlag,
		Version:        version,
		AllowedOrigins: splitList(*allowedOriginsFlag),
		RetryCooldown:  *retryCooldownFlag,
	})
	if err != nil {
		return err
	}

	worker.Start(ctx)
	reconciler.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})

	log.Info("daget: started", "version", version, "addr", *addrFlag)
	return g.Wait()
}

// authFromEnv builds the bundled token table from AUTH_TOKENS, formatted as
// comma-separated token:user:wallet triples. The production session layer
// replaces this via the Authenticator interface.
func authFromEnv() server.Authenticator {
	auth := server.NewStaticAuthenticator()
	for _, entry := range splitList(os.Getenv("AUTH_TOKENS")) {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			continue
		}
		auth.Register(parts[0], server.User{ID: parts[1], Wallet: parts[2]})
	}
	return auth
}

// oracleFromEnv builds the eligibility oracle from ELIGIBILITY_GRANTS,
// formatted as comma-separated set:claimant pairs. Without grants every
// claimant is admitted.
func oracleFromEnv() eligibility.Oracle {
	grants := splitList(os.Getenv("ELIGIBILITY_GRANTS"))
	if len(grants) == 0 {
		return eligibility.AllowAll{}
	}

	oracle := eligibility.NewStaticOracle()
	for _, entry := range grants {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		oracle.Grant(parts[0], parts[1])
	}
	return oracle
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
