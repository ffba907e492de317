package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/daget/pkg/daget"
	"github.com/malbeclabs/daget/pkg/metrics"
)

const (
	DefaultReconcileInterval = 30 * time.Second
	DefaultStaleAfter        = 2 * time.Minute
	DefaultAuditInterval     = 5 * time.Minute
	DefaultAuditWindow       = time.Hour
	DefaultAuditSample       = 20
	DefaultPruneInterval     = time.Hour
	DefaultReconcileBatch    = 50
)

type ReconcilerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  Store
	Ledger Ledger
	// Interval drives the stale-submitted sweep; StaleAfter is how long a
	// submitted claim may sit unconfirmed before it is verified.
	Interval   time.Duration
	StaleAfter time.Duration
	// AuditInterval drives the confirmed-drift sampling pass.
	AuditInterval time.Duration
	AuditWindow   time.Duration
	AuditSample   int
	// PruneInterval drives idempotency record cleanup.
	PruneInterval time.Duration
	BatchSize     int
	MaxAttempts   int32
}

func (cfg *ReconcilerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcileInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.AuditInterval <= 0 {
		cfg.AuditInterval = DefaultAuditInterval
	}
	if cfg.AuditWindow <= 0 {
		cfg.AuditWindow = DefaultAuditWindow
	}
	if cfg.AuditSample <= 0 {
		cfg.AuditSample = DefaultAuditSample
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultReconcileBatch
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return nil
}

// Reconciler periodically corrects drift between claim state and ledger
// truth: stuck submitted claims are resolved by querying the ledger, and a
// sample of recently confirmed claims is audited for silent failures.
type Reconciler struct {
	log *slog.Logger
	cfg ReconcilerConfig
}

func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reconciler{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Start runs the reconciliation loops until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		r.log.Info("reconcile: starting sweep loop",
			"interval", r.cfg.Interval, "stale_after", r.cfg.StaleAfter)

		sweep := r.cfg.Clock.NewTicker(r.cfg.Interval)
		defer sweep.Stop()
		audit := r.cfg.Clock.NewTicker(r.cfg.AuditInterval)
		defer audit.Stop()
		prune := r.cfg.Clock.NewTicker(r.cfg.PruneInterval)
		defer prune.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-sweep.Chan():
				r.safeRun(ctx, "sweep", r.SweepStaleSubmitted)
			case <-audit.Chan():
				r.safeRun(ctx, "audit", r.AuditConfirmed)
			case <-prune.Chan():
				r.safeRun(ctx, "prune", r.pruneIdempotency)
			}
		}
	}()
}

func (r *Reconciler) safeRun(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("reconcile: pass panicked", "pass", name, "panic", rec)
		}
	}()

	if err := fn(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		r.log.Error("reconcile: pass failed", "pass", name, "error", err)
	}
}

// SweepStaleSubmitted resolves submitted claims that have sat unconfirmed
// past the staleness cutoff by asking the ledger what actually happened.
func (r *Reconciler) SweepStaleSubmitted(ctx context.Context) error {
	claims, err := r.cfg.Store.ListStaleSubmitted(ctx, r.cfg.StaleAfter, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list stale submitted claims: %w", err)
	}

	for i := range claims {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.resolve(ctx, &claims[i])
	}
	return nil
}

func (r *Reconciler) resolve(ctx context.Context, claim *daget.Claim) {
	log := r.log.With("claim", claim.ID, "signature", claim.TxSignature)

	// No ledger reference: the worker crashed between leasing and
	// submission. No payment can exist, so re-queue without burning an
	// attempt.
	if claim.TxSignature == "" {
		ok, err := r.cfg.Store.TryTransition(ctx, claim.ID, daget.ClaimSubmitted, daget.ClaimFailedRetryable)
		if err != nil {
			log.Error("reconcile: failed to re-queue unreferenced claim", "error", err)
			return
		}
		if ok {
			metrics.ReconcileActionsTotal.WithLabelValues("requeued_no_reference").Inc()
			log.Warn("reconcile: submitted claim had no ledger reference, re-queued")
		}
		return
	}

	sig, err := solana.SignatureFromBase58(claim.TxSignature)
	if err != nil {
		log.Error("reconcile: stored ledger reference is not a valid signature", "error", err)
		return
	}

	status, err := r.cfg.Ledger.Status(ctx, sig)
	if err != nil {
		// Transient ledger trouble; the next sweep retries.
		log.Warn("reconcile: failed to query ledger status", "error", err)
		return
	}

	switch {
	case status.Found && status.Finalized && status.Succeeded:
		if _, err := r.cfg.Store.MarkConfirmed(ctx, claim.ID); err != nil {
			log.Debug("reconcile: claim moved before confirmation", "error", err)
			return
		}
		metrics.ReconcileActionsTotal.WithLabelValues("confirmed").Inc()
		log.Info("reconcile: stale claim confirmed on ledger")

	case status.Found && status.Finalized && !status.Succeeded:
		r.demote(ctx, claim, "transaction finalized as failed on ledger")

	default:
		// Not finalized (or not found: the transaction may have been
		// dropped before landing). A fresh attempt builds a new
		// transaction with a new blockhash, so the stale one cannot
		// land later and double-pay.
		r.demote(ctx, claim, "transaction not finalized before timeout")
	}
}

func (r *Reconciler) demote(ctx context.Context, claim *daget.Claim, cause string) {
	failed, err := r.cfg.Store.MarkFailed(ctx, claim.ID, daget.ClaimSubmitted, cause, r.cfg.MaxAttempts)
	if err != nil {
		r.log.Debug("reconcile: claim moved before demotion", "claim", claim.ID, "error", err)
		return
	}

	if failed.Status == daget.ClaimFailedPermanent {
		metrics.ReconcileActionsTotal.WithLabelValues("failed_permanent").Inc()
		r.log.Error("reconcile: claim permanently failed", "claim", claim.ID, "attempts", failed.Attempts, "cause", cause)
	} else {
		metrics.ReconcileActionsTotal.WithLabelValues("requeued").Inc()
		r.log.Warn("reconcile: claim demoted for re-submission", "claim", claim.ID, "attempts", failed.Attempts, "cause", cause)
	}
}

// AuditConfirmed re-queries the ledger for a sample of recently confirmed
// claims. Drift is alerted, never auto-corrected: a confirmed, user-facing
// payment record must not silently flip state without manual review.
func (r *Reconciler) AuditConfirmed(ctx context.Context) error {
	claims, err := r.cfg.Store.ListRecentConfirmed(ctx, r.cfg.AuditWindow, r.cfg.AuditSample)
	if err != nil {
		return fmt.Errorf("failed to list recent confirmed claims: %w", err)
	}

	for i := range claims {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		claim := &claims[i]

		sig, err := solana.SignatureFromBase58(claim.TxSignature)
		if err != nil {
			metrics.DriftAlertsTotal.Inc()
			r.log.Error("reconcile: DRIFT confirmed claim has invalid ledger reference",
				"claim", claim.ID, "signature", claim.TxSignature)
			continue
		}

		status, err := r.cfg.Ledger.Status(ctx, sig)
		if err != nil {
			r.log.Warn("reconcile: failed to audit confirmed claim", "claim", claim.ID, "error", err)
			continue
		}

		if !status.Found || (status.Finalized && !status.Succeeded) {
			metrics.DriftAlertsTotal.Inc()
			r.log.Error("reconcile: DRIFT confirmed claim disagrees with ledger",
				"claim", claim.ID, "signature", claim.TxSignature,
				"found", status.Found, "finalized", status.Finalized, "succeeded", status.Succeeded)
		}
	}
	return nil
}

func (r *Reconciler) pruneIdempotency(ctx context.Context) error {
	pruned, err := r.cfg.Store.PruneIdempotency(ctx)
	if err != nil {
		return fmt.Errorf("failed to prune idempotency records: %w", err)
	}
	if pruned > 0 {
		r.log.Info("reconcile: pruned expired idempotency records", "count", pruned)
	}
	return nil
}
