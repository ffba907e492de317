package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/daget/pkg/daget"
	"github.com/malbeclabs/daget/pkg/metrics"
	"github.com/malbeclabs/daget/pkg/retry"
)

const (
	DefaultWorkerInterval = 5 * time.Second
	DefaultLease          = time.Minute
	DefaultBatchSize      = 10
	DefaultMaxAttempts    = 5
)

type WorkerConfig struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Store       Store
	Signer      Signer
	Ledger      Ledger
	Interval    time.Duration
	Lease       time.Duration
	BatchSize   int
	MaxAttempts int32
	Retry       retry.Config
}

func (cfg *WorkerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Signer == nil {
		return errors.New("signer is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWorkerInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Status is a read-only snapshot of the worker's counters, consumed by the
// health endpoint.
type Status struct {
	Submitted       int64 `json:"submitted"`
	FailedRetryable int64 `json:"failed_retryable"`
	FailedPermanent int64 `json:"failed_permanent"`
	LastTickAt      int64 `json:"last_tick_unix"`
}

// Worker advances claims in created or failed_retryable toward settlement.
// All on-chain I/O happens under the claim's lease, never under a row lock.
type Worker struct {
	log *slog.Logger
	cfg WorkerConfig

	submitted       atomic.Int64
	failedRetryable atomic.Int64
	failedPermanent atomic.Int64
	lastTickUnix    atomic.Int64
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Worker{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Status returns a snapshot of the worker counters.
func (w *Worker) Status() Status {
	return Status{
		Submitted:       w.submitted.Load(),
		FailedRetryable: w.failedRetryable.Load(),
		FailedPermanent: w.failedPermanent.Load(),
		LastTickAt:      w.lastTickUnix.Load(),
	}
}

// Start runs the settlement loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		w.log.Info("settle: starting settlement loop", "interval", w.cfg.Interval)

		w.safeTick(ctx)

		ticker := w.cfg.Clock.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				w.safeTick(ctx)
			}
		}
	}()
}

func (w *Worker) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("settle: tick panicked", "panic", r)
		}
	}()

	if err := w.Tick(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.log.Error("settle: tick failed", "error", err)
	}
}

// Tick leases one batch of eligible claims and settles each in turn.
func (w *Worker) Tick(ctx context.Context) error {
	w.lastTickUnix.Store(w.cfg.Clock.Now().Unix())

	claims, err := w.cfg.Store.LeaseForSettlement(ctx, w.cfg.Lease, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to lease claims: %w", err)
	}
	if len(claims) == 0 {
		return nil
	}

	w.log.Debug("settle: leased claims", "count", len(claims))
	metrics.ClaimsLeased.Set(float64(len(claims)))
	defer metrics.ClaimsLeased.Set(0)

	for i := range claims {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.settle(ctx, &claims[i])
	}
	return nil
}

// settle drives one claim through build, sign, and submit. Any failure
// before a ledger reference exists demotes the claim; a claim that reaches
// submitted is never resubmitted here, only tracked by the reconciler.
func (w *Worker) settle(ctx context.Context, claim *daget.Claim) {
	start := w.cfg.Clock.Now()
	defer func() {
		metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	}()

	log := w.log.With("claim", claim.ID, "pool", claim.PoolID, "amount", claim.Amount)

	pool, err := w.cfg.Store.GetPool(ctx, claim.PoolID)
	if err != nil {
		w.fail(ctx, claim, fmt.Errorf("failed to load pool: %w", err))
		return
	}

	sig, err := w.submit(ctx, pool, claim)
	if err != nil {
		w.fail(ctx, claim, err)
		return
	}

	if _, err := w.cfg.Store.MarkSubmitted(ctx, claim.ID, claim.Status, sig.String()); err != nil {
		// Another actor moved the claim while we were submitting; the
		// reconciler will pick the submitted transaction up by signature.
		log.Warn("settle: claim moved during submission", "signature", sig, "error", err)
		return
	}

	w.submitted.Add(1)
	metrics.SettlementAttemptsTotal.WithLabelValues("submitted").Inc()
	log.Info("settle: payment submitted", "signature", sig)
}

// submit builds, signs, and sends the payment transaction, retrying
// transient failures within this one attempt.
func (w *Worker) submit(ctx context.Context, pool *daget.Pool, claim *daget.Claim) (solana.Signature, error) {
	var blockhash solana.Hash
	err := retry.Do(ctx, w.cfg.Retry, func() error {
		var err error
		blockhash, err = w.cfg.Ledger.LatestBlockhash(ctx)
		return err
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to fetch blockhash: %w", err)
	}

	tx, err := BuildPayment(pool, claim, w.cfg.Signer.PublicKey(), blockhash)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build payment: %w", err)
	}

	err = retry.Do(ctx, w.cfg.Retry, func() error {
		return w.cfg.Signer.Sign(ctx, tx)
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign payment: %w", err)
	}

	var sig solana.Signature
	err = retry.Do(ctx, w.cfg.Retry, func() error {
		var err error
		sig, err = w.cfg.Ledger.Submit(ctx, tx)
		return err
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to submit payment: %w", err)
	}
	return sig, nil
}

func (w *Worker) fail(ctx context.Context, claim *daget.Claim, cause error) {
	failed, err := w.cfg.Store.MarkFailed(ctx, claim.ID, claim.Status, cause.Error(), w.cfg.MaxAttempts)
	if err != nil {
		w.log.Error("settle: failed to record settlement failure", "claim", claim.ID, "cause", cause, "error", err)
		return
	}

	switch failed.Status {
	case daget.ClaimFailedPermanent:
		w.failedPermanent.Add(1)
		metrics.SettlementAttemptsTotal.WithLabelValues("failed_permanent").Inc()
		w.log.Error("settle: claim permanently failed", "claim", claim.ID, "attempts", failed.Attempts, "cause", cause)
	default:
		w.failedRetryable.Add(1)
		metrics.SettlementAttemptsTotal.WithLabelValues("failed_retryable").Inc()
		w.log.Warn("settle: claim attempt failed", "claim", claim.ID, "attempts", failed.Attempts, "cause", cause)
	}
}
