package settle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/daget/pkg/daget"
	"github.com/malbeclabs/daget/pkg/retry"
	"github.com/malbeclabs/daget/pkg/testutil"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	GetPoolFunc             func(ctx context.Context, id uuid.UUID) (*daget.Pool, error)
	LeaseForSettlementFunc  func(ctx context.Context, lease time.Duration, limit int) ([]daget.Claim, error)
	MarkSubmittedFunc       func(ctx context.Context, id uuid.UUID, from daget.ClaimStatus, txSignature string) (*daget.Claim, error)
	MarkFailedFunc          func(ctx context.Context, id uuid.UUID, from daget.ClaimStatus, cause string, maxAttempts int32) (*daget.Claim, error)
	MarkConfirmedFunc       func(ctx context.Context, id uuid.UUID) (*daget.Claim, error)
	TryTransitionFunc       func(ctx context.Context, id uuid.UUID, from, to daget.ClaimStatus) (bool, error)
	ListStaleSubmittedFunc  func(ctx context.Context, staleAfter time.Duration, limit int) ([]daget.Claim, error)
	ListRecentConfirmedFunc func(ctx context.Context, window time.Duration, limit int) ([]daget.Claim, error)
	PruneIdempotencyFunc    func(ctx context.Context) (int64, error)
}

func (m *mockStore) GetPool(ctx context.Context, id uuid.UUID) (*daget.Pool, error) {
	return m.GetPoolFunc(ctx, id)
}

func (m *mockStore) LeaseForSettlement(ctx context.Context, lease time.Duration, limit int) ([]daget.Claim, error) {
	return m.LeaseForSettlementFunc(ctx, lease, limit)
}

func (m *mockStore) MarkSubmitted(ctx context.Context, id uuid.UUID, from daget.ClaimStatus, txSignature string) (*daget.Claim, error) {
	return m.MarkSubmittedFunc(ctx, id, from, txSignature)
}

func (m *mockStore) MarkFailed(ctx context.Context, id uuid.UUID, from daget.ClaimStatus, cause string, maxAttempts int32) (*daget.Claim, error) {
	return m.MarkFailedFunc(ctx, id, from, cause, maxAttempts)
}

func (m *mockStore) MarkConfirmed(ctx context.Context, id uuid.UUID) (*daget.Claim, error) {
	return m.MarkConfirmedFunc(ctx, id)
}

func (m *mockStore) TryTransition(ctx context.Context, id uuid.UUID, from, to daget.ClaimStatus) (bool, error) {
	return m.TryTransitionFunc(ctx, id, from, to)
}

func (m *mockStore) ListStaleSubmitted(ctx context.Context, staleAfter time.Duration, limit int) ([]daget.Claim, error) {
	return m.ListStaleSubmittedFunc(ctx, staleAfter, limit)
}

func (m *mockStore) ListRecentConfirmed(ctx context.Context, window time.Duration, limit int) ([]daget.Claim, error) {
	return m.ListRecentConfirmedFunc(ctx, window, limit)
}

func (m *mockStore) PruneIdempotency(ctx context.Context) (int64, error) {
	return m.PruneIdempotencyFunc(ctx)
}

type mockLedger struct {
	LatestBlockhashFunc func(ctx context.Context) (solana.Hash, error)
	SubmitFunc          func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	StatusFunc          func(ctx context.Context, sig solana.Signature) (TxStatus, error)
}

func (m *mockLedger) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return m.LatestBlockhashFunc(ctx)
}

func (m *mockLedger) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	return m.SubmitFunc(ctx, tx)
}

func (m *mockLedger) Status(ctx context.Context, sig solana.Signature) (TxStatus, error) {
	return m.StatusFunc(ctx, sig)
}

type mockSigner struct {
	key solana.PrivateKey
}

func newMockSigner(t *testing.T) *mockSigner {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return &mockSigner{key: key}
}

func (m *mockSigner) PublicKey() solana.PublicKey {
	return m.key.PublicKey()
}

func (m *mockSigner) Sign(_ context.Context, tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(m.key.PublicKey()) {
			return &m.key
		}
		return nil
	})
	return err
}

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	}
}

func testPool(t *testing.T) *daget.Pool {
	t.Helper()
	return &daget.Pool{
		ID:            uuid.New(),
		Creator:       "creator-1",
		CreatorWallet: solana.NewWallet().PublicKey().String(),
		TotalAmount:   1_000_000,
		TotalSlots:    10,
		ClaimedSlots:  1,
		Policy:        daget.PolicyFixed,
		Status:        daget.PoolActive,
	}
}

func testClaim(t *testing.T, pool *daget.Pool, status daget.ClaimStatus) daget.Claim {
	t.Helper()
	return daget.Claim{
		ID:       uuid.New(),
		PoolID:   pool.ID,
		Claimant: "claimant-1",
		Wallet:   solana.NewWallet().PublicKey().String(),
		Amount:   100_000,
		Status:   status,
	}
}

func TestDaget_Settle_Worker_Validate(t *testing.T) {
	t.Parallel()

	log := testutil.NewLogger()
	store := &mockStore{}
	ledger := &mockLedger{}
	signer := newMockSigner(t)

	t.Run("applies defaults", func(t *testing.T) {
		t.Parallel()

		cfg := WorkerConfig{Logger: log, Store: store, Signer: signer, Ledger: ledger}
		require.NoError(t, cfg.Validate())
		require.Equal(t, DefaultWorkerInterval, cfg.Interval)
		require.Equal(t, DefaultLease, cfg.Lease)
		require.Equal(t, DefaultBatchSize, cfg.BatchSize)
		require.EqualValues(t, DefaultMaxAttempts, cfg.MaxAttempts)
		require.NotNil(t, cfg.Clock)
	})

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()

		_, err := NewWorker(WorkerConfig{Store: store, Signer: signer, Ledger: ledger})
		require.Error(t, err)
	})

	t.Run("missing store", func(t *testing.T) {
		t.Parallel()

		_, err := NewWorker(WorkerConfig{Logger: log, Signer: signer, Ledger: ledger})
		require.Error(t, err)
	})

	t.Run("missing signer", func(t *testing.T) {
		t.Parallel()

		_, err := NewWorker(WorkerConfig{Logger: log, Store: store, Ledger: ledger})
		require.Error(t, err)
	})

	t.Run("missing ledger", func(t *testing.T) {
		t.Parallel()

		_, err := NewWorker(WorkerConfig{Logger: log, Store: store, Signer: signer})
		require.Error(t, err)
	})
}

func TestDaget_Settle_Worker_Tick(t *testing.T) {
	t.Parallel()

	newWorker := func(t *testing.T, store *mockStore, ledger *mockLedger) *Worker {
		t.Helper()
		w, err := NewWorker(WorkerConfig{
			Logger: testutil.NewLogger(),
			Clock:  clockwork.NewFakeClock(),
			Store:  store,
			Signer: newMockSigner(t),
			Ledger: ledger,
			Retry:  fastRetry(),
		})
		require.NoError(t, err)
		return w
	}

	t.Run("no eligible claims", func(t *testing.T) {
		t.Parallel()

		store := &mockStore{
			LeaseForSettlementFunc: func(_ context.Context, lease time.Duration, limit int) ([]daget.Claim, error) {
				require.Equal(t, DefaultLease, lease)
				require.Equal(t, DefaultBatchSize, limit)
				return nil, nil
			},
		}
		w := newWorker(t, store, &mockLedger{})

		require.NoError(t, w.Tick(context.Background()))
		require.Zero(t, w.Status().Submitted)
	})

	t.Run("submits a created claim", func(t *testing.T) {
		t.Parallel()

		pool := testPool(t)
		claim := testClaim(t, pool, daget.ClaimCreated)
		wantSig := solana.Signature{1, 2, 3}

		var gotFrom daget.ClaimStatus
		var gotSig string
		store := &mockStore{
			LeaseForSettlementFunc: func(context.Context, time.Duration, int) ([]daget.Claim, error) {
				return []daget.Claim{claim}, nil
			},
			GetPoolFunc: func(_ context.Context, id uuid.UUID) (*daget.Pool, error) {
				require.Equal(t, pool.ID, id)
				return pool, nil
			},
			MarkSubmittedFunc: func(_ context.Context, id uuid.UUID, from daget.ClaimStatus, txSignature string) (*daget.Claim, error) {
				require.Equal(t, claim.ID, id)
				gotFrom = from
				gotSig = txSignature
				submitted := claim
				submitted.Status = daget.ClaimSubmitted
				return &submitted, nil
			},
		}
		ledger := &mockLedger{
			LatestBlockhashFunc: func(context.Context) (solana.Hash, error) {
				return solana.Hash{9}, nil
			},
			SubmitFunc: func(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
				require.Len(t, tx.Message.Instructions, 1)
				return wantSig, nil
			},
		}
		w := newWorker(t, store, ledger)

		require.NoError(t, w.Tick(context.Background()))
		require.Equal(t, daget.ClaimCreated, gotFrom)
		require.Equal(t, wantSig.String(), gotSig)
		require.EqualValues(t, 1, w.Status().Submitted)
		require.Zero(t, w.Status().FailedRetryable)
	})

	t.Run("retries a transient blockhash failure within the attempt", func(t *testing.T) {
		t.Parallel()

		pool := testPool(t)
		claim := testClaim(t, pool, daget.ClaimFailedRetryable)

		calls := 0
		store := &mockStore{
			LeaseForSettlementFunc: func(context.Context, time.Duration, int) ([]daget.Claim, error) {
				return []daget.Claim{claim}, nil
			},
			GetPoolFunc: func(context.Context, uuid.UUID) (*daget.Pool, error) {
				return pool, nil
			},
			MarkSubmittedFunc: func(_ context.Context, _ uuid.UUID, from daget.ClaimStatus, _ string) (*daget.Claim, error) {
				require.Equal(t, daget.ClaimFailedRetryable, from)
				submitted := claim
				submitted.Status = daget.ClaimSubmitted
				return &submitted, nil
			},
		}
		ledger := &mockLedger{
			LatestBlockhashFunc: func(context.Context) (solana.Hash, error) {
				calls++
				if calls == 1 {
					return solana.Hash{}, errors.New("rpc: node is behind")
				}
				return solana.Hash{9}, nil
			},
			SubmitFunc: func(context.Context, *solana.Transaction) (solana.Signature, error) {
				return solana.Signature{4}, nil
			},
		}
		w := newWorker(t, store, ledger)

		require.NoError(t, w.Tick(context.Background()))
		require.Equal(t, 2, calls)
		require.EqualValues(t, 1, w.Status().Submitted)
	})

	t.Run("submission failure demotes the claim", func(t *testing.T) {
		t.Parallel()

		pool := testPool(t)
		claim := testClaim(t, pool, daget.ClaimCreated)

		var gotCause string
		store := &mockStore{
			LeaseForSettlementFunc: func(context.Context, time.Duration, int) ([]daget.Claim, error) {
				return []daget.Claim{claim}, nil
			},
			GetPoolFunc: func(context.Context, uuid.UUID) (*daget.Pool, error) {
				return pool, nil
			},
			MarkFailedFunc: func(_ context.Context, id uuid.UUID, from daget.ClaimStatus, cause string, maxAttempts int32) (*daget.Claim, error) {
				require.Equal(t, claim.ID, id)
				require.Equal(t, daget.ClaimCreated, from)
				require.EqualValues(t, DefaultMaxAttempts, maxAttempts)
				gotCause = cause
				failed := claim
				failed.Status = daget.ClaimFailedRetryable
				failed.Attempts = 1
				return &failed, nil
			},
		}
		ledger := &mockLedger{
			LatestBlockhashFunc: func(context.Context) (solana.Hash, error) {
				return solana.Hash{9}, nil
			},
			SubmitFunc: func(context.Context, *solana.Transaction) (solana.Signature, error) {
				return solana.Signature{}, errors.New("insufficient funds for transaction")
			},
		}
		w := newWorker(t, store, ledger)

		require.NoError(t, w.Tick(context.Background()))
		require.Contains(t, gotCause, "insufficient funds")
		require.EqualValues(t, 1, w.Status().FailedRetryable)
		require.Zero(t, w.Status().Submitted)
	})

	t.Run("exhausted attempts count as permanent", func(t *testing.T) {
		t.Parallel()

		pool := testPool(t)
		claim := testClaim(t, pool, daget.ClaimFailedRetryable)
		claim.Attempts = 4

		store := &mockStore{
			LeaseForSettlementFunc: func(context.Context, time.Duration, int) ([]daget.Claim, error) {
				return []daget.Claim{claim}, nil
			},
			GetPoolFunc: func(context.Context, uuid.UUID) (*daget.Pool, error) {
				return pool, nil
			},
			MarkFailedFunc: func(context.Context, uuid.UUID, daget.ClaimStatus, string, int32) (*daget.Claim, error) {
				failed := claim
				failed.Status = daget.ClaimFailedPermanent
				failed.Attempts = 5
				return &failed, nil
			},
		}
		ledger := &mockLedger{
			LatestBlockhashFunc: func(context.Context) (solana.Hash, error) {
				return solana.Hash{}, errors.New("invalid keypair")
			},
		}
		w := newWorker(t, store, ledger)

		require.NoError(t, w.Tick(context.Background()))
		require.EqualValues(t, 1, w.Status().FailedPermanent)
	})

	t.Run("pool load failure demotes the claim", func(t *testing.T) {
		t.Parallel()

		pool := testPool(t)
		claim := testClaim(t, pool, daget.ClaimCreated)

		marked := false
		store := &mockStore{
			LeaseForSettlementFunc: func(context.Context, time.Duration, int) ([]daget.Claim, error) {
				return []daget.Claim{claim}, nil
			},
			GetPoolFunc: func(context.Context, uuid.UUID) (*daget.Pool, error) {
				return nil, errors.New("connection refused")
			},
			MarkFailedFunc: func(context.Context, uuid.UUID, daget.ClaimStatus, string, int32) (*daget.Claim, error) {
				marked = true
				failed := claim
				failed.Status = daget.ClaimFailedRetryable
				return &failed, nil
			},
		}
		w := newWorker(t, store, &mockLedger{})

		require.NoError(t, w.Tick(context.Background()))
		require.True(t, marked)
	})

	t.Run("claim moved during submission is not failed", func(t *testing.T) {
		t.Parallel()

		pool := testPool(t)
		claim := testClaim(t, pool, daget.ClaimCreated)

		store := &mockStore{
			LeaseForSettlementFunc: func(context.Context, time.Duration, int) ([]daget.Claim, error) {
				return []daget.Claim{claim}, nil
			},
			GetPoolFunc: func(context.Context, uuid.UUID) (*daget.Pool, error) {
				return pool, nil
			},
			MarkSubmittedFunc: func(context.Context, uuid.UUID, daget.ClaimStatus, string) (*daget.Claim, error) {
				return nil, daget.Conflictf("claim is no longer in status %q", claim.Status)
			},
			MarkFailedFunc: func(context.Context, uuid.UUID, daget.ClaimStatus, string, int32) (*daget.Claim, error) {
				t.Fatal("claim must not be failed after a successful submission")
				return nil, nil
			},
		}
		ledger := &mockLedger{
			LatestBlockhashFunc: func(context.Context) (solana.Hash, error) {
				return solana.Hash{9}, nil
			},
			SubmitFunc: func(context.Context, *solana.Transaction) (solana.Signature, error) {
				return solana.Signature{7}, nil
			},
		}
		w := newWorker(t, store, ledger)

		require.NoError(t, w.Tick(context.Background()))
		require.Zero(t, w.Status().Submitted)
		require.Zero(t, w.Status().FailedRetryable)
	})

	t.Run("lease failure surfaces", func(t *testing.T) {
		t.Parallel()

		store := &mockStore{
			LeaseForSettlementFunc: func(context.Context, time.Duration, int) ([]daget.Claim, error) {
				return nil, errors.New("database is down")
			},
		}
		w := newWorker(t, store, &mockLedger{})

		err := w.Tick(context.Background())
		require.ErrorContains(t, err, "failed to lease claims")
	})
}

func TestDaget_Settle_Worker_Start(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	ticked := make(chan struct{}, 4)
	store := &mockStore{
		LeaseForSettlementFunc: func(context.Context, time.Duration, int) ([]daget.Claim, error) {
			select {
			case ticked <- struct{}{}:
			default:
			}
			return nil, nil
		},
	}
	w, err := NewWorker(WorkerConfig{
		Logger: testutil.NewLogger(),
		Clock:  clock,
		Store:  store,
		Signer: newMockSigner(t),
		Ledger: &mockLedger{},
		Retry:  fastRetry(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	// The loop ticks once at startup, then on every interval.
	waitTick := func() {
		select {
		case <-ticked:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a worker tick")
		}
	}
	waitTick()

	clock.BlockUntil(1)
	clock.Advance(DefaultWorkerInterval)
	waitTick()

	require.NotZero(t, w.Status().LastTickAt)
}
