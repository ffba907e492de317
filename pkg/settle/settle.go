// Package settle drives claims through the on-chain payment workflow: the
// Worker builds, signs, and submits payment transactions for claims that
// need action, and the Reconciler repairs drift between claim state and
// ledger truth.
package settle

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/malbeclabs/daget/pkg/daget"
)

// TxStatus is the ledger's view of a submitted transaction.
type TxStatus struct {
	// Found is false when the ledger has no record of the signature.
	Found     bool
	Finalized bool
	Succeeded bool
}

// Ledger is the external authoritative payment record.
type Ledger interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Status(ctx context.Context, sig solana.Signature) (TxStatus, error)
}

// Signer holds the treasury key and signs payment transactions. Key custody
// lives behind this interface; a locked key store surfaces as a retryable
// error.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(ctx context.Context, tx *solana.Transaction) error
}

// Store is the slice of the claim store the settlement engine needs. All
// status changes behind it are compare-and-set, so a stale write by one
// actor cannot clobber another.
type Store interface {
	GetPool(ctx context.Context, id uuid.UUID) (*daget.Pool, error)
	LeaseForSettlement(ctx context.Context, lease time.Duration, limit int) ([]daget.Claim, error)
	MarkSubmitted(ctx context.Context, id uuid.UUID, from daget.ClaimStatus, txSignature string) (*daget.Claim, error)
	MarkFailed(ctx context.Context, id uuid.UUID, from daget.ClaimStatus, cause string, maxAttempts int32) (*daget.Claim, error)
	MarkConfirmed(ctx context.Context, id uuid.UUID) (*daget.Claim, error)
	TryTransition(ctx context.Context, id uuid.UUID, from, to daget.ClaimStatus) (bool, error)
	ListStaleSubmitted(ctx context.Context, staleAfter time.Duration, limit int) ([]daget.Claim, error)
	ListRecentConfirmed(ctx context.Context, window time.Duration, limit int) ([]daget.Claim, error)
	PruneIdempotency(ctx context.Context) (int64, error)
}
