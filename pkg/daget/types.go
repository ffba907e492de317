// Package daget holds the domain model for reward pools ("dagets") and
// claims: the lifecycle enums, the error taxonomy, and the distribution
// allocator. Everything here is storage-agnostic; pkg/store owns persistence.
package daget

import (
	"time"

	"github.com/google/uuid"
)

// Policy is the payout policy of a pool.
type Policy string

const (
	PolicyFixed  Policy = "fixed"
	PolicyRandom Policy = "random"
)

// PoolStatus is the lifecycle status of a pool.
type PoolStatus string

const (
	// PoolActive accepts new claims.
	PoolActive PoolStatus = "active"
	// PoolStopped was stopped by its creator; no new claims, in-flight
	// claims still resolve.
	PoolStopped PoolStatus = "stopped"
	// PoolClosed ran out of slots; a slot release reopens it.
	PoolClosed PoolStatus = "closed"
)

// ClaimStatus is the settlement state of a single claim.
type ClaimStatus string

const (
	ClaimCreated         ClaimStatus = "created"
	ClaimSubmitted       ClaimStatus = "submitted"
	ClaimConfirmed       ClaimStatus = "confirmed"
	ClaimFailedRetryable ClaimStatus = "failed_retryable"
	ClaimFailedPermanent ClaimStatus = "failed_permanent"
	ClaimReleased        ClaimStatus = "released"
)

// claimTransitions lists every legal status transition. Anything not in this
// table is rejected by the store's compare-and-set methods.
var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimCreated:         {ClaimSubmitted, ClaimFailedRetryable, ClaimFailedPermanent},
	ClaimSubmitted:       {ClaimConfirmed, ClaimFailedRetryable, ClaimFailedPermanent},
	ClaimFailedRetryable: {ClaimSubmitted, ClaimFailedRetryable, ClaimFailedPermanent},
	ClaimFailedPermanent: {ClaimCreated, ClaimReleased},
}

// CanTransition reports whether from -> to is a legal claim transition.
func CanTransition(from, to ClaimStatus) bool {
	for _, next := range claimTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a claim status admits no further transitions.
func (s ClaimStatus) Terminal() bool {
	return len(claimTransitions[s]) == 0
}

// Pool is one giveaway run: a funded reward amount split across a bounded
// number of winner slots. Amounts are integers in the token's smallest unit
// (lamports for native SOL).
type Pool struct {
	ID            uuid.UUID
	Creator       string
	CreatorWallet string
	// TokenMint is the SPL mint address, or empty for native SOL.
	TokenMint string
	// RequirementSet gates claims through the eligibility oracle; empty
	// means the pool is open to anyone.
	RequirementSet string
	TotalAmount    int64
	TotalSlots     int32
	ClaimedSlots   int32
	Policy         Policy
	// MinBps/MaxBps bound the random-policy variance; zero when fixed.
	MinBps    int32
	MaxBps    int32
	Status    PoolStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RemainingSlots returns the number of unclaimed slots.
func (p *Pool) RemainingSlots() int32 {
	return p.TotalSlots - p.ClaimedSlots
}

// Claim is one claimant's reservation against a pool. The amount is fixed at
// reservation time and never changes.
type Claim struct {
	ID       uuid.UUID
	PoolID   uuid.UUID
	Claimant string
	// Wallet is the claimant's payout address.
	Wallet string
	Amount int64
	Status ClaimStatus
	// TxSignature is the ledger reference of the submitted payment, empty
	// until the worker has submitted one.
	TxSignature string
	Attempts    int32
	LastError   string
	// LockExpiresAt is the settlement worker lease; a claim whose lease has
	// expired is eligible for pickup again.
	LockExpiresAt *time.Time
	CreatedAt     time.Time
	SubmittedAt   *time.Time
	ConfirmedAt   *time.Time
	FailedAt      *time.Time
	ReleasedAt    *time.Time
	UpdatedAt     time.Time
}

// CreatePool holds the validated input for creating a pool.
type CreatePool struct {
	Creator        string
	CreatorWallet  string
	TokenMint      string
	RequirementSet string
	TotalAmount    int64
	TotalSlots     int32
	Policy         Policy
	MinBps         int32
	MaxBps         int32
}

// Validate checks the pool parameters against the domain invariants.
func (c *CreatePool) Validate() error {
	if c.Creator == "" {
		return Validationf("creator is required")
	}
	if c.CreatorWallet == "" {
		return Validationf("creator wallet is required")
	}
	if c.TotalSlots < 1 {
		return Validationf("total slots must be at least 1")
	}
	if c.TotalAmount < int64(c.TotalSlots) {
		return Validationf("total amount must cover at least 1 unit per slot")
	}
	switch c.Policy {
	case PolicyFixed:
		if c.MinBps != 0 || c.MaxBps != 0 {
			return Validationf("bps bounds are only valid for the random policy")
		}
	case PolicyRandom:
		if c.MinBps <= 0 || c.MaxBps > 10000 || c.MinBps > c.MaxBps {
			return Validationf("bps bounds must satisfy 0 < min <= max <= 10000")
		}
	default:
		return Validationf("policy must be %q or %q", PolicyFixed, PolicyRandom)
	}
	return nil
}
