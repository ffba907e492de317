package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/daget/pkg/daget"
)

const claimColumns = `id, daget_id, claimant, wallet, amount, status, tx_signature, attempts,
	last_error, lock_expires_at, created_at, submitted_at, confirmed_at, failed_at, released_at, updated_at`

func scanClaim(row pgx.Row) (*daget.Claim, error) {
	var c daget.Claim
	err := row.Scan(
		&c.ID, &c.PoolID, &c.Claimant, &c.Wallet, &c.Amount, &c.Status, &c.TxSignature, &c.Attempts,
		&c.LastError, &c.LockExpiresAt, &c.CreatedAt, &c.SubmittedAt, &c.ConfirmedAt, &c.FailedAt, &c.ReleasedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ReserveSlot atomically reserves one winner slot on a pool for a claimant.
// The pool row is locked for the whole transaction: the counters are re-read
// under the lock, the amount is computed from those counters, and the claim
// insert plus slot increment commit together or not at all. Two concurrent
// reservations against the last slot can therefore never both succeed.
func (s *Store) ReserveSlot(ctx context.Context, poolID uuid.UUID, claimant, wallet string, rng *rand.Rand) (*daget.Claim, error) {
	now := s.clock.Now().UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reservation: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	pool, err := scanPool(tx.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM dagets WHERE id = $1 FOR UPDATE`, poolID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, daget.NotFoundf("pool %s not found", poolID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock pool: %w", err)
	}

	if pool.Status != daget.PoolActive {
		return nil, daget.Conflictf("pool is %s and does not accept new claims", pool.Status)
	}
	if pool.ClaimedSlots >= pool.TotalSlots {
		return nil, daget.Conflictf("pool has no remaining slots")
	}
	if pool.Creator == claimant {
		return nil, daget.Conflictf("pool creator cannot claim their own pool")
	}

	var alreadyClaimed bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM claims
			WHERE daget_id = $1 AND claimant = $2 AND status <> $3
		)`, poolID, claimant, daget.ClaimReleased).Scan(&alreadyClaimed)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing claim: %w", err)
	}
	if alreadyClaimed {
		return nil, daget.Conflictf("claimant already holds a claim on this pool")
	}

	var used int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM claims
		WHERE daget_id = $1 AND status <> $2`, poolID, daget.ClaimReleased).Scan(&used)
	if err != nil {
		return nil, fmt.Errorf("failed to sum claimed amounts: %w", err)
	}

	amount, err := daget.ComputeAmount(pool, pool.ClaimedSlots, used, rng)
	if err != nil {
		return nil, err
	}

	claim, err := scanClaim(tx.QueryRow(ctx, `
		INSERT INTO claims (id, daget_id, claimant, wallet, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING `+claimColumns,
		uuid.New(), poolID, claimant, wallet, amount, daget.ClaimCreated, now,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to insert claim: %w", err)
	}

	poolStatus := daget.PoolActive
	if pool.ClaimedSlots+1 == pool.TotalSlots {
		poolStatus = daget.PoolClosed
	}
	if _, err := tx.Exec(ctx, `
		UPDATE dagets SET claimed_slots = claimed_slots + 1, status = $1, updated_at = $2
		WHERE id = $3`, poolStatus, now, poolID); err != nil {
		return nil, fmt.Errorf("failed to consume slot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}

	s.log.Info("store: slot reserved",
		"pool", poolID, "claim", claim.ID, "claimant", claimant,
		"amount", amount, "slot", pool.ClaimedSlots+1, "of", pool.TotalSlots)
	return claim, nil
}

// GetClaim fetches a claim by id.
func (s *Store) GetClaim(ctx context.Context, id uuid.UUID) (*daget.Claim, error) {
	claim, err := scanClaim(s.db.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, daget.NotFoundf("claim %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim: %w", err)
	}
	return claim, nil
}

// ListClaims returns a page of a pool's claims in reservation order.
func (s *Store) ListClaims(ctx context.Context, poolID uuid.UUID, limit, offset int) ([]daget.Claim, int, error) {
	var total int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM claims WHERE daget_id = $1`, poolID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count claims: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+claimColumns+`
		FROM claims
		WHERE daget_id = $1
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3`, poolID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list claims: %w", err)
	}
	defer rows.Close()

	claims := []daget.Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan claim: %w", err)
		}
		claims = append(claims, *c)
	}
	return claims, total, rows.Err()
}

// TryTransition performs a guarded status transition with no side effects
// beyond the status itself. Illegal transitions are rejected before touching
// the database; a legal transition whose precondition no longer holds
// (another actor moved the claim first) returns false.
func (s *Store) TryTransition(ctx context.Context, id uuid.UUID, from, to daget.ClaimStatus) (bool, error) {
	if !daget.CanTransition(from, to) {
		return false, daget.Conflictf("illegal claim transition %s -> %s", from, to)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE claims SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		to, s.clock.Now().UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LeaseForSettlement picks up to limit claims that need on-chain action and
// leases them to the calling worker. The lease is the lock_expires_at column,
// not a database lock, so claims held by a crashed worker become eligible
// again once the lease lapses. SKIP LOCKED keeps concurrent workers from
// contending on the same batch.
func (s *Store) LeaseForSettlement(ctx context.Context, lease time.Duration, limit int) ([]daget.Claim, error) {
	now := s.clock.Now().UTC()

	rows, err := s.db.Query(ctx, `
		UPDATE claims SET lock_expires_at = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM claims
			WHERE status IN ($3, $4)
				AND (lock_expires_at IS NULL OR lock_expires_at < $2)
			ORDER BY created_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+claimColumns,
		now.Add(lease), now, daget.ClaimCreated, daget.ClaimFailedRetryable, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to lease claims: %w", err)
	}
	defer rows.Close()

	claims := []daget.Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan leased claim: %w", err)
		}
		claims = append(claims, *c)
	}
	return claims, rows.Err()
}

// MarkSubmitted records the ledger reference and moves the claim to
// submitted. Guarded on the status the worker leased the claim in.
func (s *Store) MarkSubmitted(ctx context.Context, id uuid.UUID, from daget.ClaimStatus, txSignature string) (*daget.Claim, error) {
	if !daget.CanTransition(from, daget.ClaimSubmitted) {
		return nil, daget.Conflictf("illegal claim transition %s -> %s", from, daget.ClaimSubmitted)
	}
	now := s.clock.Now().UTC()

	claim, err := scanClaim(s.db.QueryRow(ctx, `
		UPDATE claims
		SET status = $1, tx_signature = $2, submitted_at = $3, lock_expires_at = NULL, updated_at = $3
		WHERE id = $4 AND status = $5
		RETURNING `+claimColumns,
		daget.ClaimSubmitted, txSignature, now, id, from,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, daget.Conflictf("claim %s is no longer %s", id, from)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark claim submitted: %w", err)
	}
	return claim, nil
}

// MarkFailed records a settlement failure, increments the attempt counter,
// and demotes the claim to failed_retryable, or failed_permanent once the
// attempt cap is reached.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, from daget.ClaimStatus, cause string, maxAttempts int32) (*daget.Claim, error) {
	now := s.clock.Now().UTC()

	claim, err := scanClaim(s.db.QueryRow(ctx, `
		UPDATE claims
		SET attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= $1 THEN $2 ELSE $3 END,
			last_error = $4, failed_at = $5, lock_expires_at = NULL, updated_at = $5
		WHERE id = $6 AND status = $7
		RETURNING `+claimColumns,
		maxAttempts, daget.ClaimFailedPermanent, daget.ClaimFailedRetryable, cause, now, id, from,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, daget.Conflictf("claim %s is no longer %s", id, from)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark claim failed: %w", err)
	}
	return claim, nil
}

// MarkConfirmed promotes a submitted claim whose ledger transaction
// finalized successfully.
func (s *Store) MarkConfirmed(ctx context.Context, id uuid.UUID) (*daget.Claim, error) {
	now := s.clock.Now().UTC()

	claim, err := scanClaim(s.db.QueryRow(ctx, `
		UPDATE claims
		SET status = $1, confirmed_at = $2, lock_expires_at = NULL, updated_at = $2
		WHERE id = $3 AND status = $4
		RETURNING `+claimColumns,
		daget.ClaimConfirmed, now, id, daget.ClaimSubmitted,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, daget.Conflictf("claim %s is not submitted", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark claim confirmed: %w", err)
	}
	return claim, nil
}

// ListStaleSubmitted returns submitted claims older than the staleness
// cutoff, oldest first, for the reconciler to verify against the ledger.
func (s *Store) ListStaleSubmitted(ctx context.Context, staleAfter time.Duration, limit int) ([]daget.Claim, error) {
	cutoff := s.clock.Now().UTC().Add(-staleAfter)

	rows, err := s.db.Query(ctx, `
		SELECT `+claimColumns+`
		FROM claims
		WHERE status = $1 AND submitted_at < $2
		ORDER BY submitted_at
		LIMIT $3`, daget.ClaimSubmitted, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale submitted claims: %w", err)
	}
	defer rows.Close()

	claims := []daget.Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale claim: %w", err)
		}
		claims = append(claims, *c)
	}
	return claims, rows.Err()
}

// ListRecentConfirmed samples recently confirmed claims for drift auditing.
func (s *Store) ListRecentConfirmed(ctx context.Context, window time.Duration, limit int) ([]daget.Claim, error) {
	since := s.clock.Now().UTC().Add(-window)

	rows, err := s.db.Query(ctx, `
		SELECT `+claimColumns+`
		FROM claims
		WHERE status = $1 AND confirmed_at >= $2
		ORDER BY confirmed_at DESC
		LIMIT $3`, daget.ClaimConfirmed, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent confirmed claims: %w", err)
	}
	defer rows.Close()

	claims := []daget.Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan confirmed claim: %w", err)
		}
		claims = append(claims, *c)
	}
	return claims, rows.Err()
}

// Release gives a permanently failed claim's slot back to the pool. Only the
// pool creator may release. The claim CAS and the slot decrement commit in
// one transaction; a pool that was closed by slot exhaustion reopens.
func (s *Store) Release(ctx context.Context, claimID uuid.UUID, actor string) (*daget.Claim, error) {
	now := s.clock.Now().UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin release: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	existing, err := scanClaim(tx.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE id = $1`, claimID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, daget.NotFoundf("claim %s not found", claimID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim: %w", err)
	}

	// Lock the pool row first: same lock order as ReserveSlot.
	pool, err := scanPool(tx.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM dagets WHERE id = $1 FOR UPDATE`, existing.PoolID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock pool: %w", err)
	}
	if pool.Creator != actor {
		return nil, daget.Authf("only the pool creator can release a claim")
	}

	claim, err := scanClaim(tx.QueryRow(ctx, `
		UPDATE claims
		SET status = $1, released_at = $2, lock_expires_at = NULL, updated_at = $2
		WHERE id = $3 AND status = $4
		RETURNING `+claimColumns,
		daget.ClaimReleased, now, claimID, daget.ClaimFailedPermanent,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, daget.Conflictf("claim is %s, only %s claims can be released", existing.Status, daget.ClaimFailedPermanent)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to release claim: %w", err)
	}

	// Closed pools were closed by exhaustion; the freed slot reopens them.
	// Stopped pools stay stopped.
	if _, err := tx.Exec(ctx, `
		UPDATE dagets
		SET claimed_slots = claimed_slots - 1,
			status = CASE WHEN status = $1 THEN $2 ELSE status END,
			updated_at = $3
		WHERE id = $4`,
		daget.PoolClosed, daget.PoolActive, now, existing.PoolID); err != nil {
		return nil, fmt.Errorf("failed to free slot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit release: %w", err)
	}

	s.log.Info("store: claim released", "claim", claimID, "pool", existing.PoolID, "actor", actor)
	return claim, nil
}

// Retry re-queues a permanently failed claim for settlement: status back to
// created, attempts reset, error and ledger reference cleared. Allowed for
// the claimant or the pool creator, at most once per cooldown window.
func (s *Store) Retry(ctx context.Context, claimID uuid.UUID, actor string, cooldown time.Duration) (*daget.Claim, error) {
	now := s.clock.Now().UTC()

	existing, err := s.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	pool, err := s.GetPool(ctx, existing.PoolID)
	if err != nil {
		return nil, err
	}
	if actor != existing.Claimant && actor != pool.Creator {
		return nil, daget.Authf("only the claimant or the pool creator can retry a claim")
	}

	claim, err := scanClaim(s.db.QueryRow(ctx, `
		UPDATE claims
		SET status = $1, attempts = 0, tx_signature = '', last_error = '',
			lock_expires_at = NULL, updated_at = $2
		WHERE id = $3 AND status = $4
			AND (failed_at IS NULL OR failed_at <= $5)
		RETURNING `+claimColumns,
		daget.ClaimCreated, now, claimID, daget.ClaimFailedPermanent, now.Add(-cooldown),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if existing.Status != daget.ClaimFailedPermanent {
			return nil, daget.Conflictf("claim is %s, only %s claims can be retried", existing.Status, daget.ClaimFailedPermanent)
		}
		return nil, daget.Conflictf("claim was retried too recently, try again later")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retry claim: %w", err)
	}

	s.log.Info("store: claim re-queued", "claim", claimID, "actor", actor)
	return claim, nil
}
