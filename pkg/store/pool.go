package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/daget/pkg/daget"
)

const poolColumns = `id, creator, creator_wallet, token_mint, requirement_set, total_amount, total_slots,
	claimed_slots, policy, COALESCE(min_bps, 0), COALESCE(max_bps, 0), status, created_at, updated_at`

func scanPool(row pgx.Row) (*daget.Pool, error) {
	var p daget.Pool
	err := row.Scan(
		&p.ID, &p.Creator, &p.CreatorWallet, &p.TokenMint, &p.RequirementSet, &p.TotalAmount, &p.TotalSlots,
		&p.ClaimedSlots, &p.Policy, &p.MinBps, &p.MaxBps, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePool inserts a new active pool.
func (s *Store) CreatePool(ctx context.Context, req daget.CreatePool) (*daget.Pool, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	id := uuid.New()

	var minBps, maxBps *int32
	if req.Policy == daget.PolicyRandom {
		minBps, maxBps = &req.MinBps, &req.MaxBps
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO dagets (id, creator, creator_wallet, token_mint, requirement_set, total_amount,
			total_slots, claimed_slots, policy, min_bps, max_bps, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11, $12, $12)
		RETURNING `+poolColumns,
		id, req.Creator, req.CreatorWallet, req.TokenMint, req.RequirementSet, req.TotalAmount,
		req.TotalSlots, req.Policy, minBps, maxBps, daget.PoolActive, now,
	)

	pool, err := scanPool(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert pool: %w", err)
	}

	s.log.Info("store: pool created",
		"pool", pool.ID, "creator", pool.Creator, "amount", pool.TotalAmount,
		"slots", pool.TotalSlots, "policy", pool.Policy)
	return pool, nil
}

// GetPool fetches a pool by id.
func (s *Store) GetPool(ctx context.Context, id uuid.UUID) (*daget.Pool, error) {
	pool, err := scanPool(s.db.QueryRow(ctx, `SELECT `+poolColumns+` FROM dagets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, daget.NotFoundf("pool %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool: %w", err)
	}
	return pool, nil
}

// ListPoolsByCreator returns a page of the creator's pools, newest first.
func (s *Store) ListPoolsByCreator(ctx context.Context, creator string, limit, offset int) ([]daget.Pool, int, error) {
	var total int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM dagets WHERE creator = $1`, creator).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count pools: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+poolColumns+`
		FROM dagets
		WHERE creator = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, creator, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list pools: %w", err)
	}
	defer rows.Close()

	pools := []daget.Pool{}
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan pool: %w", err)
		}
		pools = append(pools, *p)
	}
	return pools, total, rows.Err()
}

// StopPool transitions an active pool to stopped. Creator-only; a stopped
// pool rejects new claims but lets in-flight claims resolve.
func (s *Store) StopPool(ctx context.Context, id uuid.UUID, creator string) (*daget.Pool, error) {
	now := s.clock.Now().UTC()

	row := s.db.QueryRow(ctx, `
		UPDATE dagets
		SET status = $1, updated_at = $2
		WHERE id = $3 AND creator = $4 AND status = $5
		RETURNING `+poolColumns,
		daget.PoolStopped, now, id, creator, daget.PoolActive,
	)

	pool, err := scanPool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish missing, foreign, and already-stopped pools.
		existing, getErr := s.GetPool(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if existing.Creator != creator {
			return nil, daget.Authf("only the pool creator can stop it")
		}
		return nil, daget.Conflictf("pool is %s, only active pools can be stopped", existing.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stop pool: %w", err)
	}

	s.log.Info("store: pool stopped", "pool", pool.ID, "creator", creator)
	return pool, nil
}
