package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/daget/pkg/daget"
)

// IdempotencyRetention is how long a stored response is replayed for.
const IdempotencyRetention = 24 * time.Hour

// IdempotencyOutcome is the result of checking an idempotency key.
type IdempotencyOutcome int

const (
	// IdempotencyProceed means no record exists; process the request.
	IdempotencyProceed IdempotencyOutcome = iota
	// IdempotencyReplay means an identical request was already processed;
	// replay the stored response byte for byte.
	IdempotencyReplay
)

// IdempotencyCheck is the stored response returned on replay.
type IdempotencyCheck struct {
	Outcome        IdempotencyOutcome
	ResponseStatus int
	ResponseBody   []byte
}

// Fingerprint computes a stable hash of a request body over canonically
// ordered fields, so that two serializations of the same logical request
// fingerprint identically.
func Fingerprint(body []byte) string {
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		// json.Marshal sorts map keys, giving a canonical form.
		if canonical, err := json.Marshal(v); err == nil {
			body = canonical
		}
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CheckIdempotency looks up a key scoped to (caller, endpoint). A hit with a
// matching body fingerprint replays the stored response; a hit with a
// different fingerprint is a conflict (the client reused a key for a
// different logical request); a miss, or a hit outside the retention window,
// proceeds.
func (s *Store) CheckIdempotency(ctx context.Context, key, caller, endpoint string, body []byte) (*IdempotencyCheck, error) {
	now := s.clock.Now().UTC()

	var storedHash string
	var status int
	var responseBody []byte
	err := s.db.QueryRow(ctx, `
		SELECT request_hash, response_status, response_body
		FROM idempotency_records
		WHERE key = $1 AND caller = $2 AND endpoint = $3 AND expires_at > $4`,
		key, caller, endpoint, now).Scan(&storedHash, &status, &responseBody)
	if errors.Is(err, pgx.ErrNoRows) {
		return &IdempotencyCheck{Outcome: IdempotencyProceed}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	if storedHash != Fingerprint(body) {
		return nil, daget.Conflictf("idempotency key was already used with a different request body")
	}

	return &IdempotencyCheck{
		Outcome:        IdempotencyReplay,
		ResponseStatus: status,
		ResponseBody:   responseBody,
	}, nil
}

// StoreIdempotency persists the response for a key. First writer wins:
// a concurrent store for the same key is a no-op, so retransmissions racing
// the original request cannot duplicate the record.
func (s *Store) StoreIdempotency(ctx context.Context, key, caller, endpoint string, body []byte, responseStatus int, responseBody []byte) error {
	now := s.clock.Now().UTC()

	_, err := s.db.Exec(ctx, `
		INSERT INTO idempotency_records (key, caller, endpoint, request_hash, response_status, response_body, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key, caller, endpoint) DO NOTHING`,
		key, caller, endpoint, Fingerprint(body), responseStatus, responseBody, now, now.Add(IdempotencyRetention))
	if err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

// PruneIdempotency deletes expired idempotency records and returns how many
// were removed.
func (s *Store) PruneIdempotency(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM idempotency_records WHERE expires_at <= $1`, s.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}
