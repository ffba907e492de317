package server

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/malbeclabs/daget/pkg/daget"
	"github.com/malbeclabs/daget/pkg/metrics"
	"github.com/malbeclabs/daget/pkg/store"
	"github.com/mr-tron/base58"
)

const maxBodyBytes = 1 << 20

// PoolResponse is the API shape of a pool.
type PoolResponse struct {
	ID             uuid.UUID    `json:"id"`
	Creator        string       `json:"creator"`
	CreatorWallet  string       `json:"creator_wallet"`
	TokenMint      string       `json:"token_mint,omitempty"`
	RequirementSet string       `json:"requirement_set,omitempty"`
	TotalAmount    int64        `json:"total_amount"`
	TotalSlots     int32        `json:"total_slots"`
	ClaimedSlots   int32        `json:"claimed_slots"`
	RemainingSlots int32        `json:"remaining_slots"`
	Policy         daget.Policy `json:"policy"`
	MinBps         int32        `json:"min_bps,omitempty"`
	MaxBps         int32        `json:"max_bps,omitempty"`
	Status         string       `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
}

func poolResponse(p *daget.Pool) PoolResponse {
	return PoolResponse{
		ID:             p.ID,
		Creator:        p.Creator,
		CreatorWallet:  p.CreatorWallet,
		TokenMint:      p.TokenMint,
		RequirementSet: p.RequirementSet,
		TotalAmount:    p.TotalAmount,
		TotalSlots:     p.TotalSlots,
		ClaimedSlots:   p.ClaimedSlots,
		RemainingSlots: p.RemainingSlots(),
		Policy:         p.Policy,
		MinBps:         p.MinBps,
		MaxBps:         p.MaxBps,
		Status:         string(p.Status),
		CreatedAt:      p.CreatedAt,
	}
}

// ClaimResponse is the API shape of a claim.
type ClaimResponse struct {
	ID          uuid.UUID  `json:"id"`
	PoolID      uuid.UUID  `json:"daget_id"`
	Claimant    string     `json:"claimant"`
	Wallet      string     `json:"wallet"`
	Amount      int64      `json:"amount"`
	Status      string     `json:"status"`
	TxSignature string     `json:"tx_signature,omitempty"`
	Attempts    int32      `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

func claimResponse(c *daget.Claim) ClaimResponse {
	return ClaimResponse{
		ID:          c.ID,
		PoolID:      c.PoolID,
		Claimant:    c.Claimant,
		Wallet:      c.Wallet,
		Amount:      c.Amount,
		Status:      string(c.Status),
		TxSignature: c.TxSignature,
		Attempts:    c.Attempts,
		LastError:   c.LastError,
		CreatedAt:   c.CreatedAt,
		ConfirmedAt: c.ConfirmedAt,
	}
}

// validWallet reports whether addr decodes to a 32-byte public key.
func validWallet(addr string) bool {
	decoded, err := base58.Decode(addr)
	return err == nil && len(decoded) == 32
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, daget.Validationf("invalid id in path")
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, daget.Validationf("failed to read request body")
	}
	if len(body) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return nil, daget.Validationf("invalid JSON body")
	}
	return body, nil
}

// checkRateLimit enforces the per-caller claim-flow limit, wired fail-open:
// the limiter is in-process and cannot be unreachable, but a zero limiter
// admits everything.
func (s *Server) checkRateLimit(w http.ResponseWriter, user *User) bool {
	allowed, retryAfter := s.limiter.AllowWithRetry(user.ID)
	if allowed {
		return true
	}

	metrics.RateLimitedTotal.Inc()
	retrySeconds := max(int(retryAfter.Seconds()), 1)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retrySeconds))
	writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error:   string(daget.CodeRateLimited),
		Message: fmt.Sprintf("too many requests, retry in %d seconds", retrySeconds),
	})
	return false
}

type createPoolRequest struct {
	CreatorWallet  string       `json:"creator_wallet"`
	TokenMint      string       `json:"token_mint"`
	RequirementSet string       `json:"requirement_set"`
	TotalAmount    int64        `json:"total_amount"`
	TotalSlots     int32        `json:"total_slots"`
	Policy         daget.Policy `json:"policy"`
	MinBps         int32        `json:"min_bps"`
	MaxBps         int32        `json:"max_bps"`
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())

	var req createPoolRequest
	if _, err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}

	if req.CreatorWallet == "" {
		req.CreatorWallet = user.Wallet
	}
	if !validWallet(req.CreatorWallet) {
		writeError(w, s.log, daget.Validationf("creator wallet is not a valid address"))
		return
	}
	if req.TokenMint != "" && !validWallet(req.TokenMint) {
		writeError(w, s.log, daget.Validationf("token mint is not a valid address"))
		return
	}

	pool, err := s.cfg.Store.CreatePool(r.Context(), daget.CreatePool{
		Creator:        user.ID,
		CreatorWallet:  req.CreatorWallet,
		TokenMint:      req.TokenMint,
		RequirementSet: req.RequirementSet,
		TotalAmount:    req.TotalAmount,
		TotalSlots:     req.TotalSlots,
		Policy:         req.Policy,
		MinBps:         req.MinBps,
		MaxBps:         req.MaxBps,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, poolResponse(pool))
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	page := ParsePagination(r)

	pools, total, err := s.cfg.Store.ListPoolsByCreator(r.Context(), user.ID, page.Limit, page.Offset)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	items := make([]PoolResponse, 0, len(pools))
	for i := range pools {
		items = append(items, poolResponse(&pools[i]))
	}
	writeJSON(w, http.StatusOK, PaginatedResponse[PoolResponse]{
		Items: items, Total: total, Limit: page.Limit, Offset: page.Offset,
	})
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	pool, err := s.cfg.Store.GetPool(r.Context(), id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, poolResponse(pool))
}

func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	page := ParsePagination(r)

	claims, total, err := s.cfg.Store.ListClaims(r.Context(), id, page.Limit, page.Offset)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	items := make([]ClaimResponse, 0, len(claims))
	for i := range claims {
		items = append(items, claimResponse(&claims[i]))
	}
	writeJSON(w, http.StatusOK, PaginatedResponse[ClaimResponse]{
		Items: items, Total: total, Limit: page.Limit, Offset: page.Offset,
	})
}

func (s *Server) handleStopPool(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	pool, err := s.cfg.Store.StopPool(r.Context(), id, user.ID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, poolResponse(pool))
}

type createClaimRequest struct {
	Wallet string `json:"wallet"`
}

// handleCreateClaim runs the claim-creation pipeline: rate limit, idempotency
// check, eligibility, then the transactional slot reservation. The successful
// response is stored against the idempotency key for byte-identical replay.
func (s *Server) handleCreateClaim(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	poolID, err := pathID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	if !s.checkRateLimit(w, user) {
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeError(w, s.log, daget.Validationf("Idempotency-Key header is required"))
		return
	}

	var req createClaimRequest
	body, err := decodeBody(r, &req)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	endpoint := "claims:" + poolID.String()
	check, err := s.cfg.Store.CheckIdempotency(r.Context(), key, user.ID, endpoint, body)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if check.Outcome == store.IdempotencyReplay {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(check.ResponseStatus)
		_, _ = w.Write(check.ResponseBody)
		return
	}

	wallet := req.Wallet
	if wallet == "" {
		wallet = user.Wallet
	}
	if !validWallet(wallet) {
		writeError(w, s.log, daget.Validationf("wallet is not a valid address"))
		return
	}

	pool, err := s.cfg.Store.GetPool(r.Context(), poolID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	verdict, err := s.cfg.Oracle.IsEligible(r.Context(), user.ID, pool.RequirementSet)
	if err != nil {
		writeError(w, s.log, fmt.Errorf("failed to check eligibility: %w", err))
		return
	}
	if !verdict.Eligible {
		writeError(w, s.log, daget.Authf("not eligible to claim: %s", verdict.Reason))
		return
	}

	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	claim, err := s.cfg.Store.ReserveSlot(r.Context(), poolID, user.ID, wallet, rng)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	metrics.SlotsReservedTotal.Inc()

	resp, err := json.Marshal(claimResponse(claim))
	if err != nil {
		writeError(w, s.log, fmt.Errorf("failed to encode claim: %w", err))
		return
	}
	if err := s.cfg.Store.StoreIdempotency(r.Context(), key, user.ID, endpoint, body, http.StatusCreated, resp); err != nil {
		// The claim exists; the duplicate-claim guard covers a retransmission
		// that misses the replay.
		s.log.Error("server: failed to store idempotency record", "key", key, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(resp)
}

func (s *Server) handleReleaseClaim(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	claim, err := s.cfg.Store.Release(r.Context(), id, user.ID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse(claim))
}

func (s *Server) handleRetryClaim(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	if !s.checkRateLimit(w, user) {
		return
	}

	claim, err := s.cfg.Store.Retry(r.Context(), id, user.ID, s.cfg.RetryCooldown)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse(claim))
}
