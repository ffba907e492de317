// Package eligibility defines the eligibility oracle consulted before any
// slot reservation. Role and membership verification lives behind the Oracle
// interface; the implementations here cover open pools and pools gated on a
// static requirement set.
package eligibility

import (
	"context"
	"fmt"
	"sync"
)

// Result is the oracle's verdict. Reason is set when Eligible is false.
type Result struct {
	Eligible bool
	Reason   string
}

// Oracle decides whether a claimant may claim against a requirement set. A
// negative result short-circuits the claim before any pool state is touched.
type Oracle interface {
	IsEligible(ctx context.Context, claimantID, requirementSet string) (Result, error)
}

// AllowAll admits every claimant. Used for open pools and in tests.
type AllowAll struct{}

func (AllowAll) IsEligible(context.Context, string, string) (Result, error) {
	return Result{Eligible: true}, nil
}

// StaticOracle admits claimants from a fixed membership table keyed by
// requirement set. An empty requirement set admits everyone.
type StaticOracle struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		members: make(map[string]map[string]struct{}),
	}
}

// Grant adds a claimant to a requirement set's membership.
func (o *StaticOracle) Grant(requirementSet, claimantID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	set, ok := o.members[requirementSet]
	if !ok {
		set = make(map[string]struct{})
		o.members[requirementSet] = set
	}
	set[claimantID] = struct{}{}
}

// Revoke removes a claimant from a requirement set's membership.
func (o *StaticOracle) Revoke(requirementSet, claimantID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.members[requirementSet], claimantID)
}

func (o *StaticOracle) IsEligible(_ context.Context, claimantID, requirementSet string) (Result, error) {
	if requirementSet == "" {
		return Result{Eligible: true}, nil
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	set, ok := o.members[requirementSet]
	if !ok {
		return Result{
			Reason: fmt.Sprintf("unknown requirement set %q", requirementSet),
		}, nil
	}
	if _, ok := set[claimantID]; !ok {
		return Result{
			Reason: fmt.Sprintf("claimant does not satisfy requirement set %q", requirementSet),
		}, nil
	}
	return Result{Eligible: true}, nil
}
