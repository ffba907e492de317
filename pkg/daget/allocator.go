package daget

import (
	"math"
	"math/rand/v2"
)

// ComputeAmount computes the payout for the next claim against a pool. It is
// a pure function of the pool parameters and the counters passed in; callers
// must read claimedSoFar/usedSoFar under the same transaction that reserves
// the slot, so two concurrent claims can never price themselves off the same
// pool snapshot.
//
// Fixed policy: every slot gets floor(total/slots), except the final slot
// which gets the exact remainder so the pool sums to TotalAmount with no
// dust.
//
// Random policy: fair-share with bounded fluctuation. The remaining pool is
// split evenly across remaining claimants, then perturbed by a uniform scalar
// in [-1, 1] scaled by (maxBps-minBps)/10000, clamped so that every remaining
// claimant can still receive at least 1 unit. The final claimant always gets
// the exact remainder. The formula perturbs around the fair share rather
// than sampling within [minBps, maxBps] of the remaining pool.
//
// Postcondition for both policies: 1 <= amount <= remaining - (claimants-1).
func ComputeAmount(p *Pool, claimedSoFar int32, usedSoFar int64, rng *rand.Rand) (int64, error) {
	remaining := p.TotalAmount - usedSoFar
	claimants := int64(p.TotalSlots - claimedSoFar)

	if claimants <= 0 {
		return 0, Invariantf("no remaining claimants: claimed %d of %d", claimedSoFar, p.TotalSlots)
	}
	if remaining < claimants {
		return 0, Invariantf("remaining pool %d cannot cover %d remaining claimants", remaining, claimants)
	}

	if claimants == 1 {
		// Forced exact remainder: conservation over dust.
		return remaining, nil
	}

	var amount int64
	switch p.Policy {
	case PolicyFixed:
		amount = p.TotalAmount / int64(p.TotalSlots)
	case PolicyRandom:
		fairShare := remaining / claimants
		variance := float64(p.MaxBps-p.MinBps) / 10000
		scalar := rng.Float64()*2 - 1
		fluctuation := int64(math.Floor(float64(fairShare) * variance * scalar))
		amount = fairShare + fluctuation

		// Reserve at least 1 unit per remaining claimant.
		if maxAmount := remaining - (claimants - 1); amount > maxAmount {
			amount = maxAmount
		}
		if amount < 1 {
			amount = 1
		}
	default:
		return 0, Invariantf("unknown payout policy %q", p.Policy)
	}

	if amount < 1 || remaining-amount < claimants-1 {
		return 0, Invariantf("computed amount %d violates conservation: remaining %d, claimants %d", amount, remaining, claimants)
	}
	return amount, nil
}
