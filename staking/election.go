package staking

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stakeforge/bftchain/kv"
)

// candidateTotal pairs a candidate with its aggregated delegation total,
// the intermediate value the election algorithm sorts and cuts on
// (spec.md section 4.3).
type candidateTotal struct {
	candidate Candidate
	total     uint64
}

// aggregateDelegations sums, per delegatee, the quantity every
// stakeholder has delegated to it (spec.md section 4.3 step 2).
func aggregateDelegations(s kv.Store) map[common.Address]uint64 {
	totals := make(map[common.Address]uint64)
	for _, addr := range Stakeholders(s) {
		del := getDelegation(s, addr)
		for delegatee, q := range del.Shares {
			totals[delegatee] += q
		}
	}
	return totals
}

// Elect runs the deterministic election algorithm (spec.md section 4.3)
// over the current candidate table and returns the new validator list,
// ordered by descending weight (ties broken by ascending address), ready
// to persist as the term's validator set. Grounded on the CodeChain
// original's action_data.rs: Validators::elect.
func Elect(s kv.Store, params Params) []Validator {
	delegationTotals := aggregateDelegations(s)

	var eligible []candidateTotal
	for _, cand := range Candidates(s) {
		if cand.Deposit < params.MinDeposit {
			continue
		}
		if IsBanned(s, cand.Address) {
			continue
		}
		eligible = append(eligible, candidateTotal{candidate: cand, total: delegationTotals[cand.Address]})
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].total != eligible[j].total {
			return eligible[i].total > eligible[j].total
		}
		return lessAddress(eligible[i].candidate.Address, eligible[j].candidate.Address)
	})

	if params.MaxValidators > 0 && len(eligible) > params.MaxValidators {
		cutTotal := eligible[params.MaxValidators].total
		eligible = eligible[:params.MaxValidators]
		// Drop every candidate whose total equals the cut total: only one
		// "cut class" of survivors at the boundary is kept, and since all
		// of them share the cut total, dropping the whole class is
		// unambiguous (spec.md section 4.3 step 5).
		trimmed := eligible[:0:0]
		for _, ct := range eligible {
			if ct.total != cutTotal {
				trimmed = append(trimmed, ct)
			}
		}
		eligible = trimmed
	}

	dSafe := uint64(0)
	if params.MinValidators > 0 && len(eligible) >= params.MinValidators {
		dSafe = eligible[params.MinValidators-1].total
	}

	survivors := make([]candidateTotal, 0, len(eligible))
	for _, ct := range eligible {
		if ct.total >= dSafe || ct.total >= params.DelegationThreshold {
			survivors = append(survivors, ct)
		}
	}

	out := make([]Validator, len(survivors))
	for i, ct := range survivors {
		out[i] = Validator{
			Address:   ct.candidate.Address,
			PublicKey: ct.candidate.PublicKey,
			Weight:    ct.total,
			Deposit:   ct.candidate.Deposit,
		}
	}
	return out
}

func lessAddress(a, b common.Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// UpdateWeights applies the per-block weight decay (spec.md section 4.3):
// every validator other than author decays by 2*min_delegation
// (saturating to zero), author decays by min_delegation, and the list is
// re-sorted descending by weight. This follows spec.md's plain reading
// ("every other validator's weight decreases") rather than the original
// Rust's .rev()-early-break quirk — see DESIGN.md for that Open Question
// resolution.
func UpdateWeights(validators []Validator, author common.Address, minDelegation uint64) []Validator {
	out := make([]Validator, len(validators))
	copy(out, validators)
	for i := range out {
		decay := 2 * minDelegation
		if out[i].Address == author {
			decay = minDelegation
		}
		if out[i].Weight <= decay {
			out[i].Weight = 0
		} else {
			out[i].Weight -= decay
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return lessAddress(out[i].Address, out[j].Address)
	})
	return out
}

// ProposerForRound deterministically selects the proposer for (height,
// view) from validators, stable across every node (spec.md section 4.3).
// Grounded on tos-network-gtos/consensus/dpos's seeded-hash proposer
// selection, generalized from block-number-only to (parentHash,
// height+view).
func ProposerForRound(validators []Validator, parentHash common.Hash, height, view uint64) (Validator, bool) {
	if len(validators) == 0 {
		return Validator{}, false
	}
	seedInput := make([]byte, 0, len(parentHash)+8)
	seedInput = append(seedInput, parentHash.Bytes()...)
	seed := height + view
	seedInput = append(seedInput,
		byte(seed>>56), byte(seed>>48), byte(seed>>40), byte(seed>>32),
		byte(seed>>24), byte(seed>>16), byte(seed>>8), byte(seed))
	digest := crypto.Keccak256(seedInput)
	idx := bytesToUint64(digest[:8]) % uint64(len(validators))
	return validators[idx], true
}

func bytesToUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
