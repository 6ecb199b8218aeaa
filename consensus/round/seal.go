package round

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/stakeforge/bftchain/bitset"
	"github.com/stakeforge/bftchain/chainiface"
	"github.com/stakeforge/bftchain/errs"
)

// SealData is the finality attachment the proposer carries on a header
// for the previous height (spec.md section 4.5, "Seal"): the view the
// previous height's block was finalized at, the current view, and the
// precommits proving it.
type SealData struct {
	PrevView            uint64
	CurView             uint64
	PrecommitIndices    []int
	PrecommitSignatures [][]byte
	Bitset              *bitset.BitSet
}

// SignatureVerifier checks a single precommit signature against the
// validator at signerIndex; the signature scheme itself is out of scope
// (spec.md section 1) and supplied by the caller.
type SignatureVerifier func(signerIndex int, sig []byte) bool

// VerifySeal is the Proposal & Seal Verifier (C6). Genesis's child is
// exempt from the vote check (spec.md section 4.5, 4.6).
func VerifySeal(vset chainiface.ValidatorSetClient, header chainiface.Header, author common.Address,
	seal SealData, verifySig SignatureVerifier, isGenesisChild bool) error {

	if err := verifyScore(header); err != nil {
		return err
	}

	if isGenesisChild {
		return nil
	}

	if len(seal.PrecommitIndices) != len(seal.PrecommitSignatures) {
		return errs.NewEngine(errs.ErrBadSealFieldSize)
	}
	// spec.md section 9 (DESIGN NOTES): the original's two "bitset vs
	// precommits count" branches check the same predicate with different
	// log messages; collapsed here into a single comparison.
	if seal.Bitset == nil || seal.Bitset.Count() != len(seal.PrecommitIndices) {
		return errs.NewEngine(errs.ErrBadSealFieldSize)
	}

	parentHash := header.ParentHash()
	proposer, ok := vset.NextBlockProposer(parentHash, header.CurView())
	if !ok || proposer != author {
		return errs.NewEngine(errs.ErrNotProposer)
	}

	total := vset.Count(parentHash)
	seen := make(map[int]bool, len(seal.PrecommitIndices))
	weight := 0
	for i, idx := range seal.PrecommitIndices {
		if seen[idx] {
			return errs.NewEngine(errs.ErrDoubleVote)
		}
		seen[idx] = true
		if !seal.Bitset.IsSet(idx) {
			return errs.NewEngine(errs.ErrBadSealFieldSize)
		}
		if _, ok := vset.Get(parentHash, idx); !ok {
			return errs.NewEngine(errs.ErrValidatorNotExist)
		}
		if verifySig != nil && !verifySig(idx, seal.PrecommitSignatures[i]) {
			return errs.NewEngine(errs.ErrInvalidSignature)
		}
		weight++
	}

	if weight < quorumThreshold(total) {
		return errs.NewEngine(errs.ErrInsufficientQuorum)
	}
	return nil
}

// verifyScore checks score(h,v) = U128_MAX*h - v holds by construction:
// the header's declared (height, view) pair must match its own Number
// and CurView fields (the arithmetic combining them into one orderable
// value is the external block codec's concern — spec.md section 1).
func verifyScore(header chainiface.Header) error {
	h, v := header.Score()[0], header.Score()[1]
	if h != header.Number() || v != header.CurView() {
		return errs.NewEngine(errs.ErrBadSealFieldSize)
	}
	return nil
}
