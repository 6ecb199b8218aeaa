// Package round implements the Round State Machine (C5), the Proposal &
// Seal Verifier (C6), and crash-safe Backup/Restore (C7). Grounded on
// tos-network-gtos/consensus/bft (Reactor/VotePool/QC idiom for vote
// tallying and quorum arithmetic), generalized from single-shot QC
// assembly to the full Propose/Prevote/Precommit/Commit phase machine
// spec.md section 4.5 describes, with votes/collector.go (C1) as the
// equivocation-aware message store underneath it.
package round

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// PhaseKind is the sum type spec.md section 4.5 names for C5's phase
// field.
type PhaseKind uint8

const (
	PhasePropose PhaseKind = iota
	PhaseProposeWaitBlockGeneration
	PhaseProposeWaitImported
	PhaseProposeWaitEmptyBlockTimer
	PhasePrevote
	PhasePrecommit
	PhaseCommit
	PhaseCommitTimedout
)

func (k PhaseKind) String() string {
	switch k {
	case PhasePropose:
		return "propose"
	case PhaseProposeWaitBlockGeneration:
		return "propose_wait_block_generation"
	case PhaseProposeWaitImported:
		return "propose_wait_imported"
	case PhaseProposeWaitEmptyBlockTimer:
		return "propose_wait_empty_block_timer"
	case PhasePrevote:
		return "prevote"
	case PhasePrecommit:
		return "precommit"
	case PhaseCommit:
		return "commit"
	case PhaseCommitTimedout:
		return "commit_timedout"
	default:
		return fmt.Sprintf("phase(%d)", k)
	}
}

// ParsePhaseKind reverses PhaseKind.String, for a timer scheduler that
// only gets the step name back across the chainiface.Network boundary
// and needs the typed value HandleTimeout expects.
func ParsePhaseKind(s string) (PhaseKind, bool) {
	switch s {
	case "propose":
		return PhasePropose, true
	case "propose_wait_block_generation":
		return PhaseProposeWaitBlockGeneration, true
	case "propose_wait_imported":
		return PhaseProposeWaitImported, true
	case "propose_wait_empty_block_timer":
		return PhaseProposeWaitEmptyBlockTimer, true
	case "prevote":
		return PhasePrevote, true
	case "precommit":
		return PhasePrecommit, true
	case "commit":
		return PhaseCommit, true
	case "commit_timedout":
		return PhaseCommitTimedout, true
	default:
		return 0, false
	}
}

// Phase carries the payload each PhaseKind variant needs: the awaited
// parent hash while a block is being built, or the sealed block once it
// exists.
type Phase struct {
	Kind       PhaseKind
	ParentHash common.Hash
	SealedRaw  []byte
}

func (p Phase) String() string { return p.Kind.String() }

// LockKind is last_two_thirds_majority's variant tag (spec.md section
// 4.5).
type LockKind uint8

const (
	LockEmpty LockKind = iota
	LockUnlock
	LockLock
)

// Lock is the PoLC state: Empty (never locked), Unlock(view) (locked then
// released at view), or Lock(view, block_hash) (currently locked on
// block_hash as of view).
type Lock struct {
	Kind      LockKind
	View      uint64
	BlockHash common.Hash
}

func (l Lock) lockedOn(hash common.Hash) bool {
	return l.Kind == LockLock && l.BlockHash == hash
}
