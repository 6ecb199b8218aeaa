// Package votes implements the Vote Collector (C1): an indexed store of
// signed consensus messages that detects equivocation. Grounded on
// tos-network-gtos/consensus/bft/vote_pool.go (map-indexed pool behind an
// RWMutex, equivocation-by-instance-key detection) generalized from a
// single QC-assembly index to the Round/Phase/BlockHash/Signer indices
// spec.md section 4.1 requires.
package votes

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Phase identifies which step of the round protocol a message belongs to.
type Phase uint8

const (
	PhasePropose Phase = iota
	PhasePrevote
	PhasePrecommit
)

func (p Phase) String() string {
	switch p {
	case PhasePropose:
		return "propose"
	case PhasePrevote:
		return "prevote"
	case PhasePrecommit:
		return "precommit"
	default:
		return "unknown"
	}
}

// Round identifies a (height, view, phase) instance.
type Round struct {
	Height uint64
	View   uint64
	Phase  Phase
}

// Step is what a ConsensusMessage attests to: a round plus the block it
// votes for. BlockHash is the zero hash for "no block" (Prevote/Precommit
// nil), matching spec.md's `block_hash?` being None only in that case.
type Step struct {
	Round     Round
	BlockHash common.Hash
}

// Message is a signed consensus message (spec.md section 3).
type Message struct {
	On          Step
	SignerIndex int
	Signature   []byte
}

// roundKey indexes by (height, view, phase) — the finest round
// granularity messages share regardless of target block.
type roundKey struct {
	height uint64
	view   uint64
	phase  Phase
}

// stepKey indexes by the full Step — all messages aligned on the exact
// same vote.
type stepKey struct {
	round     roundKey
	blockHash common.Hash
}

// signerRoundKey indexes by (signer, round) — used both for equivocation
// detection and for building a seal's signature list in signer order.
type signerRoundKey struct {
	signer int
	round  roundKey
}

// Collector is the Vote Collector (C1).
type Collector struct {
	mu sync.RWMutex

	byRound      map[roundKey][]Message
	byStep       map[stepKey][]Message
	bySignerRound map[signerRoundKey]Message
}

func New() *Collector {
	return &Collector{
		byRound:       make(map[roundKey][]Message),
		byStep:        make(map[stepKey][]Message),
		bySignerRound: make(map[signerRoundKey]Message),
	}
}

func toRoundKey(r Round) roundKey { return roundKey{height: r.Height, view: r.View, phase: r.Phase} }

// Double is the evidence pair returned when two messages from the same
// signer in the same round disagree on the block hash.
type Double struct {
	First  Message
	Second Message
}

// Insert records msg. It returns a non-nil *Double when msg and a
// previously accepted message from the same signer in the same
// (height,view,phase) round disagree on block_hash — both are retained as
// evidence (spec.md section 4.1).
func (c *Collector) Insert(msg Message) *Double {
	c.mu.Lock()
	defer c.mu.Unlock()

	sr := signerRoundKey{signer: msg.SignerIndex, round: toRoundKey(msg.On.Round)}
	if prior, ok := c.bySignerRound[sr]; ok {
		if prior.On.BlockHash != msg.On.BlockHash {
			// Both messages are kept: the prior one stays indexed, and we
			// also index msg itself so future aligned_count/signature
			// queries see both sides of the equivocation.
			c.index(msg)
			return &Double{First: prior, Second: msg}
		}
		// Identical re-delivery: nothing new to index.
		return nil
	}

	c.bySignerRound[sr] = msg
	c.index(msg)
	return nil
}

func (c *Collector) index(msg Message) {
	rk := toRoundKey(msg.On.Round)
	c.byRound[rk] = append(c.byRound[rk], msg)
	sk := stepKey{round: rk, blockHash: msg.On.BlockHash}
	c.byStep[sk] = append(c.byStep[sk], msg)
}

// AlignedCount returns the number of accepted messages identical to msg's
// On step (spec.md section 4.1).
func (c *Collector) AlignedCount(on Step) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sk := stepKey{round: toRoundKey(on.Round), blockHash: on.BlockHash}
	return len(c.byStep[sk])
}

// RoundSignatures returns the signatures and signer indices of every
// accepted Precommit for blockHash at round — the block's finality seal
// (spec.md section 4.1).
func (c *Collector) RoundSignatures(round Round, blockHash common.Hash) (sigs [][]byte, indices []int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sk := stepKey{round: toRoundKey(round), blockHash: blockHash}
	msgs := c.byStep[sk]
	sigs = make([][]byte, 0, len(msgs))
	indices = make([]int, 0, len(msgs))
	for _, m := range msgs {
		sigs = append(sigs, m.Signature)
		indices = append(indices, m.SignerIndex)
	}
	return sigs, indices
}

// ThrowOutOld discards votes strictly older than minRound (the new
// height-1 Propose round), after the caller has already inserted the new
// height's votes — preserving enough precommits to finalize the
// now-previous height (spec.md section 4.1).
func (c *Collector) ThrowOutOld(minRound Round) {
	c.mu.Lock()
	defer c.mu.Unlock()
	older := func(rk roundKey) bool {
		if rk.height != minRound.Height {
			return rk.height < minRound.Height
		}
		return rk.view < minRound.View
	}
	for rk := range c.byRound {
		if older(rk) {
			delete(c.byRound, rk)
		}
	}
	for sk := range c.byStep {
		if older(sk.round) {
			delete(c.byStep, sk)
		}
	}
	for sr := range c.bySignerRound {
		if older(sr.round) {
			delete(c.bySignerRound, sr)
		}
	}
}
