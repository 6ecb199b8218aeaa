// Package gossip implements the Peer Gossip Coordinator (C8): per-peer
// advertised state, sqrt(n)-sampled broadcasts, and targeted
// request/response for the round state machine's messages and proposal
// blocks. Grounded on votes/collector.go's RWMutex-guarded map-of-state
// idiom (itself grounded on tos-network-gtos/consensus/bft/vote_pool.go),
// generalized from a message index to a per-peer state table, with
// bitset.BitSet (spec.md section 6, "Bitset") driving the
// known-votes-difference requests.
//
// Coordinator's Broadcast*/Request* methods share their names and
// signatures with chainiface.Network's send methods by design: an
// embedding application composes a *Coordinator with its own timer
// scheduler to build the concrete chainiface.Network the round machine
// sends through, so C8's sampling governs every send that interface
// makes rather than being a parallel, unused broadcast path.
package gossip

import (
	"math"
	"math/rand"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/stakeforge/bftchain/bitset"
	"github.com/stakeforge/bftchain/config"
)

// PeerID identifies a connected peer; the transport layer's concrete
// identity type is out of scope (spec.md section 1).
type PeerID string

// VoteStep is the round position a peer state or request refers to.
type VoteStep struct {
	Height uint64
	View   uint64
	Phase  uint8
}

// PeerState is what the coordinator tracks per connected peer (spec.md
// section 4.8).
type PeerState struct {
	VoteStep      VoteStep
	ProposalHash  common.Hash
	HasProposal   bool
	LockView      uint64
	KnownVotes    *bitset.BitSet
	Height        uint64
}

// Network is the transport collaborator the coordinator drives sends
// through; distinct from chainiface.Network, which is the round
// machine's own narrower view of the same transport.
type Network interface {
	SendToPeer(peer PeerID, kind string, payload []byte)
}

// Coordinator is the Peer Gossip Coordinator (C8).
type Coordinator struct {
	mu    sync.RWMutex
	peers map[PeerID]*PeerState

	cfg config.GossipConfig
	net Network

	ourHeight   uint64
	ourStep     VoteStep
	ourProposal common.Hash
	ourHasProp  bool
	ourLockView uint64
	ourVotes    *bitset.BitSet
}

func New(cfg config.GossipConfig, net Network) *Coordinator {
	return &Coordinator{
		peers: make(map[PeerID]*PeerState),
		cfg:   cfg,
		net:   net,
	}
}

// PeerConnected registers a newly connected peer with empty state.
func (c *Coordinator) PeerConnected(id PeerID, validatorCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[id] = &PeerState{KnownVotes: bitset.New(validatorCount)}
}

func (c *Coordinator) PeerDisconnected(id PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, id)
}

// PeerAdvertised updates what a peer claims to know, delivered off a
// received State message.
func (c *Coordinator) PeerAdvertised(id PeerID, state PeerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[id]; ok {
		*p = state
	}
}

// UpdateOurState is called by the round machine after every state
// advance so the next BroadcastState reflects it.
func (c *Coordinator) UpdateOurState(height uint64, step VoteStep, proposal common.Hash, hasProposal bool, lockView uint64, votes *bitset.BitSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ourHeight = height
	c.ourStep = step
	c.ourProposal = proposal
	c.ourHasProp = hasProposal
	c.ourLockView = lockView
	c.ourVotes = votes
}

// sampleSize is sqrt(peer count), bounded to [min,max] (spec.md section
// 4.8, "BroadcastState"), and never more than the peer count itself.
func (c *Coordinator) sampleSize(total int) int {
	n := int(math.Sqrt(float64(total)))
	if n < c.cfg.MinBroadcastPeers {
		n = c.cfg.MinBroadcastPeers
	}
	if n > c.cfg.MaxBroadcastPeers {
		n = c.cfg.MaxBroadcastPeers
	}
	if n > total {
		n = total
	}
	return n
}

func (c *Coordinator) samplePeers() []PeerID {
	ids := make([]PeerID, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	n := c.sampleSize(len(ids))
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	return ids[:n]
}

// BroadcastState sends our current (vote_step, proposal, lock_view,
// votes_received) to a sqrt(n)-sized random sample of peers (spec.md
// section 4.8).
func (c *Coordinator) BroadcastState(payload []byte) {
	c.mu.RLock()
	targets := c.samplePeers()
	c.mu.RUnlock()
	for _, id := range targets {
		c.net.SendToPeer(id, "state", payload)
	}
}

// BroadcastMessage sends a consensus message to the same random sample.
func (c *Coordinator) BroadcastMessage(payload []byte) {
	c.mu.RLock()
	targets := c.samplePeers()
	c.mu.RUnlock()
	for _, id := range targets {
		c.net.SendToPeer(id, "message", payload)
	}
}

// proposalBlockWire is the wire envelope BroadcastProposalBlock sends:
// the proposer's seal signature (nil until the block is fully sealed),
// the view it was proposed at, and the raw sealed block itself.
type proposalBlockWire struct {
	Signature []byte
	View      uint64
	Raw       []byte
}

// BroadcastProposalBlock sends a sealed proposal block to the same
// random sample. Satisfies chainiface.Network's method of the same
// name, so a *Coordinator can stand in as the round machine's transport.
func (c *Coordinator) BroadcastProposalBlock(signature []byte, view uint64, raw []byte) {
	payload, err := rlp.EncodeToBytes(proposalBlockWire{Signature: signature, View: view, Raw: raw})
	if err != nil {
		return
	}
	c.mu.RLock()
	targets := c.samplePeers()
	c.mu.RUnlock()
	for _, id := range targets {
		c.net.SendToPeer(id, "proposal_block", payload)
	}
}

// RequestProposal targets id specifically, when we need a proposal it
// has advertised (spec.md section 4.8, "RequestProposal").
func (c *Coordinator) RequestProposal(id PeerID, payload []byte) {
	c.net.SendToPeer(id, "request_proposal", payload)
}

// RequestProposalToAny asks a single random connected peer for the
// round's proposal, used when we have no advertised holder to target
// (chainiface.Network's RequestProposalToAny).
func (c *Coordinator) RequestProposalToAny(round []byte) {
	c.mu.RLock()
	ids := make([]PeerID, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	if len(ids) == 0 {
		return
	}
	c.RequestProposal(ids[rand.Intn(len(ids))], round)
}

// RequestMessagesToAll asks the same sqrt(n) sample for every message of
// a round, used when no peer's advertised known_votes lets
// MaybeRequestMessages target a diff (chainiface.Network's
// RequestMessagesToAll).
func (c *Coordinator) RequestMessagesToAll(round []byte) {
	c.mu.RLock()
	targets := c.samplePeers()
	c.mu.RUnlock()
	for _, id := range targets {
		c.net.SendToPeer(id, "request_messages", round)
	}
}

// MaybeRequestMessages compares id's advertised known_votes against ours
// at the current round and, if id knows votes we don't, issues a
// RequestMessages carrying the difference (spec.md section 4.8).
func (c *Coordinator) MaybeRequestMessages(id PeerID, round VoteStep, encode func(round VoteStep, requested *bitset.BitSet) []byte) {
	c.mu.RLock()
	peer, ok := c.peers[id]
	ours := c.ourVotes
	c.mu.RUnlock()
	if !ok || peer.KnownVotes == nil || ours == nil {
		return
	}
	if peer.VoteStep != round {
		return
	}
	diff := ours.Difference(peer.KnownVotes)
	if diff.Count() == 0 {
		return
	}
	c.net.SendToPeer(id, "request_messages", encode(round, diff))
}

// Respond sends the subset of round's votes whose signer index is set in
// requested, in response to a peer's RequestMessages (spec.md section
// 4.8, "Respond").
func (c *Coordinator) Respond(id PeerID, requested *bitset.BitSet, allIndices []int, payloadFor func(index int) []byte) {
	for _, idx := range allIndices {
		if requested.IsSet(idx) {
			c.net.SendToPeer(id, "message", payloadFor(idx))
		}
	}
}

// ShouldStaySilent implements the catch-up policy: if peer's height is
// at least our height + catch_up_height_gap, the block-sync collaborator
// handles bulk catch-up and the coordinator stays silent (spec.md
// section 4.8).
func (c *Coordinator) ShouldStaySilent(peerHeight uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return peerHeight >= c.ourHeight+c.cfg.CatchUpHeightGap
}
