// Package chainiface declares the external collaborators the consensus
// core consumes but does not implement: the chain client, the
// validator-set client, and the network transport (spec.md section 6).
// Everything behind these interfaces — block-body codec, signature
// scheme, P2P transport, RPC — is explicitly out of scope.
package chainiface

import (
	"github.com/ethereum/go-ethereum/common"
)

// Block is the minimal view the core needs of an external block.
type Block interface {
	Hash() common.Hash
	ParentHash() common.Hash
	Number() uint64
	Timestamp() uint64
}

// Header is the minimal view of an external block header, including the
// seal fields the verifier checks (spec.md section 6).
type Header interface {
	Hash() common.Hash
	ParentHash() common.Hash
	Number() uint64
	Timestamp() uint64
	Score() [2]uint64 // (height, view) pair backing score(h,v) = U128_MAX*h - v
	PrevView() uint64
	CurView() uint64
	PrecommitBitset() []byte
}

// ChainClient is the consumed chain collaborator (spec.md section 6).
type ChainClient interface {
	Block(id common.Hash) Block
	BlockHeader(id common.Hash) Header
	BestBlockHeader() Header
	// UpdateSealing asks the external block builder to assemble and seal
	// a new block on top of parent; sealing happens asynchronously and
	// the result surfaces through the Network's ProposalBlock delivery.
	UpdateSealing(parent common.Hash) error
	ImportBlock(raw []byte) error
	UpdateBestAsCommitted(hash common.Hash) error
	QueueOwnTransaction(signed []byte) error
}

// ValidatorSetClient is the consumed validator-set collaborator.
type ValidatorSetClient interface {
	Get(parentHash common.Hash, index int) (common.Address, bool)
	Count(parentHash common.Hash) int
	GetIndexByAddress(parentHash common.Hash, addr common.Address) (int, bool)
	NextBlockProposer(parentHash common.Hash, view uint64) (common.Address, bool)
	ReportBenign(addr common.Address, height uint64)
	ReportMalicious(addr common.Address, height uint64, evidence []byte)
}

// Network is the consumed transport collaborator the round machine (C5)
// calls directly. Sends are non-blocking queue pushes (spec.md section
// 5). The concrete implementation an embedding application supplies is
// expected to route BroadcastMessage/BroadcastState/
// BroadcastProposalBlock/RequestMessagesToAll/RequestProposalToAny
// through the peer gossip coordinator (C8), so its sqrt(n) sampling
// policy governs what actually reaches the wire; SetTimerStep/
// SetTimerEmptyProposal are a purely local timer-arming concern and have
// nothing to do with peer gossip.
type Network interface {
	BroadcastMessage(raw []byte)
	BroadcastState(state []byte)
	BroadcastProposalBlock(signature []byte, view uint64, raw []byte)
	RequestMessagesToAll(round []byte)
	RequestProposalToAny(round []byte)
	SetTimerStep(step string, view uint64, nonce uint64)
	SetTimerEmptyProposal(view uint64, nonce uint64)
}
