// Package mempool implements the Mempool (C4): a bounded, priority-ordered
// store of signed transactions split into current (ready) and future
// (held) queues. Grounded on
// _examples/original_source/core/src/miner/mem_pool.rs (MemPool,
// MemPoolItem, TxOrigin, fee_bump_shift/effective_minimum_fee semantics)
// and tos-network-gtos's map-indexed-pool-behind-a-mutex idiom
// (consensus/bft/vote_pool.go), generalized to this pool's richer
// indexing.
package mempool

import (
	"github.com/ethereum/go-ethereum/common"
)

// Origin classifies where a transaction came from. The ordering
// Retracted < Local < External is used directly as the first fingerprint
// field (spec.md section 4.4).
type Origin uint8

const (
	OriginRetracted Origin = iota
	OriginLocal
	OriginExternal
)

func (o Origin) String() string {
	switch o {
	case OriginRetracted:
		return "retracted"
	case OriginLocal:
		return "local"
	case OriginExternal:
		return "external"
	default:
		return "unknown"
	}
}

// isLocalOrRetracted reports whether o is exempt from capacity eviction
// (spec.md section 4.4: "Local is never evicted by capacity pressure";
// the original additionally exempts Retracted, see mem_pool.rs
// is_local_or_retracted).
func (o Origin) isLocalOrRetracted() bool { return o == OriginLocal || o == OriginRetracted }

// Tx is the subset of a signed transaction the pool needs to reason
// about admission and ordering. Block-body/signature-scheme encoding is
// out of scope (spec.md section 1); Hash/Signer are supplied by the
// caller's own codec.
type Tx struct {
	Hash       common.Hash
	Signer     common.Address
	Seq        uint64
	Fee        uint64
	Size       uint64 // byte length, for fee_per_byte and memory accounting
	TimeLock   uint64 // block number before which the tx is invalid; 0 = none
	Expiration uint64 // first block number at which the tx is invalid; 0 = none
}

func (t Tx) feePerByte() float64 {
	if t.Size == 0 {
		return float64(t.Fee)
	}
	return float64(t.Fee) / float64(t.Size)
}

// Input is one transaction submitted to Add, carrying the caller's
// classification of its origin.
type Input struct {
	Tx     Tx
	Origin Origin
}

// AccountDetails is the fetch_account collaborator's result: the
// account's next expected seq and spendable balance.
type AccountDetails struct {
	Seq     uint64
	Balance uint64
}

// FetchAccount resolves a signer's current on-chain account state.
type FetchAccount func(common.Address) AccountDetails

// item is a pool entry: a Tx plus the bookkeeping the pool's ordering and
// backup need.
type item struct {
	tx            Tx
	origin        Origin
	insertionID   uint64
	insertedBlock uint64
	insertedTime  uint64
}

// fingerprint is the 3-tuple an item is ordered by: (origin_class,
// fee_per_byte DESC, insertion_id ASC) — spec.md section 4.4.
type fingerprint struct {
	origin      Origin
	feePerByte  float64
	insertionID uint64
}

func (it *item) fingerprint() fingerprint {
	return fingerprint{origin: it.origin, feePerByte: it.tx.feePerByte(), insertionID: it.insertionID}
}

// less orders fingerprints ascending: Retracted<Local<External first,
// then higher fee_per_byte before lower, then earlier insertion_id (so
// "ascending fingerprint order" enumerates the entries most worth keeping
// first and the most-evictable last, per spec.md section 4.4's capacity
// enforcement and mem_pool.rs's BTreeSet<TransactionOrder>).
func (f fingerprint) less(o fingerprint) bool {
	if f.origin != o.origin {
		return f.origin < o.origin
	}
	if f.feePerByte != o.feePerByte {
		return f.feePerByte > o.feePerByte
	}
	return f.insertionID < o.insertionID
}
