// Package staking implements the Stake Ledger (C2), Validator Election
// (C3), and Fee Distribution & Term Close (C9): a pure state-transition
// library over an external key-value store (spec.md sections 4.2, 4.3,
// 4.9). Grounded on tos-network-gtos/staking (StateDB-slot getter/setter
// pairs per field, upsert-then-persist method shape) and the CodeChain
// Rust original (_examples/original_source/core/src/consensus/stake/*),
// which this spec's data model maps onto directly.
package staking

import (
	"github.com/ethereum/go-ethereum/common"
)

// Account is a stake account: (address, balance, seq). Created on first
// credit; removed when balance is zero, seq is zero, and no outbound
// delegation exists (spec.md section 3). Seq is the account's top-level
// transaction counter: Execute requires the caller's declared seq to
// match before applying the transaction fee, then increments it
// unconditionally (spec.md section 7, "the seq increment and fee
// payment" survive a RuntimeError).
type Account struct {
	Address common.Address
	Balance uint64
	Seq     uint64
}

// Delegation is one delegator's map of delegatee -> quantity. All
// quantities are strictly positive; zero entries are removed.
type Delegation struct {
	Delegator common.Address
	Shares    map[common.Address]uint64
}

func (d *Delegation) Sum() uint64 {
	var total uint64
	for _, q := range d.Shares {
		total += q
	}
	return total
}

// Candidate is a self-nominated address (spec.md section 3).
type Candidate struct {
	Address          common.Address
	PublicKey        []byte
	Deposit          uint64
	NominationEndsAt uint64 // term
	Metadata         []byte
}

// Prisoner is a jailed address (spec.md section 3).
type Prisoner struct {
	Address      common.Address
	Deposit      uint64
	CustodyUntil uint64 // term
	ReleasedAt   uint64 // term
}

// Validator is a member of the elected set for the current term
// (spec.md section 3).
type Validator struct {
	Address   common.Address
	PublicKey []byte
	Weight    uint64
	Deposit   uint64
}

// Params are the election/ledger-wide tunables spec.md section 4.3 names
// plus the term-close periods section 4.2 references. These are the
// "CommonParams" the original's change_params action lets stakeholders
// amend by co-signature (SPEC_FULL section 12).
type Params struct {
	DelegationThreshold  uint64
	MinValidators        int
	MaxValidators        int
	MinDeposit           uint64
	MinDelegation        uint64
	CustodyPeriod        uint64
	ReleasePeriod        uint64
	NominationExpiration uint64
}
