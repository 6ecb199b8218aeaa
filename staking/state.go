package staking

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/stakeforge/bftchain/kv"
)

// Key prefixes for the four root entity tables plus the per-address
// account/delegation tables (spec.md section 4.2, section 6 "Persisted
// state"). Each entity's key is prefix+address so kv.Store.Iterate
// enumerates addresses in ascending byte order for free, satisfying the
// "ordered by key bytes" requirement.
var (
	prefixStakeholder = []byte("sh/")
	prefixAccount     = []byte("acct/")
	prefixDelegation  = []byte("deleg/")
	prefixCandidate   = []byte("cand/")
	prefixJail        = []byte("jail/")
	prefixBanned      = []byte("banned/")
	keyValidators     = []byte("validators")
	keyTerm           = []byte("term")
	keyRewardsPrev    = []byte("rewards/previous")
	keyRewardsCur     = []byte("rewards/current")
	keyRewardsCalc    = []byte("rewards/calculated")
	keyParams         = []byte("params")
)

// --- params ---

type encodedParams struct {
	DelegationThreshold  uint64
	MinValidators        uint64
	MaxValidators        uint64
	MinDeposit           uint64
	MinDelegation        uint64
	CustodyPeriod        uint64
	ReleasePeriod        uint64
	NominationExpiration uint64
}

func getParams(s kv.Store, fallback Params) Params {
	raw, err := s.Get(keyParams)
	if err != nil {
		return fallback
	}
	var e encodedParams
	if err := rlp.DecodeBytes(raw, &e); err != nil {
		return fallback
	}
	return Params{
		DelegationThreshold:  e.DelegationThreshold,
		MinValidators:        int(e.MinValidators),
		MaxValidators:        int(e.MaxValidators),
		MinDeposit:           e.MinDeposit,
		MinDelegation:        e.MinDelegation,
		CustodyPeriod:        e.CustodyPeriod,
		ReleasePeriod:        e.ReleasePeriod,
		NominationExpiration: e.NominationExpiration,
	}
}

func putParams(b *kv.Batch, p Params) {
	raw, _ := rlp.EncodeToBytes(encodedParams{
		DelegationThreshold:  p.DelegationThreshold,
		MinValidators:        uint64(p.MinValidators),
		MaxValidators:        uint64(p.MaxValidators),
		MinDeposit:           p.MinDeposit,
		MinDelegation:        p.MinDelegation,
		CustodyPeriod:        p.CustodyPeriod,
		ReleasePeriod:        p.ReleasePeriod,
		NominationExpiration: p.NominationExpiration,
	})
	b.Put(keyParams, raw)
}

func addrKey(prefix []byte, addr common.Address) []byte {
	out := make([]byte, 0, len(prefix)+len(addr))
	out = append(out, prefix...)
	out = append(out, addr.Bytes()...)
	return out
}

// --- stakeholder set ---

func isStakeholder(s kv.Store, addr common.Address) bool {
	ok, _ := s.Has(addrKey(prefixStakeholder, addr))
	return ok
}

func setStakeholder(b *kv.Batch, addr common.Address) {
	b.Put(addrKey(prefixStakeholder, addr), []byte{1})
}

func removeStakeholder(b *kv.Batch, addr common.Address) {
	b.Delete(addrKey(prefixStakeholder, addr))
}

// Stakeholders returns every address in the stakeholder set, ascending.
func Stakeholders(s kv.Store) []common.Address {
	var out []common.Address
	s.Iterate(prefixStakeholder, func(key, _ []byte) bool {
		out = append(out, common.BytesToAddress(key[len(prefixStakeholder):]))
		return true
	})
	return out
}

// refreshStakeholder enforces the global invariant: an address is a
// stakeholder iff its account balance is nonzero or it has a nonempty
// delegation (spec.md section 3, "Invariants (global)"). Callers pass the
// balance/delegation values as already known within the current
// transaction rather than re-reading the store, since a kv.Batch's writes
// are not visible to reads until Write() commits.
func refreshStakeholder(b *kv.Batch, addr common.Address, balance uint64, hasDelegation bool) {
	if balance > 0 || hasDelegation {
		setStakeholder(b, addr)
	} else {
		removeStakeholder(b, addr)
	}
}

// refreshStakeholderFromStore is refreshStakeholder for the case where
// neither addr's balance nor its delegation changed within the current
// transaction, so reading the (pre-transaction) store value is safe.
func refreshStakeholderFromStore(s kv.Store, b *kv.Batch, addr common.Address) {
	acct := getAccount(s, addr)
	del := getDelegation(s, addr)
	refreshStakeholder(b, addr, acct.Balance, len(del.Shares) > 0)
}

// --- account ---

type encodedAccount struct {
	Balance uint64
	Seq     uint64
}

func getAccount(s kv.Store, addr common.Address) Account {
	raw, err := s.Get(addrKey(prefixAccount, addr))
	if err != nil {
		return Account{Address: addr}
	}
	var e encodedAccount
	if err := rlp.DecodeBytes(raw, &e); err != nil {
		return Account{Address: addr}
	}
	return Account{Address: addr, Balance: e.Balance, Seq: e.Seq}
}

func putAccount(b *kv.Batch, acct Account) {
	if acct.Balance == 0 && acct.Seq == 0 {
		b.Delete(addrKey(prefixAccount, acct.Address))
		return
	}
	raw, _ := rlp.EncodeToBytes(encodedAccount{Balance: acct.Balance, Seq: acct.Seq})
	b.Put(addrKey(prefixAccount, acct.Address), raw)
}

// --- delegation ---

type delegationEntry struct {
	Delegatee common.Address
	Quantity  uint64
}

func getDelegation(s kv.Store, delegator common.Address) Delegation {
	d := Delegation{Delegator: delegator, Shares: make(map[common.Address]uint64)}
	raw, err := s.Get(addrKey(prefixDelegation, delegator))
	if err != nil {
		return d
	}
	var entries []delegationEntry
	if err := rlp.DecodeBytes(raw, &entries); err != nil {
		return d
	}
	for _, e := range entries {
		d.Shares[e.Delegatee] = e.Quantity
	}
	return d
}

func putDelegation(b *kv.Batch, d Delegation) {
	if len(d.Shares) == 0 {
		b.Delete(addrKey(prefixDelegation, d.Delegator))
		return
	}
	entries := make([]delegationEntry, 0, len(d.Shares))
	for addr, q := range d.Shares {
		if q == 0 {
			continue
		}
		entries = append(entries, delegationEntry{Delegatee: addr, Quantity: q})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Delegatee.Hex() < entries[j].Delegatee.Hex()
	})
	if len(entries) == 0 {
		b.Delete(addrKey(prefixDelegation, d.Delegator))
		return
	}
	raw, _ := rlp.EncodeToBytes(entries)
	b.Put(addrKey(prefixDelegation, d.Delegator), raw)
}

// --- candidates ---

type encodedCandidate struct {
	PublicKey        []byte
	Deposit          uint64
	NominationEndsAt uint64
	Metadata         []byte
}

func getCandidate(s kv.Store, addr common.Address) (Candidate, bool) {
	raw, err := s.Get(addrKey(prefixCandidate, addr))
	if err != nil {
		return Candidate{}, false
	}
	var e encodedCandidate
	if err := rlp.DecodeBytes(raw, &e); err != nil {
		return Candidate{}, false
	}
	return Candidate{
		Address:          addr,
		PublicKey:        e.PublicKey,
		Deposit:          e.Deposit,
		NominationEndsAt: e.NominationEndsAt,
		Metadata:         e.Metadata,
	}, true
}

func putCandidate(b *kv.Batch, c Candidate) {
	raw, _ := rlp.EncodeToBytes(encodedCandidate{
		PublicKey:        c.PublicKey,
		Deposit:          c.Deposit,
		NominationEndsAt: c.NominationEndsAt,
		Metadata:         c.Metadata,
	})
	b.Put(addrKey(prefixCandidate, c.Address), raw)
}

func removeCandidate(b *kv.Batch, addr common.Address) {
	b.Delete(addrKey(prefixCandidate, addr))
}

// Candidates returns every candidate in the table, ascending by address.
func Candidates(s kv.Store) []Candidate {
	var out []Candidate
	s.Iterate(prefixCandidate, func(key, value []byte) bool {
		addr := common.BytesToAddress(key[len(prefixCandidate):])
		var e encodedCandidate
		if err := rlp.DecodeBytes(value, &e); err == nil {
			out = append(out, Candidate{
				Address: addr, PublicKey: e.PublicKey, Deposit: e.Deposit,
				NominationEndsAt: e.NominationEndsAt, Metadata: e.Metadata,
			})
		}
		return true
	})
	return out
}

// --- jail ---

type encodedPrisoner struct {
	Deposit      uint64
	CustodyUntil uint64
	ReleasedAt   uint64
}

func getPrisoner(s kv.Store, addr common.Address) (Prisoner, bool) {
	raw, err := s.Get(addrKey(prefixJail, addr))
	if err != nil {
		return Prisoner{}, false
	}
	var e encodedPrisoner
	if err := rlp.DecodeBytes(raw, &e); err != nil {
		return Prisoner{}, false
	}
	return Prisoner{Address: addr, Deposit: e.Deposit, CustodyUntil: e.CustodyUntil, ReleasedAt: e.ReleasedAt}, true
}

func putPrisoner(b *kv.Batch, p Prisoner) {
	raw, _ := rlp.EncodeToBytes(encodedPrisoner{Deposit: p.Deposit, CustodyUntil: p.CustodyUntil, ReleasedAt: p.ReleasedAt})
	b.Put(addrKey(prefixJail, p.Address), raw)
}

func removePrisoner(b *kv.Batch, addr common.Address) {
	b.Delete(addrKey(prefixJail, addr))
}

// Jail returns every prisoner, ascending by address.
func Jail(s kv.Store) []Prisoner {
	var out []Prisoner
	s.Iterate(prefixJail, func(key, value []byte) bool {
		addr := common.BytesToAddress(key[len(prefixJail):])
		var e encodedPrisoner
		if err := rlp.DecodeBytes(value, &e); err == nil {
			out = append(out, Prisoner{Address: addr, Deposit: e.Deposit, CustodyUntil: e.CustodyUntil, ReleasedAt: e.ReleasedAt})
		}
		return true
	})
	return out
}

// --- banned ---

func IsBanned(s kv.Store, addr common.Address) bool {
	ok, _ := s.Has(addrKey(prefixBanned, addr))
	return ok
}

func setBanned(b *kv.Batch, addr common.Address) {
	b.Put(addrKey(prefixBanned, addr), []byte{1})
}

// --- validators ---

type encodedValidator struct {
	Address   common.Address
	PublicKey []byte
	Weight    uint64
	Deposit   uint64
}

// ValidatorSet returns the persisted ordered validator list for the
// current term (spec.md section 3).
func ValidatorSet(s kv.Store) []Validator {
	raw, err := s.Get(keyValidators)
	if err != nil {
		return nil
	}
	var encoded []encodedValidator
	if err := rlp.DecodeBytes(raw, &encoded); err != nil {
		return nil
	}
	out := make([]Validator, len(encoded))
	for i, e := range encoded {
		out[i] = Validator{Address: e.Address, PublicKey: e.PublicKey, Weight: e.Weight, Deposit: e.Deposit}
	}
	return out
}

func putValidatorSet(b *kv.Batch, validators []Validator) {
	encoded := make([]encodedValidator, len(validators))
	for i, v := range validators {
		encoded[i] = encodedValidator{Address: v.Address, PublicKey: v.PublicKey, Weight: v.Weight, Deposit: v.Deposit}
	}
	raw, _ := rlp.EncodeToBytes(encoded)
	b.Put(keyValidators, raw)
}

// --- term ---

func CurrentTerm(s kv.Store) uint64 {
	raw, err := s.Get(keyTerm)
	if err != nil {
		return 0
	}
	var term uint64
	_ = rlp.DecodeBytes(raw, &term)
	return term
}

func putTerm(b *kv.Batch, term uint64) {
	raw, _ := rlp.EncodeToBytes(term)
	b.Put(keyTerm, raw)
}

// --- intermediate reward buffers (SPEC_FULL section 12) ---

type rewardEntry struct {
	Address common.Address
	Amount  uint64
}

func getRewardMap(s kv.Store, key []byte) map[common.Address]uint64 {
	out := make(map[common.Address]uint64)
	raw, err := s.Get(key)
	if err != nil {
		return out
	}
	var entries []rewardEntry
	if err := rlp.DecodeBytes(raw, &entries); err != nil {
		return out
	}
	for _, e := range entries {
		out[e.Address] = e.Amount
	}
	return out
}

func putRewardMap(b *kv.Batch, key []byte, m map[common.Address]uint64) {
	if len(m) == 0 {
		b.Delete(key)
		return
	}
	entries := make([]rewardEntry, 0, len(m))
	for addr, amt := range m {
		if amt == 0 {
			continue
		}
		entries = append(entries, rewardEntry{Address: addr, Amount: amt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Address.Hex() < entries[j].Address.Hex() })
	raw, _ := rlp.EncodeToBytes(entries)
	b.Put(key, raw)
}
