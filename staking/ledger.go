package staking

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/stakeforge/bftchain/errs"
	"github.com/stakeforge/bftchain/kv"
)

// Ledger is the Stake Ledger (C2): a pure state-transition library over an
// external KV store. Every exported operation runs inside a single batch
// and is fully reverted on error by simply never calling batch.Write
// (spec.md section 4.2, section 7). Grounded on
// tos-network-gtos/staking/actions.go's per-action method shape and the
// CodeChain original's core/src/consensus/stake/mod.rs, which this
// package's operation set maps onto one-for-one.
type Ledger struct {
	store    kv.Store
	fallback Params

	// valCache holds the one current validator-set snapshot, keyed by
	// term so a term rollover (OnTermClose advances the term) naturally
	// misses; Ban and Jail purge it on every write since they can change
	// the set within a term. Grounded on consensus/dpos/snapshot.go's lru.ARCCache use for
	// validator snapshots, sized down to a single entry since a node
	// only ever has one current term.
	valCache *lru.Cache
}

// New wraps store. fallback supplies Params until ChangeParams (or a
// genesis loader, out of scope here) first persists a value.
func New(store kv.Store, fallback Params) *Ledger {
	cache, _ := lru.New(1)
	return &Ledger{store: store, fallback: fallback, valCache: cache}
}

func (l *Ledger) Params() Params { return getParams(l.store, l.fallback) }

func (l *Ledger) Term() uint64 { return CurrentTerm(l.store) }

func (l *Ledger) Account(addr common.Address) Account { return getAccount(l.store, addr) }

func (l *Ledger) Delegation(addr common.Address) Delegation { return getDelegation(l.store, addr) }

func (l *Ledger) Candidate(addr common.Address) (Candidate, bool) { return getCandidate(l.store, addr) }

func (l *Ledger) Prisoner(addr common.Address) (Prisoner, bool) { return getPrisoner(l.store, addr) }

// Validators returns the current term's validator snapshot, serving
// from valCache when the term hasn't rolled since the last read.
func (l *Ledger) Validators() []Validator {
	term := CurrentTerm(l.store)
	if v, ok := l.valCache.Get(term); ok {
		return v.([]Validator)
	}
	vs := ValidatorSet(l.store)
	l.valCache.Add(term, vs)
	return vs
}

// Execute runs one top-level transaction's action under the ledger's
// checkpoint discipline (spec.md section 7; grounded on
// original_source/state/src/impls/top_level.rs: apply/apply_internal's
// FEE_CHECKPOINT/ACTION_CHECKPOINT pair). seq must match feePayer's
// current account seq or the transaction is rejected before any mutation.
// Once validated, the seq increment and fee debit are written
// unconditionally in their own batch — this is the FEE_CHECKPOINT slice
// that survives regardless of what action does. action then runs as the
// ACTION_CHECKPOINT slice: every Ledger method already reverts its own
// mutations by simply never calling its batch's Write on error, so a
// RuntimeError from action leaves the seq/fee charge applied and nothing
// else.
func (l *Ledger) Execute(feePayer common.Address, seq, fee uint64, action func() error) error {
	acct := getAccount(l.store, feePayer)
	if seq != acct.Seq {
		return errs.NewRuntime(errs.ErrInvalidSeq)
	}
	if acct.Balance < fee {
		return errs.NewRuntime(errs.ErrInsufficientBalance)
	}
	acct.Seq++
	acct.Balance -= fee
	b := l.store.NewBatch()
	putAccount(&b, acct)
	if err := b.Write(); err != nil {
		return err
	}
	log.Trace("stake: tx fee charged", "fee_payer", feePayer, "seq", seq, "fee", fee)
	return action()
}

// TransferCCS debits from.balance and credits to.balance (spec.md section
// 4.2). Fails InsufficientBalance if from's non-delegated balance is
// below q.
func (l *Ledger) TransferCCS(from, to common.Address, q uint64) error {
	if q == 0 {
		return nil
	}
	b := l.store.NewBatch()
	fromAcct := getAccount(l.store, from)
	if fromAcct.Balance < q {
		return errs.NewRuntime(errs.ErrInsufficientBalance)
	}
	toAcct := getAccount(l.store, to)
	fromAcct.Balance -= q
	toAcct.Balance += q
	putAccount(&b, fromAcct)
	putAccount(&b, toAcct)
	refreshStakeholder(&b, from, fromAcct.Balance, len(getDelegation(l.store, from).Shares) > 0)
	refreshStakeholder(&b, to, toAcct.Balance, len(getDelegation(l.store, to).Shares) > 0)
	if err := b.Write(); err != nil {
		return err
	}
	log.Trace("stake: transfer", "from", from, "to", to, "quantity", q)
	return nil
}

// activeCandidate reports whether addr is a candidate eligible to receive
// delegation: present, not banned, not jailed.
func (l *Ledger) activeCandidate(addr common.Address) bool {
	if IsBanned(l.store, addr) {
		return false
	}
	if _, jailed := getPrisoner(l.store, addr); jailed {
		return false
	}
	_, ok := getCandidate(l.store, addr)
	return ok
}

// Delegate moves q from from.balance into from's delegation entry for
// delegatee. Fails NotCandidate unless delegatee is an active,
// non-banned, non-jailed candidate. q=0 is a no-op (spec.md section 4.2).
func (l *Ledger) Delegate(from, delegatee common.Address, q uint64) error {
	if q == 0 {
		return nil
	}
	if !l.activeCandidate(delegatee) {
		return errs.NewRuntime(errs.ErrNotCandidate)
	}
	b := l.store.NewBatch()
	acct := getAccount(l.store, from)
	if acct.Balance < q {
		return errs.NewRuntime(errs.ErrInsufficientBalance)
	}
	acct.Balance -= q
	del := getDelegation(l.store, from)
	del.Shares[delegatee] += q
	putAccount(&b, acct)
	putDelegation(&b, del)
	refreshStakeholder(&b, from, acct.Balance, len(del.Shares) > 0)
	if err := b.Write(); err != nil {
		return err
	}
	log.Trace("stake: delegate", "from", from, "delegatee", delegatee, "quantity", q)
	return nil
}

// Revoke moves q out of from's delegation entry for delegatee, back into
// from.balance. Fails FailedToHandle if the delegation is below q. The
// entry is removed once it reaches zero (spec.md section 4.2).
func (l *Ledger) Revoke(from, delegatee common.Address, q uint64) error {
	if q == 0 {
		return nil
	}
	b := l.store.NewBatch()
	del := getDelegation(l.store, from)
	if del.Shares[delegatee] < q {
		return errs.NewRuntime(errs.ErrFailedToHandle)
	}
	del.Shares[delegatee] -= q
	if del.Shares[delegatee] == 0 {
		delete(del.Shares, delegatee)
	}
	acct := getAccount(l.store, from)
	acct.Balance += q
	putAccount(&b, acct)
	putDelegation(&b, del)
	refreshStakeholder(&b, from, acct.Balance, len(del.Shares) > 0)
	if err := b.Write(); err != nil {
		return err
	}
	log.Trace("stake: revoke", "from", from, "delegatee", delegatee, "quantity", q)
	return nil
}

// Redelegate is revoke(from,prev,q) followed by delegate(from,next,q),
// applied atomically: next is validated as an active candidate before
// either leg commits (spec.md section 4.2).
func (l *Ledger) Redelegate(from, prev, next common.Address, q uint64) error {
	if q == 0 {
		return nil
	}
	if !l.activeCandidate(next) {
		return errs.NewRuntime(errs.ErrNotCandidate)
	}
	b := l.store.NewBatch()
	del := getDelegation(l.store, from)
	if del.Shares[prev] < q {
		return errs.NewRuntime(errs.ErrFailedToHandle)
	}
	del.Shares[prev] -= q
	if del.Shares[prev] == 0 {
		delete(del.Shares, prev)
	}
	del.Shares[next] += q
	putDelegation(&b, del)
	refreshStakeholder(&b, from, getAccount(l.store, from).Balance, len(del.Shares) > 0)
	if err := b.Write(); err != nil {
		return err
	}
	log.Trace("stake: redelegate", "from", from, "prev", prev, "next", next, "quantity", q)
	return nil
}

// verifyAddressMatchesPubkey rejects nominations where addr is not the
// address derived from pubKey (spec.md section 4.2: "sender's address
// must equal key's address, no regular-key delegation"). pubKey is
// either the 65-byte uncompressed or 33-byte compressed secp256k1
// encoding, mirroring accountsigner/crypto.go's normalizeSecp256k1Pubkey.
func verifyAddressMatchesPubkey(addr common.Address, pubKey []byte) error {
	var (
		pub *ecdsa.PublicKey
		err error
	)
	switch len(pubKey) {
	case 33:
		pub, err = crypto.DecompressPubkey(pubKey)
	case 65:
		pub, err = crypto.UnmarshalPubkey(pubKey)
	default:
		return errs.NewSyntax(errs.ErrAddressKeyMismatch)
	}
	if err != nil {
		return errs.NewSyntax(errs.ErrAddressKeyMismatch)
	}
	if crypto.PubkeyToAddress(*pub) != addr {
		return errs.NewSyntax(errs.ErrAddressKeyMismatch)
	}
	return nil
}

// SelfNominate registers addr as a candidate. Fails if addr is banned, or
// if jailed and the current term has not yet passed custody_until. A
// jailed-but-eligible-for-release prisoner is removed and its deposit
// folded into the new candidate deposit. Balance is debited by deposit;
// the candidate record's nomination deadline only ever grows (spec.md
// section 4.2).
func (l *Ledger) SelfNominate(addr common.Address, pubKey []byte, deposit, endsAt uint64, meta []byte) error {
	if err := verifyAddressMatchesPubkey(addr, pubKey); err != nil {
		return err
	}
	if IsBanned(l.store, addr) {
		return errs.NewRuntime(errs.ErrAlreadyBanned)
	}
	term := CurrentTerm(l.store)
	b := l.store.NewBatch()

	foldedDeposit := uint64(0)
	if prisoner, jailed := getPrisoner(l.store, addr); jailed {
		if term <= prisoner.CustodyUntil {
			return errs.NewRuntime(errs.ErrInCustody)
		}
		foldedDeposit = prisoner.Deposit
		removePrisoner(&b, addr)
	}

	acct := getAccount(l.store, addr)
	if acct.Balance < deposit {
		return errs.NewRuntime(errs.ErrInsufficientBalance)
	}
	acct.Balance -= deposit
	putAccount(&b, acct)

	totalDeposit := deposit + foldedDeposit
	existing, hadExisting := getCandidate(l.store, addr)
	newEndsAt := endsAt
	if hadExisting {
		totalDeposit += existing.Deposit
		if existing.NominationEndsAt > newEndsAt {
			newEndsAt = existing.NominationEndsAt
		}
	}
	putCandidate(&b, Candidate{
		Address:          addr,
		PublicKey:        pubKey,
		Deposit:          totalDeposit,
		NominationEndsAt: newEndsAt,
		Metadata:         meta,
	})
	refreshStakeholder(&b, addr, acct.Balance, len(getDelegation(l.store, addr).Shares) > 0)
	if err := b.Write(); err != nil {
		return err
	}
	log.Debug("stake: self-nominate", "addr", addr, "deposit", totalDeposit, "ends_at", newEndsAt)
	return nil
}

// revertDelegationsTo credits every delegator who has a share targeting
// criminal back into their balance, then removes the share. Shared by Ban
// and OnTermClose (spec.md section 4.2's "revert every delegation
// targeting X").
func revertDelegationsTo(s kv.Store, b *kv.Batch, criminal common.Address) {
	for _, delegator := range Stakeholders(s) {
		del := getDelegation(s, delegator)
		q, ok := del.Shares[criminal]
		if !ok || q == 0 {
			continue
		}
		delete(del.Shares, criminal)
		acct := getAccount(s, delegator)
		acct.Balance += q
		putAccount(b, acct)
		putDelegation(b, del)
		refreshStakeholder(b, delegator, acct.Balance, len(del.Shares) > 0)
	}
}

// removeFromValidatorSet returns validators with criminal excluded.
func removeFromValidatorSet(s kv.Store, criminal common.Address) []Validator {
	cur := ValidatorSet(s)
	out := make([]Validator, 0, len(cur))
	for _, v := range cur {
		if v.Address != criminal {
			out = append(out, v)
		}
	}
	return out
}

// Ban is idempotent-rejecting: fails AlreadyBanned if criminal is already
// banned. Confiscates criminal's deposit (candidate or jail) and credits
// informant, removes criminal from candidates/jail/validators, adds it to
// the banned set, and reverts every delegation targeting it (spec.md
// section 4.2).
func (l *Ledger) Ban(informant, criminal common.Address) error {
	if IsBanned(l.store, criminal) {
		return errs.NewRuntime(errs.ErrAlreadyBanned)
	}
	b := l.store.NewBatch()

	confiscated := uint64(0)
	if cand, ok := getCandidate(l.store, criminal); ok {
		confiscated += cand.Deposit
		removeCandidate(&b, criminal)
	}
	if prisoner, ok := getPrisoner(l.store, criminal); ok {
		confiscated += prisoner.Deposit
		removePrisoner(&b, criminal)
	}
	if confiscated > 0 {
		acct := getAccount(l.store, informant)
		acct.Balance += confiscated
		putAccount(&b, acct)
		refreshStakeholder(&b, informant, acct.Balance, len(getDelegation(l.store, informant).Shares) > 0)
	}
	putValidatorSet(&b, removeFromValidatorSet(l.store, criminal))
	setBanned(&b, criminal)
	revertDelegationsTo(l.store, &b, criminal)
	refreshStakeholderFromStore(l.store, &b, criminal)
	if err := b.Write(); err != nil {
		return err
	}
	l.valCache.Purge()
	log.Warn("stake: ban", "informant", informant, "criminal", criminal, "confiscated", confiscated)
	return nil
}

// ReportDoubleVote resolves the malicious signer (already identified by
// the caller from the validator set at height-1, per SPEC_FULL section
// 12) and bans it, crediting informant the confiscated deposit. Mirrors
// the CodeChain original's Action::ReportDoubleVote handler.
func (l *Ledger) ReportDoubleVote(informant, criminal common.Address) error {
	return l.Ban(informant, criminal)
}

// Jail moves each of addrs from the candidate table into jail. Every
// address must already exist as a candidate (spec.md section 4.2).
func (l *Ledger) Jail(addrs []common.Address, custodyUntil, releasedAt uint64) error {
	b := l.store.NewBatch()
	jailed := make(map[common.Address]bool, len(addrs))
	for _, addr := range addrs {
		cand, ok := getCandidate(l.store, addr)
		if !ok {
			return errs.NewRuntime(errs.ErrNotCandidate)
		}
		jailed[addr] = true
		removeCandidate(&b, addr)
		putPrisoner(&b, Prisoner{
			Address:      addr,
			Deposit:      cand.Deposit,
			CustodyUntil: custodyUntil,
			ReleasedAt:   releasedAt,
		})
	}
	remaining := ValidatorSet(l.store)
	out := make([]Validator, 0, len(remaining))
	for _, v := range remaining {
		if !jailed[v.Address] {
			out = append(out, v)
		}
	}
	putValidatorSet(&b, out)
	if err := b.Write(); err != nil {
		return err
	}
	l.valCache.Purge()
	log.Debug("stake: jail", "addrs", addrs, "custody_until", custodyUntil, "released_at", releasedAt)
	return nil
}

// OnTermClose runs the term-boundary sequence (spec.md section 4.2):
// expire candidates past their nomination deadline and release prisoners
// past released_at (both refunded), revert delegations targeting any of
// those addresses, jail inactiveVals, re-elect the validator set, and
// advance the term counter. Ordering is contractual: refunds happen
// before the election reads the candidate set.
func (l *Ledger) OnTermClose(lastBlock uint64, inactiveVals []common.Address, params Params) ([]Validator, error) {
	b := l.store.NewBatch()
	term := CurrentTerm(l.store)

	var expiredOrReleased []common.Address
	refundedBalance := make(map[common.Address]uint64)

	for _, cand := range Candidates(l.store) {
		if cand.NominationEndsAt > term {
			continue
		}
		acct := getAccount(l.store, cand.Address)
		acct.Balance += cand.Deposit
		putAccount(&b, acct)
		removeCandidate(&b, cand.Address)
		expiredOrReleased = append(expiredOrReleased, cand.Address)
		refundedBalance[cand.Address] = acct.Balance
	}

	for _, prisoner := range Jail(l.store) {
		if term < prisoner.ReleasedAt {
			continue
		}
		acct := getAccount(l.store, prisoner.Address)
		acct.Balance += prisoner.Deposit
		putAccount(&b, acct)
		removePrisoner(&b, prisoner.Address)
		expiredOrReleased = append(expiredOrReleased, prisoner.Address)
		refundedBalance[prisoner.Address] = acct.Balance
	}

	for _, addr := range expiredOrReleased {
		revertDelegationsTo(l.store, &b, addr)
		refreshStakeholder(&b, addr, refundedBalance[addr], len(getDelegation(l.store, addr).Shares) > 0)
	}

	for _, addr := range inactiveVals {
		cand, ok := getCandidate(l.store, addr)
		if !ok {
			continue
		}
		removeCandidate(&b, addr)
		putPrisoner(&b, Prisoner{
			Address:      addr,
			Deposit:      cand.Deposit,
			CustodyUntil: term + params.CustodyPeriod,
			ReleasedAt:   term + params.ReleasePeriod,
		})
	}

	elected := Elect(l.store, params)
	if len(elected) < params.MinValidators {
		// spec.md section 4.3: fewer eligible candidates than
		// min_validators is not an error; the term closes with whatever
		// validator set the election produced.
		log.Warn("stake: term close elected fewer than min_validators", "term", term, "elected", len(elected), "min_validators", params.MinValidators)
	}
	putValidatorSet(&b, elected)
	putTerm(&b, term+1)

	if err := b.Write(); err != nil {
		return nil, err
	}
	log.Debug("stake: term close", "term", term, "next_term", term+1, "validators", len(elected))
	return elected, nil
}

// Stakes returns every stakeholder's voting weight for governance actions
// (SPEC_FULL section 12's restored get_stakes): own balance plus the sum
// of quantities delegated out.
func Stakes(s kv.Store) map[common.Address]uint64 {
	out := make(map[common.Address]uint64)
	for _, addr := range Stakeholders(s) {
		acct := getAccount(s, addr)
		del := getDelegation(s, addr)
		out[addr] = acct.Balance + del.Sum()
	}
	return out
}

// ChangeParams (SPEC_FULL section 12, restored from the original's
// change_params action) lets cosigners amend the runtime-tunable Params
// when their combined stake strictly exceeds half the total stake.
func (l *Ledger) ChangeParams(cosigners []common.Address, params Params) error {
	stakes := Stakes(l.store)
	var total, signed uint64
	signedSet := make(map[common.Address]bool, len(cosigners))
	for _, s := range stakes {
		total += s
	}
	for _, addr := range cosigners {
		if signedSet[addr] {
			continue
		}
		signedSet[addr] = true
		signed += stakes[addr]
	}
	if signed*2 <= total {
		return errs.NewRuntime(errs.ErrInsufficientQuorum)
	}
	b := l.store.NewBatch()
	putParams(&b, params)
	if err := b.Write(); err != nil {
		return err
	}
	log.Debug("stake: change params", "signed_stake", signed, "total_stake", total)
	return nil
}
