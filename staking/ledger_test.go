package staking

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/stakeforge/bftchain/errs"
	"github.com/stakeforge/bftchain/kv"
)

func addr(b byte) common.Address {
	var a common.Address
	a[len(a)-1] = b
	return a
}

func seedBalance(t *testing.T, store kv.Store, who common.Address, balance uint64) {
	t.Helper()
	b := store.NewBatch()
	putAccount(&b, Account{Address: who, Balance: balance})
	require.NoError(t, b.Write())
}

func testParams() Params {
	return Params{
		MinValidators:        3,
		MaxValidators:        4,
		MinDeposit:           0,
		MinDelegation:        1,
		DelegationThreshold:  0,
		CustodyPeriod:        1,
		ReleasePeriod:        2,
		NominationExpiration: 24,
	}
}

// scenario 1: delegation and revoke (spec.md section 8).
func TestDelegationAndRevoke(t *testing.T) {
	store := kv.NewMemory()
	l := New(store, testParams())
	a, b := addr(0xA), addr(0xB)

	seedBalance(t, store, a, 100)
	batch := store.NewBatch()
	putCandidate(&batch, Candidate{Address: b, Deposit: 0, NominationEndsAt: 10})
	require.NoError(t, batch.Write())

	require.NoError(t, l.Delegate(a, b, 50))
	require.Equal(t, uint64(50), l.Account(a).Balance)
	require.Equal(t, uint64(50), l.Delegation(a).Shares[b])
	require.Equal(t, []common.Address{a}, Stakeholders(store))

	require.NoError(t, l.Revoke(a, b, 20))
	require.Equal(t, uint64(70), l.Account(a).Balance)
	require.Equal(t, uint64(30), l.Delegation(a).Shares[b])

	require.NoError(t, l.Revoke(a, b, 30))
	_, ok := l.Delegation(a).Shares[b]
	require.False(t, ok, "delegation entry must be removed once it reaches zero")
}

// scenario 2: ban confiscates (spec.md section 8).
func TestBanConfiscatesAndRevertsDelegation(t *testing.T) {
	store := kv.NewMemory()
	l := New(store, testParams())
	informant, criminal, delegator := addr(0x01), addr(0x02), addr(0x03)

	seedBalance(t, store, delegator, 60) // 100 total balance, 40 already delegated below
	batch := store.NewBatch()
	putCandidate(&batch, Candidate{Address: criminal, Deposit: 100, NominationEndsAt: 10})
	del := Delegation{Delegator: delegator, Shares: map[common.Address]uint64{criminal: 40}}
	putDelegation(&batch, del)
	setStakeholder(&batch, delegator)
	require.NoError(t, batch.Write())

	require.NoError(t, l.Ban(informant, criminal))

	require.Equal(t, uint64(100), l.Account(informant).Balance)
	require.True(t, IsBanned(store, criminal))
	_, stillCandidate := l.Candidate(criminal)
	require.False(t, stillCandidate)
	require.Zero(t, l.Delegation(delegator).Shares[criminal])
	require.Equal(t, uint64(100), l.Account(delegator).Balance)
}

func TestBanRejectsAlreadyBanned(t *testing.T) {
	store := kv.NewMemory()
	l := New(store, testParams())
	informant, criminal := addr(0x01), addr(0x02)
	require.NoError(t, l.Ban(informant, criminal))
	err := l.Ban(informant, criminal)
	require.ErrorIs(t, err, errs.ErrAlreadyBanned)
}

// scenario 3: election cut (spec.md section 8).
func TestElectionCut(t *testing.T) {
	store := kv.NewMemory()
	params := Params{MinValidators: 3, MaxValidators: 4, MinDeposit: 0, DelegationThreshold: 0}

	totals := []uint64{100, 80, 60, 60, 50, 40}
	batch := store.NewBatch()
	delegator := addr(0xFF)
	shares := make(map[common.Address]uint64, len(totals))
	for i, total := range totals {
		c := addr(byte(i + 1))
		putCandidate(&batch, Candidate{Address: c, Deposit: 0, NominationEndsAt: 100})
		shares[c] = total
	}
	putDelegation(&batch, Delegation{Delegator: delegator, Shares: shares})
	setStakeholder(&batch, delegator)
	require.NoError(t, batch.Write())

	validators := Elect(store, params)
	require.Len(t, validators, 4)
	got := make([]uint64, len(validators))
	for i, v := range validators {
		got[i] = v.Weight
	}
	require.Equal(t, []uint64{100, 80, 60, 60}, got)
}

func TestElectionDropsEntireCutClass(t *testing.T) {
	store := kv.NewMemory()
	params := Params{MinValidators: 2, MaxValidators: 3, MinDeposit: 0, DelegationThreshold: 0}

	// Totals 100,90,50,50,50: cut at index 3 (0-based) = 50, so every
	// candidate whose total equals 50 is dropped entirely, leaving just
	// the top two even though MaxValidators allows three.
	totals := map[byte]uint64{1: 100, 2: 90, 3: 50, 4: 50, 5: 50}
	batch := store.NewBatch()
	delegator := addr(0xFE)
	shares := make(map[common.Address]uint64, len(totals))
	for b, total := range totals {
		c := addr(b)
		putCandidate(&batch, Candidate{Address: c, Deposit: 0, NominationEndsAt: 100})
		shares[c] = total
	}
	putDelegation(&batch, Delegation{Delegator: delegator, Shares: shares})
	setStakeholder(&batch, delegator)
	require.NoError(t, batch.Write())

	validators := Elect(store, params)
	require.Len(t, validators, 2)
	require.Equal(t, uint64(100), validators[0].Weight)
	require.Equal(t, uint64(90), validators[1].Weight)
}

func TestOnTermCloseExpiresAndElects(t *testing.T) {
	store := kv.NewMemory()
	params := testParams()
	l := New(store, params)
	expiring := addr(0x10)

	seedBalance(t, store, expiring, 0)
	batch := store.NewBatch()
	putCandidate(&batch, Candidate{Address: expiring, Deposit: 30, NominationEndsAt: 0})
	require.NoError(t, batch.Write())

	_, err := l.OnTermClose(1000, nil, params)
	require.NoError(t, err)

	require.Equal(t, uint64(30), l.Account(expiring).Balance, "expired candidate's deposit must be refunded")
	_, stillCandidate := l.Candidate(expiring)
	require.False(t, stillCandidate)
	require.Equal(t, uint64(1), l.Term())
}

// scenario 7: a failing action still charges the fee and increments seq
// (spec.md section 7), while the action's own mutations do not land.
func TestExecutePreservesSeqAndFeeOnActionFailure(t *testing.T) {
	store := kv.NewMemory()
	l := New(store, testParams())
	payer, notACandidate := addr(0xC), addr(0xD)
	seedBalance(t, store, payer, 100)

	err := l.Execute(payer, 0, 5, func() error {
		return l.Delegate(payer, notACandidate, 10)
	})
	require.ErrorIs(t, err, errs.ErrNotCandidate)
	require.Equal(t, uint64(95), l.Account(payer).Balance, "fee must be charged even though the action failed")
	require.Equal(t, uint64(1), l.Account(payer).Seq, "seq must increment even though the action failed")
	require.Zero(t, l.Delegation(payer).Shares[notACandidate], "the failed action's own mutation must not land")
}

func TestExecuteRejectsStaleSeq(t *testing.T) {
	store := kv.NewMemory()
	l := New(store, testParams())
	payer := addr(0xE)
	seedBalance(t, store, payer, 100)

	err := l.Execute(payer, 1, 5, func() error { return nil })
	require.ErrorIs(t, err, errs.ErrInvalidSeq)
	require.Equal(t, uint64(100), l.Account(payer).Balance)
	require.Zero(t, l.Account(payer).Seq)
}

func TestSelfNominateRejectsAddressKeyMismatch(t *testing.T) {
	store := kv.NewMemory()
	l := New(store, testParams())
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	pubKey := crypto.FromECDSAPub(&key.PublicKey)

	seedBalance(t, store, addr(0xA), 100)
	err = l.SelfNominate(addr(0xA), pubKey, 10, 100, nil)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Syntax))
	_, ok := l.Candidate(addr(0xA))
	require.False(t, ok, "a rejected nomination must not mutate state")
}

func TestSelfNominateAcceptsMatchingKey(t *testing.T) {
	store := kv.NewMemory()
	l := New(store, testParams())
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	pubKey := crypto.FromECDSAPub(&key.PublicKey)
	owner := crypto.PubkeyToAddress(key.PublicKey)

	seedBalance(t, store, owner, 100)
	require.NoError(t, l.SelfNominate(owner, pubKey, 10, 100, nil))
	cand, ok := l.Candidate(owner)
	require.True(t, ok)
	require.Equal(t, uint64(10), cand.Deposit)
}

func TestDistributeBlockFeesGivesRemainderToAuthor(t *testing.T) {
	author := addr(0x01)
	stakes := map[common.Address]uint64{
		addr(0x01): 1,
		addr(0x02): 1,
		addr(0x03): 1,
	}
	shares := DistributeBlockFees(stakes, author, 10)
	var total uint64
	for _, v := range shares {
		total += v
	}
	require.Equal(t, uint64(10), total, "no fee may be lost to rounding")
}
