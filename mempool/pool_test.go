package mempool

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/stakeforge/bftchain/errs"
	"github.com/stakeforge/bftchain/kv"
)

func testConfig() Config {
	return Config{
		CountLimit:             1000,
		MemoryLimit:            1 << 20,
		MinFeeForAction:        1,
		FeeBumpShift:           3,
		MaxPoolLifetime:        256,
		BalanceRecheckFraction: 0.5,
	}
}

func signer(b byte) common.Address {
	var a common.Address
	a[0] = b
	return a
}

func richFetch(common.Address) AccountDetails {
	return AccountDetails{Seq: 0, Balance: 1 << 40}
}

func hashFor(signer common.Address, seq, fee uint64) common.Hash {
	var h common.Hash
	h[0] = signer[0]
	h[1] = byte(seq)
	h[2] = byte(fee)
	h[3] = byte(fee >> 8)
	return h
}

// scenario 5 (spec.md section 8): fee-bump replacement with fee_bump_shift=3.
func TestMempoolReplacement(t *testing.T) {
	p := New(testConfig(), nil)
	s := signer(1)

	in := func(seq, fee uint64, origin Origin) Input {
		return Input{Tx: Tx{Hash: hashFor(s, seq, fee), Signer: s, Seq: seq, Fee: fee, Size: 10}, Origin: origin}
	}

	errsFirst := p.Add([]Input{in(0, 100, OriginExternal)}, 1, 1, richFetch)
	require.NoError(t, errsFirst[0])

	errsSecond := p.Add([]Input{in(0, 110, OriginExternal)}, 1, 1, richFetch)
	require.Error(t, errsSecond[0])
	require.ErrorIs(t, errsSecond[0], errs.ErrTooCheapToReplace)

	errsThird := p.Add([]Input{in(0, 120, OriginExternal)}, 1, 1, richFetch)
	require.NoError(t, errsThird[0])

	tx, ok := p.PendingBySignerSeq(s, 0)
	require.True(t, ok)
	require.Equal(t, uint64(120), tx.Fee)

	errsFourth := p.Add([]Input{in(0, 5, OriginLocal)}, 1, 1, richFetch)
	require.NoError(t, errsFourth[0])

	tx, ok = p.PendingBySignerSeq(s, 0)
	require.True(t, ok)
	require.Equal(t, uint64(5), tx.Fee)
	require.Equal(t, 1, p.Len())
}

func TestMempoolRejectsBelowMinimumFeeUnlessLocal(t *testing.T) {
	p := New(testConfig(), nil)
	s := signer(2)
	low := Input{Tx: Tx{Hash: hashFor(s, 0, 0), Signer: s, Seq: 0, Fee: 0, Size: 10}, Origin: OriginExternal}
	res := p.Add([]Input{low}, 1, 1, richFetch)
	require.ErrorIs(t, res[0], errs.ErrFeeTooLow)

	localLow := Input{Tx: Tx{Hash: hashFor(s, 1, 0), Signer: s, Seq: 0, Fee: 0, Size: 10}, Origin: OriginLocal}
	res = p.Add([]Input{localLow}, 1, 1, richFetch)
	require.NoError(t, res[0])
}

func TestMempoolSequenceGapGoesToFuture(t *testing.T) {
	p := New(testConfig(), nil)
	s := signer(3)
	future := Input{Tx: Tx{Hash: hashFor(s, 5, 10), Signer: s, Seq: 5, Fee: 10, Size: 10}, Origin: OriginExternal}
	res := p.Add([]Input{future}, 1, 1, richFetch)
	require.NoError(t, res[0])
	require.Equal(t, 0, len(p.Current()))
	require.Equal(t, 1, len(p.Future()))

	ready := Input{Tx: Tx{Hash: hashFor(s, 0, 10), Signer: s, Seq: 0, Fee: 10, Size: 10}, Origin: OriginExternal}
	res = p.Add([]Input{ready}, 1, 1, richFetch)
	require.NoError(t, res[0])
	require.Equal(t, 1, len(p.Current()))
	require.Equal(t, 1, len(p.Future()))
}

func TestMempoolOldSequenceRejected(t *testing.T) {
	p := New(testConfig(), nil)
	s := signer(4)
	fetch := func(common.Address) AccountDetails { return AccountDetails{Seq: 7, Balance: 1 << 40} }
	in := Input{Tx: Tx{Hash: hashFor(s, 3, 10), Signer: s, Seq: 3, Fee: 10, Size: 10}, Origin: OriginExternal}
	res := p.Add([]Input{in}, 1, 1, fetch)
	require.ErrorIs(t, res[0], errs.ErrOldSequence)
}

// |current|+|future| = |by_hash| = |by_signer| (spec.md section 8).
func TestMempoolSizeInvariant(t *testing.T) {
	p := New(testConfig(), nil)
	var inputs []Input
	for i := byte(0); i < 10; i++ {
		s := signer(i)
		inputs = append(inputs, Input{Tx: Tx{Hash: hashFor(s, 0, 10), Signer: s, Seq: 0, Fee: 10, Size: 10}, Origin: OriginExternal})
	}
	p.Add(inputs, 1, 1, richFetch)

	byHash := p.Len()
	bySigner := len(p.bySignerSeq)
	total := len(p.Current()) + len(p.Future())
	require.Equal(t, byHash, total)
	require.Equal(t, byHash, bySigner)
}

func TestMempoolBackupRoundTrip(t *testing.T) {
	store := kv.NewMemory()
	bk := NewBackup(store)
	p := New(testConfig(), bk)

	var inputs []Input
	for i := byte(0); i < 5; i++ {
		s := signer(i)
		inputs = append(inputs, Input{Tx: Tx{Hash: hashFor(s, 0, 10), Signer: s, Seq: 0, Fee: 10, Size: 10}, Origin: OriginExternal})
	}
	res := p.Add(inputs, 1, 1, richFetch)
	for _, err := range res {
		require.NoError(t, err)
	}

	restored := RecoverFromDB(testConfig(), store, 1, 1, richFetch)
	require.Equal(t, p.Len(), restored.Len())
	require.Equal(t, len(p.Current()), len(restored.Current()))
	require.Equal(t, len(p.Future()), len(restored.Future()))
}

func TestMempoolRemoveReindexes(t *testing.T) {
	p := New(testConfig(), nil)
	s := signer(9)
	h0 := hashFor(s, 0, 10)
	h1 := hashFor(s, 1, 10)
	res := p.Add([]Input{
		{Tx: Tx{Hash: h0, Signer: s, Seq: 0, Fee: 10, Size: 10}, Origin: OriginExternal},
		{Tx: Tx{Hash: h1, Signer: s, Seq: 1, Fee: 10, Size: 10}, Origin: OriginExternal},
	}, 1, 1, richFetch)
	require.NoError(t, res[0])
	require.NoError(t, res[1])
	require.Equal(t, 2, len(p.Current()))

	advanced := func(common.Address) AccountDetails { return AccountDetails{Seq: 1, Balance: 1 << 40} }
	p.Remove([]common.Hash{h0}, advanced)
	require.Equal(t, 1, len(p.Current()))
	require.Equal(t, 1, p.Len())
}
