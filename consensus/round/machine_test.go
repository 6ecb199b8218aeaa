package round

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/stakeforge/bftchain/chainiface"
	"github.com/stakeforge/bftchain/config"
	"github.com/stakeforge/bftchain/kv"
	"github.com/stakeforge/bftchain/votes"
)

type fakeBlock struct {
	hash, parent common.Hash
	number, ts   uint64
}

func (b fakeBlock) Hash() common.Hash       { return b.hash }
func (b fakeBlock) ParentHash() common.Hash { return b.parent }
func (b fakeBlock) Number() uint64          { return b.number }
func (b fakeBlock) Timestamp() uint64       { return b.ts }

type fakeHeader struct {
	fakeBlock
	prevView, curView uint64
	bitset            []byte
}

func (h fakeHeader) Score() [2]uint64        { return [2]uint64{h.number, h.curView} }
func (h fakeHeader) PrevView() uint64        { return h.prevView }
func (h fakeHeader) CurView() uint64         { return h.curView }
func (h fakeHeader) PrecommitBitset() []byte { return h.bitset }

type fakeChain struct {
	blocks map[common.Hash]fakeBlock
	best   fakeHeader
	now    uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{blocks: make(map[common.Hash]fakeBlock), now: 1000}
}

func (c *fakeChain) Block(id common.Hash) chainiface.Block {
	b, ok := c.blocks[id]
	if !ok {
		return nil
	}
	return b
}

func (c *fakeChain) BlockHeader(id common.Hash) chainiface.Header { return c.best }
func (c *fakeChain) BestBlockHeader() chainiface.Header           { return c.best }
func (c *fakeChain) UpdateSealing(parent common.Hash) error       { return nil }
func (c *fakeChain) ImportBlock(raw []byte) error                 { return nil }
func (c *fakeChain) UpdateBestAsCommitted(hash common.Hash) error { return nil }
func (c *fakeChain) QueueOwnTransaction(signed []byte) error      { return nil }

func (c *fakeChain) addBlock(hash, parent common.Hash, number uint64) {
	c.blocks[hash] = fakeBlock{hash: hash, parent: parent, number: number, ts: c.now}
}

type fakeValidators struct {
	addrs []common.Address
}

func (v *fakeValidators) Get(parentHash common.Hash, index int) (common.Address, bool) {
	if index < 0 || index >= len(v.addrs) {
		return common.Address{}, false
	}
	return v.addrs[index], true
}
func (v *fakeValidators) Count(parentHash common.Hash) int { return len(v.addrs) }
func (v *fakeValidators) GetIndexByAddress(parentHash common.Hash, addr common.Address) (int, bool) {
	for i, a := range v.addrs {
		if a == addr {
			return i, true
		}
	}
	return 0, false
}
func (v *fakeValidators) NextBlockProposer(parentHash common.Hash, view uint64) (common.Address, bool) {
	if len(v.addrs) == 0 {
		return common.Address{}, false
	}
	return v.addrs[view%uint64(len(v.addrs))], true
}
func (v *fakeValidators) ReportBenign(addr common.Address, height uint64)                     {}
func (v *fakeValidators) ReportMalicious(addr common.Address, height uint64, evidence []byte) {}

type fakeNetwork struct{}

func (n *fakeNetwork) BroadcastMessage(raw []byte)                                      {}
func (n *fakeNetwork) BroadcastState(state []byte)                                      {}
func (n *fakeNetwork) BroadcastProposalBlock(signature []byte, view uint64, raw []byte) {}
func (n *fakeNetwork) RequestMessagesToAll(round []byte)                                 {}
func (n *fakeNetwork) RequestProposalToAny(round []byte)                                {}
func (n *fakeNetwork) SetTimerStep(step string, view uint64, nonce uint64)               {}
func (n *fakeNetwork) SetTimerEmptyProposal(view uint64, nonce uint64)                   {}

func addrN(b byte) common.Address {
	var a common.Address
	a[0] = b
	return a
}

func newTestMachine(t *testing.T, n int, self int) (*Machine, *fakeChain, *fakeValidators) {
	vs := &fakeValidators{}
	for i := 0; i < n; i++ {
		vs.addrs = append(vs.addrs, addrN(byte(i+1)))
	}
	chain := newFakeChain()
	genesis := common.Hash{}
	chain.best = fakeHeader{fakeBlock: fakeBlock{hash: genesis, number: 0, ts: chain.now}}
	backup := NewBackup(kv.NewMemory())
	m := NewMachine(config.RoundConfig{AllowedPast: 1_000_000_000, AllowedFuture: 1_000_000_000}, chain, vs, &fakeNetwork{}, votes.New(), nil, backup, vs.addrs[self])
	require.NoError(t, m.StartHeight(10, genesis))
	return m, chain, vs
}

// scenario 4 (spec.md section 8): BFT lock. 4 validators; v0,v1,v2
// prevote the same block at view 0, reaching the 3-of-4 quorum, which
// locks the node on that block.
func TestBFTLockPreventsPrevotingADifferentBlock(t *testing.T) {
	m, chain, vs := newTestMachine(t, 4, 0)
	block1 := common.Hash{1}
	chain.addBlock(block1, common.Hash{}, 10)
	m.proposal = &Proposal{Hash: block1, ParentHash: common.Hash{}, Timestamp: chain.now}
	require.NoError(t, m.enterPrevote())

	vote := func(signer int, hash common.Hash) votes.Message {
		return votes.Message{On: votes.Step{Round: votes.Round{Height: 10, View: 0, Phase: votes.PhasePrevote}, BlockHash: hash}, SignerIndex: signer}
	}
	for _, idx := range []int{1, 2} {
		require.NoError(t, m.HandleVote(vote(idx, block1)))
	}

	require.Equal(t, LockLock, m.lock.Kind)
	require.Equal(t, block1, m.lock.BlockHash)
	require.Equal(t, PhasePrecommit, m.phase.Kind)

	// While locked, a different proposal does not change the prevote candidate.
	m.proposal = &Proposal{Hash: common.Hash{2}, ParentHash: common.Hash{}, Timestamp: chain.now}
	require.Equal(t, block1, m.candidateHash())
	_ = vs
}

// scenario 6 (spec.md section 8): restart safety. At phase=Commit,view=3
// the backup is written; after "killing" the process, restore rewrites
// Commit to Precommit without advancing height.
func TestRestartSafetyRewritesCommitToPrecommit(t *testing.T) {
	store := kv.NewMemory()
	backup := NewBackup(store)
	m := &Machine{backup: backup, vset: &fakeValidators{addrs: []common.Address{addrN(1)}}}
	m.height = 20
	m.view = 3
	m.phase = Phase{Kind: PhaseCommit}
	m.proposal = &Proposal{Hash: common.Hash{9}}
	m.saveBackup()

	restored := &Machine{backup: backup, vset: m.vset, collector: votes.New()}
	require.NoError(t, Restore(restored, nil))

	require.Equal(t, uint64(20), restored.height)
	require.Equal(t, uint64(3), restored.view)
	require.Equal(t, PhasePrecommit, restored.phase.Kind)
}
