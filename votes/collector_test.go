package votes

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func hash(b byte) common.Hash {
	var h common.Hash
	h[0] = b
	return h
}

func TestInsertDetectsDoubleVote(t *testing.T) {
	c := New()
	round := Round{Height: 10, View: 1, Phase: PhasePrecommit}
	m1 := Message{On: Step{Round: round, BlockHash: hash(0xAA)}, SignerIndex: 3, Signature: []byte("sig1")}
	if d := c.Insert(m1); d != nil {
		t.Fatalf("first insert should not be a double vote")
	}

	m2 := Message{On: Step{Round: round, BlockHash: hash(0xBB)}, SignerIndex: 3, Signature: []byte("sig2")}
	d := c.Insert(m2)
	if d == nil {
		t.Fatalf("expected double vote evidence")
	}
	if d.First.Signature == nil || d.Second.Signature == nil {
		t.Fatalf("both messages must be retained as evidence")
	}

	// Both sides remain queryable.
	if got := c.AlignedCount(Step{Round: round, BlockHash: hash(0xAA)}); got != 1 {
		t.Fatalf("aligned count for first block = %d, want 1", got)
	}
	if got := c.AlignedCount(Step{Round: round, BlockHash: hash(0xBB)}); got != 1 {
		t.Fatalf("aligned count for second block = %d, want 1", got)
	}
}

func TestInsertIgnoresIdenticalRedelivery(t *testing.T) {
	c := New()
	round := Round{Height: 1, View: 0, Phase: PhasePrevote}
	m := Message{On: Step{Round: round, BlockHash: hash(0x01)}, SignerIndex: 0, Signature: []byte("sig")}
	c.Insert(m)
	if d := c.Insert(m); d != nil {
		t.Fatalf("identical redelivery must not be flagged as double vote")
	}
	if got := c.AlignedCount(m.On); got != 1 {
		t.Fatalf("redelivery must not duplicate the index, got %d", got)
	}
}

func TestRoundSignaturesFormsSeal(t *testing.T) {
	c := New()
	round := Round{Height: 5, View: 0, Phase: PhasePrecommit}
	bh := hash(0x42)
	for i := 0; i < 3; i++ {
		c.Insert(Message{On: Step{Round: round, BlockHash: bh}, SignerIndex: i, Signature: []byte{byte(i)}})
	}
	sigs, indices := c.RoundSignatures(round, bh)
	if len(sigs) != 3 || len(indices) != 3 {
		t.Fatalf("expected 3 signatures/indices, got %d/%d", len(sigs), len(indices))
	}
}

func TestThrowOutOldPreservesFinalizingRound(t *testing.T) {
	c := New()
	oldRound := Round{Height: 9, View: 2, Phase: PhasePrecommit}
	c.Insert(Message{On: Step{Round: oldRound, BlockHash: hash(0x09)}, SignerIndex: 0, Signature: []byte{0}})

	newHeightPropose := Round{Height: 10, View: 0, Phase: PhasePropose}
	c.Insert(Message{On: Step{Round: newHeightPropose, BlockHash: hash(0x10)}, SignerIndex: 0, Signature: []byte{1}})

	// Finalizing round for height 9 (its last view, 2) must survive a
	// throw-out keyed on height 9's view-0 Propose round, since only rounds
	// strictly before that key are discarded.
	c.ThrowOutOld(Round{Height: 9, View: 0, Phase: PhasePropose})

	if got := c.AlignedCount(Step{Round: oldRound, BlockHash: hash(0x09)}); got != 1 {
		t.Fatalf("expected height-9 view-2 votes preserved, got count %d", got)
	}

	c.ThrowOutOld(Round{Height: 11, View: 0, Phase: PhasePropose})
	if got := c.AlignedCount(Step{Round: oldRound, BlockHash: hash(0x09)}); got != 0 {
		t.Fatalf("expected height-9 votes discarded once height advances past, got count %d", got)
	}
}
