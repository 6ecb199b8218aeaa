package round

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/stakeforge/bftchain/bitset"
	"github.com/stakeforge/bftchain/kv"
	"github.com/stakeforge/bftchain/votes"
)

// Backup persists a full C5 snapshot after every state advance (spec.md
// section 4.7). Grounded on staking/state.go's single-key RLP record
// idiom, applied to one fixed key instead of a per-address table since
// only one round machine exists per node.
type Backup struct {
	store kv.Store
}

var keyRoundSnapshot = []byte("round/snapshot")

func NewBackup(store kv.Store) *Backup {
	return &Backup{store: store}
}

// snapshot is the wire record. Proposal/lockedRaw are carried as opaque
// bytes; the external chain codec owns their structure (spec.md section
// 1).
type snapshot struct {
	Height            uint64
	View              uint64
	PhaseKind         uint8
	PhaseParentHash   common.Hash
	PhaseSealedRaw    []byte
	LastConfirmedView uint64
	HasProposal       bool
	ProposalHash      common.Hash
	ProposalParent    common.Hash
	ProposalRaw       []byte
	ProposalTimestamp uint64
	LockKind          uint8
	LockView          uint64
	LockBlockHash     common.Hash
	LockedRaw         []byte
	ParentHash        common.Hash
	VotesReceived     []byte
	VotesReceivedN    uint64
	TimerNonce        uint64
}

func (m *Machine) snapshot() snapshot {
	s := snapshot{
		Height:            m.height,
		View:              m.view,
		PhaseKind:         uint8(m.phase.Kind),
		PhaseParentHash:   m.phase.ParentHash,
		PhaseSealedRaw:    m.phase.SealedRaw,
		LastConfirmedView: m.lastConfirmedView,
		LockKind:          uint8(m.lock.Kind),
		LockView:          m.lock.View,
		LockBlockHash:     m.lock.BlockHash,
		LockedRaw:         m.lockedRaw,
		ParentHash:        m.parentHash,
		TimerNonce:        m.timerNonce,
	}
	if m.proposal != nil {
		s.HasProposal = true
		s.ProposalHash = m.proposal.Hash
		s.ProposalParent = m.proposal.ParentHash
		s.ProposalRaw = m.proposal.Raw
		s.ProposalTimestamp = m.proposal.Timestamp
	}
	if m.votesReceived != nil {
		s.VotesReceived = m.votesReceived.Bytes()
		s.VotesReceivedN = uint64(m.votesReceived.Len())
	}
	return s
}

// Save writes s to the backup key as-is; the Commit→Precommit rewrite
// (spec.md section 4.7) happens at restore time, not here.
func (b *Backup) Save(s snapshot) {
	raw, err := rlp.EncodeToBytes(s)
	if err != nil {
		log.Error("round: backup encode failed", "err", err)
		return
	}
	if err := b.store.Put(keyRoundSnapshot, raw); err != nil {
		log.Error("round: backup write failed", "err", err)
	}
}

// Load reads the last snapshot, if any.
func (b *Backup) Load() (snapshot, bool) {
	raw, err := b.store.Get(keyRoundSnapshot)
	if err != nil {
		return snapshot{}, false
	}
	var s snapshot
	if err := rlp.DecodeBytes(raw, &s); err != nil {
		return snapshot{}, false
	}
	return s, true
}

// Restore rebuilds a Machine from its last backup (spec.md section 4.7).
// It reloads height/view/phase/last_confirmed_view, then replays each
// vote in replayVotes through HandleVote with is_restoring=true so the
// replay does not re-write the backup. Only backup writes are
// suppressed: a replayed vote that completes a quorum still advances the
// phase and sends whatever that transition sends.
func Restore(m *Machine, replayVotes []votes.Message) error {
	s, ok := m.backup.Load()
	if !ok {
		return nil
	}

	m.restoring = true
	defer func() { m.restoring = false }()

	m.height = s.Height
	m.view = s.View
	restoredKind := PhaseKind(s.PhaseKind)
	if restoredKind == PhaseCommit {
		// spec.md section 4.7: Commit is rewritten to Precommit on restore
		// so recovery reprocesses the last commit's quorum instead of
		// resuming a Commit it never itself observed satisfied.
		restoredKind = PhasePrecommit
	}
	m.phase = Phase{Kind: restoredKind, ParentHash: s.PhaseParentHash, SealedRaw: s.PhaseSealedRaw}
	m.lastConfirmedView = s.LastConfirmedView
	m.lock = Lock{Kind: LockKind(s.LockKind), View: s.LockView, BlockHash: s.LockBlockHash}
	m.lockedRaw = s.LockedRaw
	m.parentHash = s.ParentHash
	if s.HasProposal {
		m.proposal = &Proposal{Hash: s.ProposalHash, ParentHash: s.ProposalParent, Raw: s.ProposalRaw, Timestamp: s.ProposalTimestamp}
	}
	m.timerNonce = s.TimerNonce
	if s.VotesReceivedN > 0 {
		m.votesReceived = bitset.FromBytes(s.VotesReceived, int(s.VotesReceivedN))
	} else {
		m.votesReceived = bitset.New(m.vset.Count(m.parentHash))
	}

	for _, msg := range replayVotes {
		if err := m.HandleVote(msg); err != nil {
			return err
		}
	}
	log.Info("round: restored from backup", "height", m.height, "view", m.view, "phase", m.phase)
	return nil
}
