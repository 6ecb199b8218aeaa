package round

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/stakeforge/bftchain/bitset"
	"github.com/stakeforge/bftchain/chainiface"
	"github.com/stakeforge/bftchain/config"
	"github.com/stakeforge/bftchain/votes"
)

// CommitEvent fires once a block is durably committed
// (HandleCommitSatisfied), carrying the height/view it committed at.
type CommitEvent struct {
	Height uint64
	View   uint64
	Hash   common.Hash
}

// RoundChangeEvent fires every time the view advances without a commit
// (a Precommit-nil quorum or a Precommit timeout).
type RoundChangeEvent struct {
	Height uint64
	View   uint64
}

// Proposal is the block under vote at the current height: the sealed
// raw bytes plus the fields the machine reasons about without decoding
// them again.
type Proposal struct {
	Hash       common.Hash
	ParentHash common.Hash
	Raw        []byte
	Timestamp  uint64
}

// EvidenceSubmitter hands a self-signed double-vote evidence transaction
// to the local mempool for propagation (spec.md section 4.5,
// "Double-vote reporting").
type EvidenceSubmitter func(evidence votes.Double) error

// Machine is the Round State Machine (C5). Its exported methods are
// driven by the single-threaded cooperative worker (spec.md section 5)
// and are not themselves safe to call concurrently; callers serialize
// through the worker's own event loop.
type Machine struct {
	height            uint64
	view              uint64
	phase             Phase
	lastConfirmedView uint64
	proposal          *Proposal
	lock              Lock
	lockedRaw         []byte
	votesReceived     *bitset.BitSet

	parentHash common.Hash
	self       common.Address
	selfIndex  int

	cfg       config.RoundConfig
	chain     chainiface.ChainClient
	vset      chainiface.ValidatorSetClient
	net       chainiface.Network
	collector *votes.Collector
	submit    EvidenceSubmitter
	backup    *Backup

	timerNonce uint64
	restoring  bool

	// commitFeed/roundChangeFeed fan the worker's state transitions out to
	// RPC/metrics subscribers without coupling the machine to either
	// (spec.md section 1: RPC is out of scope, but notifying it is not).
	commitFeed      event.Feed
	roundChangeFeed event.Feed
}

// SubscribeCommits registers ch to receive a CommitEvent every time
// HandleCommitSatisfied fires.
func (m *Machine) SubscribeCommits(ch chan<- CommitEvent) event.Subscription {
	return m.commitFeed.Subscribe(ch)
}

// SubscribeRoundChanges registers ch to receive a RoundChangeEvent every
// time the view advances without a commit.
func (m *Machine) SubscribeRoundChanges(ch chan<- RoundChangeEvent) event.Subscription {
	return m.roundChangeFeed.Subscribe(ch)
}

func NewMachine(cfg config.RoundConfig, chain chainiface.ChainClient, vset chainiface.ValidatorSetClient,
	net chainiface.Network, collector *votes.Collector, submit EvidenceSubmitter, backup *Backup, self common.Address) *Machine {
	return &Machine{
		cfg:       cfg,
		chain:     chain,
		vset:      vset,
		net:       net,
		collector: collector,
		submit:    submit,
		backup:    backup,
		self:      self,
		phase:     Phase{Kind: PhasePropose},
	}
}

func (m *Machine) Height() uint64 { return m.height }
func (m *Machine) View() uint64   { return m.view }
func (m *Machine) Phase() Phase   { return m.phase }
func (m *Machine) Lock() Lock     { return m.lock }

func quorumThreshold(total int) int {
	if total == 0 {
		return 1
	}
	return (2*total)/3 + 1
}

// StartHeight enters a new height at view 0, Propose phase (spec.md
// section 4.5). parentHash identifies the block this height builds on.
func (m *Machine) StartHeight(height uint64, parentHash common.Hash) error {
	m.height = height
	m.view = 0
	m.parentHash = parentHash
	m.lock = Lock{Kind: LockEmpty}
	m.lockedRaw = nil
	m.proposal = nil
	m.lastConfirmedView = 0
	total := m.vset.Count(parentHash)
	m.votesReceived = bitset.New(total)
	if idx, ok := m.vset.GetIndexByAddress(parentHash, m.self); ok {
		m.selfIndex = idx
	}
	return m.enterPropose()
}

func (m *Machine) enterPropose() error {
	m.phase = Phase{Kind: PhasePropose}
	m.saveBackup()

	proposer, ok := m.vset.NextBlockProposer(m.parentHash, m.view)
	if !ok {
		return errRoundf(ErrValidatorNotExist, "no proposer for height=%d view=%d", m.height, m.view)
	}

	if proposer == m.self {
		if m.lock.Kind == LockLock {
			// Re-propose the locked block; no new build (spec.md section
			// 4.5, Propose).
			m.proposal = &Proposal{Hash: m.lock.BlockHash, ParentHash: m.parentHash, Raw: m.lockedRaw}
			m.phase = Phase{Kind: PhaseProposeWaitImported, SealedRaw: m.lockedRaw}
			m.net.BroadcastProposalBlock(nil, m.view, m.lockedRaw)
			m.saveBackup()
			return nil
		}
		if err := m.chain.UpdateSealing(m.parentHash); err != nil {
			return err
		}
		m.phase = Phase{Kind: PhaseProposeWaitBlockGeneration, ParentHash: m.parentHash}
		m.saveBackup()
		return nil
	}

	m.net.RequestProposalToAny(roundKeyBytes(m.height, m.view))
	m.armTimer(PhasePropose)
	return nil
}

// HandleBlockGenerated is the external block builder's callback once a
// block has been sealed for our own proposal (spec.md section 4.5,
// ProposeWaitBlockGeneration → ProposeWaitImported / ProposeWaitEmptyBlockTimer).
func (m *Machine) HandleBlockGenerated(hash common.Hash, raw []byte, empty bool) error {
	if m.phase.Kind != PhaseProposeWaitBlockGeneration {
		return nil
	}
	m.proposal = &Proposal{Hash: hash, ParentHash: m.parentHash, Raw: raw}
	if empty {
		m.phase = Phase{Kind: PhaseProposeWaitEmptyBlockTimer, SealedRaw: raw}
		m.net.SetTimerEmptyProposal(m.view, m.nextNonce())
		m.saveBackup()
		return nil
	}
	m.phase = Phase{Kind: PhaseProposeWaitImported, SealedRaw: raw}
	m.net.BroadcastProposalBlock(nil, m.view, raw)
	m.saveBackup()
	return nil
}

// HandleEmptyProposalTimer fires after half the Propose timeout once an
// empty block is ready, and broadcasts it (spec.md section 4.5).
func (m *Machine) HandleEmptyProposalTimer(nonce uint64) error {
	if nonce != m.timerNonce || m.phase.Kind != PhaseProposeWaitEmptyBlockTimer {
		return nil
	}
	m.net.BroadcastProposalBlock(nil, m.view, m.phase.SealedRaw)
	m.phase = Phase{Kind: PhaseProposeWaitImported, SealedRaw: m.phase.SealedRaw}
	m.saveBackup()
	return nil
}

// HandleProposalImported is delivered once a peer's (or our own) proposal
// has been validated and imported for our view (spec.md section 4.5,
// Propose "on import").
func (m *Machine) HandleProposalImported(p Proposal) error {
	switch m.phase.Kind {
	case PhasePropose, PhaseProposeWaitImported:
	default:
		return nil
	}
	if !m.withinTimeGap(p.Timestamp) && !m.lock.lockedOn(p.Hash) {
		return errRoundf(ErrFutureMessage, "proposal timestamp outside allowed window")
	}
	m.proposal = &p
	return m.enterPrevote()
}

// HandleProposeTimeout fires when no valid proposal arrived in time
// (spec.md section 4.5, Propose "on timeout"): vote Prevote-nil and
// report the proposer as benignly absent.
func (m *Machine) HandleProposeTimeout(nonce uint64) error {
	if nonce != m.timerNonce || m.phase.Kind != PhasePropose {
		return nil
	}
	if proposer, ok := m.vset.NextBlockProposer(m.parentHash, m.view); ok {
		m.vset.ReportBenign(proposer, m.height)
	}
	m.proposal = nil
	return m.enterPrevote()
}

func (m *Machine) withinTimeGap(ts uint64) bool {
	now := uint64(m.chain.BestBlockHeader().Timestamp())
	past := uint64(m.cfg.AllowedPast.Seconds())
	future := uint64(m.cfg.AllowedFuture.Seconds())
	if ts+past < now {
		return false
	}
	if ts > now+future {
		return false
	}
	return true
}

func (m *Machine) candidateHash() common.Hash {
	if m.lock.Kind == LockLock {
		return m.lock.BlockHash
	}
	if m.proposal != nil {
		return m.proposal.Hash
	}
	return common.Hash{}
}

func (m *Machine) enterPrevote() error {
	m.phase = Phase{Kind: PhasePrevote}
	m.saveBackup()
	hash := m.candidateHash()
	m.broadcastVote(votes.PhasePrevote, hash)
	m.armTimer(PhasePrevote)
	return nil
}

// HandleVote ingests an externally-received consensus message, checks
// for equivocation, and re-evaluates whether the current phase's quorum
// condition is now satisfied (spec.md section 4.1, 4.5).
func (m *Machine) HandleVote(msg votes.Message) error {
	if dbl := m.collector.Insert(msg); dbl != nil {
		if m.submit != nil {
			if err := m.submit(*dbl); err != nil {
				log.Error("round: failed to submit double-vote evidence", "err", err)
			}
		}
		if addr, ok := m.vset.Get(m.parentHash, msg.SignerIndex); ok {
			m.vset.ReportMalicious(addr, m.height, nil)
		}
	}
	if msg.On.Round.Height != m.height {
		return nil
	}
	// votes_received tracks every signer we've seen a vote from this
	// height, self included — it is the known-votes state the gossip
	// coordinator (C8) diffs against, not just our own cast vote.
	m.votesReceived.Set(msg.SignerIndex)

	switch m.phase.Kind {
	case PhasePrevote:
		return m.tallyPrevotes(msg.On.Round.View)
	case PhasePrecommit:
		return m.tallyPrecommits(msg.On.Round.View)
	default:
		return nil
	}
}

func (m *Machine) broadcastVote(phase votes.Phase, hash common.Hash) {
	on := votes.Step{Round: votes.Round{Height: m.height, View: m.view, Phase: phase}, BlockHash: hash}
	msg := votes.Message{On: on, SignerIndex: m.selfIndex}
	m.collector.Insert(msg)
	m.votesReceived.Set(m.selfIndex)
	m.net.BroadcastMessage(roundMessageBytes(msg))
}

// tallyPrevotes implements the PoLC rule (spec.md section 4.5, Prevote
// and the GLOSSARY's PoLC definition): a ⅔ majority for the same
// non-nil block at any view ≥ our current lock locks (or relocks) us on
// it, and a ⅔ majority aligned with our own view (block or nil) advances
// to Precommit.
func (m *Machine) tallyPrevotes(atView uint64) error {
	total := m.vset.Count(m.parentHash)
	threshold := quorumThreshold(total)

	if m.proposal != nil {
		step := votes.Step{Round: votes.Round{Height: m.height, View: atView, Phase: votes.PhasePrevote}, BlockHash: m.proposal.Hash}
		if m.collector.AlignedCount(step) >= threshold && atView >= m.lock.View {
			m.lock = Lock{Kind: LockLock, View: atView, BlockHash: m.proposal.Hash}
			m.lockedRaw = m.proposal.Raw
			m.saveBackup()
		}
	}

	hash := m.candidateHash()
	step := votes.Step{Round: votes.Round{Height: m.height, View: m.view, Phase: votes.PhasePrevote}, BlockHash: hash}
	if m.collector.AlignedCount(step) >= threshold {
		return m.enterPrecommit()
	}
	return nil
}

func (m *Machine) enterPrecommit() error {
	m.phase = Phase{Kind: PhasePrecommit}
	m.saveBackup()
	hash := common.Hash{}
	if m.lock.Kind == LockLock && m.lock.View == m.view {
		hash = m.lock.BlockHash
	}
	m.broadcastVote(votes.PhasePrecommit, hash)
	m.armTimer(PhasePrecommit)
	return nil
}

func (m *Machine) tallyPrecommits(atView uint64) error {
	if atView != m.view {
		return nil
	}
	total := m.vset.Count(m.parentHash)
	threshold := quorumThreshold(total)

	if m.proposal != nil {
		step := votes.Step{Round: votes.Round{Height: m.height, View: m.view, Phase: votes.PhasePrecommit}, BlockHash: m.proposal.Hash}
		if m.collector.AlignedCount(step) >= threshold {
			if m.chain.Block(m.proposal.Hash) != nil {
				m.lastConfirmedView = m.view
				return m.enterCommit()
			}
		}
	}

	nilStep := votes.Step{Round: votes.Round{Height: m.height, View: m.view, Phase: votes.PhasePrecommit}, BlockHash: common.Hash{}}
	if m.collector.AlignedCount(nilStep) >= threshold {
		return m.advanceView()
	}
	return nil
}

func (m *Machine) advanceView() error {
	m.view++
	m.roundChangeFeed.Send(RoundChangeEvent{Height: m.height, View: m.view})
	return m.enterPropose()
}

func (m *Machine) enterCommit() error {
	m.phase = Phase{Kind: PhaseCommit}
	m.saveBackup()
	if err := m.chain.UpdateBestAsCommitted(m.proposal.Hash); err != nil {
		return err
	}
	m.armTimer(PhaseCommit)
	return nil
}

// HandleCommitSatisfied is called once the block is visible in the
// canonical chain with all votes present (spec.md section 4.5, Commit
// "on satisfied").
func (m *Machine) HandleCommitSatisfied() error {
	if m.phase.Kind != PhaseCommit && m.phase.Kind != PhaseCommitTimedout {
		return nil
	}
	sigs, indices := m.collector.RoundSignatures(votes.Round{Height: m.height, View: m.view, Phase: votes.PhasePrecommit}, m.proposal.Hash)
	log.Debug("round: committed", "height", m.height, "view", m.view, "signatures", len(sigs), "indices", indices)
	m.commitFeed.Send(CommitEvent{Height: m.height, View: m.view, Hash: m.proposal.Hash})
	m.collector.ThrowOutOld(votes.Round{Height: m.height, View: 0, Phase: votes.PhasePropose})
	return m.StartHeight(m.height+1, m.proposal.Hash)
}

// HandleTimeout dispatches a timer fire for the given phase/view/nonce,
// ignoring stale timers (spec.md section 4.5, "Timeouts").
func (m *Machine) HandleTimeout(kind PhaseKind, view uint64, nonce uint64) error {
	if nonce != m.timerNonce || view != m.view {
		return nil
	}
	switch kind {
	case PhasePropose:
		return m.HandleProposeTimeout(nonce)
	case PhasePrevote:
		if m.phase.Kind != PhasePrevote {
			return nil
		}
		total := m.vset.Count(m.parentHash)
		if m.anyQuorumActivity(votes.PhasePrevote, total) {
			return m.enterPrecommit()
		}
		return nil
	case PhasePrecommit:
		if m.phase.Kind != PhasePrecommit {
			return nil
		}
		// Precommit timeout always advances the view (spec.md section
		// 4.5): with quorum activity it is a nil/split quorum already
		// resolved by tallyPrecommits; without it, the view is simply
		// stale.
		return m.advanceView()
	case PhaseCommit:
		if m.phase.Kind != PhaseCommit {
			return nil
		}
		m.phase = Phase{Kind: PhaseCommitTimedout}
		m.saveBackup()
		return nil
	}
	return nil
}

// anyQuorumActivity reports whether any block hash (including nil) has
// reached quorum for our view at phase — used by the "on timeout with
// any ⅔ activity" transitions (spec.md section 4.5).
func (m *Machine) anyQuorumActivity(phase votes.Phase, total int) bool {
	threshold := quorumThreshold(total)
	hashes := []common.Hash{{}}
	if m.proposal != nil {
		hashes = append(hashes, m.proposal.Hash)
	}
	for _, h := range hashes {
		step := votes.Step{Round: votes.Round{Height: m.height, View: m.view, Phase: phase}, BlockHash: h}
		if m.collector.AlignedCount(step) >= threshold {
			return true
		}
	}
	return false
}

func (m *Machine) armTimer(kind PhaseKind) {
	nonce := m.nextNonce()
	m.net.SetTimerStep(kind.String(), m.view, nonce)
}

func (m *Machine) nextNonce() uint64 {
	m.timerNonce++
	return m.timerNonce
}

func (m *Machine) saveBackup() {
	if m.backup == nil || m.restoring {
		return
	}
	m.backup.Save(m.snapshot())
}

func roundKeyBytes(height, view uint64) []byte {
	out := make([]byte, 16)
	putUint64(out[:8], height)
	putUint64(out[8:], view)
	return out
}

func roundMessageBytes(msg votes.Message) []byte {
	out := make([]byte, 0, 32)
	out = append(out, byte(msg.On.Round.Phase))
	out = appendUint64(out, msg.On.Round.Height)
	out = appendUint64(out, msg.On.Round.View)
	out = append(out, msg.On.BlockHash.Bytes()...)
	return out
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v)
		v >>= 8
	}
}

func appendUint64(b []byte, v uint64) []byte {
	tmp := make([]byte, 8)
	putUint64(tmp, v)
	return append(b, tmp...)
}
