package main

import (
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/stakeforge/bftchain/chainiface"
	"github.com/stakeforge/bftchain/config"
	"github.com/stakeforge/bftchain/consensus/round"
	"github.com/stakeforge/bftchain/gossip"
)

func logTimerError(step string, err error) {
	log.Warn("bftcored: timer handler failed", "step", step, "err", err)
}

// timerFire is what timerService posts back to the worker loop once an
// armed timer actually fires; the loop is the only goroutine allowed to
// call into machine (spec.md section 5).
type timerFire struct {
	step          string
	emptyProposal bool
	view          uint64
	nonce         uint64
}

// timerService implements the SetTimerStep/SetTimerEmptyProposal half of
// chainiface.Network. Arming a timer is purely local bookkeeping — it has
// nothing to do with peer gossip — so it lives beside networkAdapter
// rather than inside gossip.Coordinator. Step durations follow
// config.RoundConfig's per-view growth (spec.md section 4.5, "Timeouts").
type timerService struct {
	cfg  config.RoundConfig
	fire chan timerFire
}

func newTimerService(cfg config.RoundConfig) *timerService {
	return &timerService{cfg: cfg, fire: make(chan timerFire, 16)}
}

func (t *timerService) stepTimeout(step string, view uint64) time.Duration {
	var base time.Duration
	switch step {
	case "propose":
		base = t.cfg.ProposeBase
	case "prevote":
		base = t.cfg.PrevoteBase
	case "precommit":
		base = t.cfg.PrecommitBase
	case "commit":
		return t.cfg.CommitTimeout
	default:
		base = t.cfg.ProposeBase
	}
	if t.cfg.Geometric {
		factor := 1.0
		for i := uint64(0); i < view; i++ {
			factor *= t.cfg.GrowthFactor
		}
		return time.Duration(float64(base) * factor)
	}
	return base + time.Duration(view)*time.Duration(t.cfg.GrowthFactor*float64(time.Second))
}

func (t *timerService) SetTimerStep(step string, view uint64, nonce uint64) {
	time.AfterFunc(t.stepTimeout(step, view), func() {
		t.fire <- timerFire{step: step, view: view, nonce: nonce}
	})
}

func (t *timerService) SetTimerEmptyProposal(view uint64, nonce uint64) {
	time.AfterFunc(t.cfg.ProposeBase/2, func() {
		t.fire <- timerFire{emptyProposal: true, view: view, nonce: nonce}
	})
}

// deliver dispatches one fired timer into the round machine. Called only
// from the worker loop's select, never from the AfterFunc goroutine
// above, to keep every machine mutation on one goroutine.
func (t *timerService) deliver(m *round.Machine, f timerFire) {
	if f.emptyProposal {
		if err := m.HandleEmptyProposalTimer(f.nonce); err != nil {
			logTimerError("empty_proposal", err)
		}
		return
	}
	kind, ok := round.ParsePhaseKind(f.step)
	if !ok {
		return
	}
	if err := m.HandleTimeout(kind, f.view, f.nonce); err != nil {
		logTimerError(f.step, err)
	}
}

// networkAdapter composes the peer gossip coordinator (C8) with the
// local timer service into a single chainiface.Network: every
// broadcast/request the round machine makes is governed by
// Coordinator's sqrt(n) sampling, while timer arming — not a gossip
// concern — goes straight to timerService. This is the "embedding
// application supplies concrete ... implementations" piece node's doc
// comment refers to.
type networkAdapter struct {
	*gossip.Coordinator
	*timerService
}

var _ chainiface.Network = (*networkAdapter)(nil)

func newNetworkAdapter(gossiper *gossip.Coordinator, timers *timerService) *networkAdapter {
	return &networkAdapter{Coordinator: gossiper, timerService: timers}
}
