package staking

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// DistributeBlockFees splits totalFee proportionally to stake across
// stakes (spec.md section 4.9): share(a) = fee*stake(a)/total_stake,
// with the block author receiving the remainder so nothing is lost to
// integer rounding. Grounded on tos-network-gtos/staking/reward.go's
// proportional-to-stake distribution with remainder-to-commission
// pattern, adapted to remainder-to-author.
func DistributeBlockFees(stakes map[common.Address]uint64, author common.Address, totalFee uint64) map[common.Address]uint64 {
	out := make(map[common.Address]uint64, len(stakes))
	if totalFee == 0 {
		return out
	}
	var totalStake uint64
	for _, s := range stakes {
		totalStake += s
	}
	if totalStake == 0 {
		out[author] += totalFee
		return out
	}
	var distributed uint64
	for addr, s := range stakes {
		share := totalFee * s / totalStake
		out[addr] += share
		distributed += share
	}
	out[author] += totalFee - distributed
	return out
}

// CreditFees applies a fee distribution (from DistributeBlockFees) to
// every account's balance.
func (l *Ledger) CreditFees(shares map[common.Address]uint64) error {
	if len(shares) == 0 {
		return nil
	}
	b := l.store.NewBatch()
	for addr, amount := range shares {
		if amount == 0 {
			continue
		}
		acct := getAccount(l.store, addr)
		acct.Balance += amount
		putAccount(&b, acct)
		refreshStakeholder(&b, addr, acct.Balance, len(getDelegation(l.store, addr).Shares) > 0)
	}
	return b.Write()
}

// AccrueIntermediateReward adds amount to addr's "current" slot of the
// intermediate reward buffer for the active block (spec.md section 4.9).
func (l *Ledger) AccrueIntermediateReward(addr common.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	b := l.store.NewBatch()
	cur := getRewardMap(l.store, keyRewardsCur)
	cur[addr] += amount
	putRewardMap(&b, keyRewardsCur, cur)
	return b.Write()
}

// SettleTermRewards runs the one-term-lag intermediate reward drain
// (spec.md section 4.9): "previous" is credited to accounts and cleared,
// then "current" becomes the new "previous". When version is 1 (SPEC_FULL
// section 12's RewardsV1), a third "calculated" slot is merged into
// "previous" before draining, absorbing externally computed adjustments.
func (l *Ledger) SettleTermRewards(version int) error {
	b := l.store.NewBatch()

	previous := getRewardMap(l.store, keyRewardsPrev)
	if version >= 1 {
		calculated := getRewardMap(l.store, keyRewardsCalc)
		for addr, amt := range calculated {
			previous[addr] += amt
		}
		putRewardMap(&b, keyRewardsCalc, map[common.Address]uint64{})
	}

	for addr, amt := range previous {
		if amt == 0 {
			continue
		}
		acct := getAccount(l.store, addr)
		acct.Balance += amt
		putAccount(&b, acct)
		refreshStakeholder(&b, addr, acct.Balance, len(getDelegation(l.store, addr).Shares) > 0)
	}

	current := getRewardMap(l.store, keyRewardsCur)
	putRewardMap(&b, keyRewardsPrev, current)
	putRewardMap(&b, keyRewardsCur, map[common.Address]uint64{})

	if err := b.Write(); err != nil {
		return err
	}
	log.Debug("stake: settle term rewards", "version", version, "accounts_credited", len(previous))
	return nil
}
