// Package config loads the consensus core's runtime-tunable parameters.
// Genesis economic parameters are out of scope (spec.md section 1); this
// covers only the operational knobs the round state machine, mempool,
// and election need at startup. Grounded on
// sanketsaagar-Litechain/internal/config (yaml.v3, yaml struct tags,
// time.Duration fields) and tolelom-tolchain/config (Load/Validate shape).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level node configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Round     RoundConfig     `yaml:"round"`
	Election  ElectionConfig  `yaml:"election"`
	Mempool   MempoolConfig   `yaml:"mempool"`
	Gossip    GossipConfig    `yaml:"gossip"`
}

// RoundConfig tunes the round state machine (C5).
type RoundConfig struct {
	// ProposeBase is the Propose-step timeout at view 0; later views grow
	// from it per GrowthFactor (spec.md section 4.5, "Timeouts").
	ProposeBase     time.Duration `yaml:"propose_base"`
	PrevoteBase     time.Duration `yaml:"prevote_base"`
	PrecommitBase   time.Duration `yaml:"precommit_base"`
	CommitTimeout   time.Duration `yaml:"commit_timeout"`
	// GrowthFactor scales step timeouts per view: timeout(v) = base +
	// v*GrowthFactor (linear-additive) when Geometric is false, or
	// base*GrowthFactor^v when true.
	GrowthFactor float64 `yaml:"growth_factor"`
	Geometric    bool    `yaml:"geometric"`
	// AllowedPast/AllowedFuture bound the header-timestamp time-gap check.
	AllowedPast   time.Duration `yaml:"allowed_past"`
	AllowedFuture time.Duration `yaml:"allowed_future"`
}

// ElectionConfig tunes the validator election (C3) and stake ledger (C2).
type ElectionConfig struct {
	DelegationThreshold uint64 `yaml:"delegation_threshold"`
	MinValidators       int    `yaml:"min_validators"`
	MaxValidators       int    `yaml:"max_validators"`
	MinDeposit          uint64 `yaml:"min_deposit"`
	MinDelegation       uint64 `yaml:"min_delegation"`
	CustodyPeriod       uint64 `yaml:"custody_period"` // terms
	ReleasePeriod       uint64 `yaml:"release_period"` // terms
	NominationExpiration uint64 `yaml:"nomination_expiration"` // terms
	// RewardProtocolVersion selects the two-slot (0) or three-slot (1)
	// intermediate reward buffer (spec.md section 4.9; SPEC_FULL section 12).
	RewardProtocolVersion int `yaml:"reward_protocol_version"`
}

// MempoolConfig tunes admission (C4).
type MempoolConfig struct {
	CountLimit       int           `yaml:"count_limit"`
	MemoryLimit      uint64        `yaml:"memory_limit"`
	MinFeeForAction  uint64        `yaml:"min_fee_for_action"`
	FeeBumpShift     uint          `yaml:"fee_bump_shift"`
	MaxPoolLifetime  uint64        `yaml:"max_pool_lifetime"` // blocks
	BalanceRecheckFraction float64 `yaml:"balance_recheck_fraction"`
}

// GossipConfig tunes the peer coordinator (C8).
type GossipConfig struct {
	MinBroadcastPeers int `yaml:"min_broadcast_peers"`
	MaxBroadcastPeers int `yaml:"max_broadcast_peers"`
	CatchUpHeightGap  uint64 `yaml:"catch_up_height_gap"`
}

// Default returns the single-node development configuration.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		LogLevel: "info",
		Round: RoundConfig{
			ProposeBase:   3 * time.Second,
			PrevoteBase:   1 * time.Second,
			PrecommitBase: 1 * time.Second,
			CommitTimeout: 5 * time.Second,
			GrowthFactor:  1.5,
			Geometric:     false,
			AllowedPast:   10 * time.Second,
			AllowedFuture: 5 * time.Second,
		},
		Election: ElectionConfig{
			DelegationThreshold:  0,
			MinValidators:        4,
			MaxValidators:        30,
			MinDeposit:           0,
			MinDelegation:        1,
			CustodyPeriod:        1,
			ReleasePeriod:        2,
			NominationExpiration: 24,
			RewardProtocolVersion: 1,
		},
		Mempool: MempoolConfig{
			CountLimit:             8192,
			MemoryLimit:            64 << 20,
			MinFeeForAction:        10,
			FeeBumpShift:           3,
			MaxPoolLifetime:        4096,
			BalanceRecheckFraction: 0.25,
		},
		Gossip: GossipConfig{
			MinBroadcastPeers: 4,
			MaxBroadcastPeers: 128,
			CatchUpHeightGap:  2,
		},
	}
}

// Load reads a YAML config file from path, merging over Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks internally-consistent invariants the spec requires
// (spec.md section 4.3: "max_validators must satisfy max > min").
func (c *Config) Validate() error {
	if c.Election.MaxValidators <= c.Election.MinValidators {
		return fmt.Errorf("election.max_validators (%d) must be greater than min_validators (%d)",
			c.Election.MaxValidators, c.Election.MinValidators)
	}
	if c.Election.MinValidators <= 0 {
		return fmt.Errorf("election.min_validators must be positive")
	}
	if c.Mempool.CountLimit <= 0 {
		return fmt.Errorf("mempool.count_limit must be positive")
	}
	if c.Mempool.FeeBumpShift == 0 {
		return fmt.Errorf("mempool.fee_bump_shift must be positive")
	}
	if c.Gossip.MinBroadcastPeers < 1 || c.Gossip.MaxBroadcastPeers < c.Gossip.MinBroadcastPeers {
		return fmt.Errorf("gossip.min_broadcast_peers/max_broadcast_peers out of range")
	}
	return nil
}
