package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/smellycoin/smellycoin/pkg/crypto"
	"github.com/smellycoin/smellycoin/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// CoinbaseMaturity is the default number of blocks a coinbase output must
// wait before it can be spent. ParamsFor(network).CoinbaseMaturity is the
// network-specific value the consensus code actually checks against.
const CoinbaseMaturity uint64 = 100

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 2_000_000 // 2 MB max block size (header + all tx signing bytes)
	MaxBlockTxs   = 20_000    // Max transactions per block (including coinbase)
	MaxTxInputs   = 2500      // Max inputs per transaction
	MaxTxOutputs  = 2500      // Max outputs per transaction
	MaxScriptData = 65_536    // 64 KB max script data per output
)

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "SMC")

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ForkSchedule defines block heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled.
type ForkSchedule struct {
	// Future forks are added here as fields. Example:
	// ScriptEngineHeight uint64 `json:"script_engine_height,omitempty"`
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	// Consensus
	Consensus ConsensusRules `json:"consensus"`

	// Fork activation schedule
	Forks ForkSchedule `json:"forks,omitempty"`
}

// ConsensusRules defines how blocks are produced and validated under
// KAWPOW proof-of-work — the only consensus mechanism the core supports.
type ConsensusRules struct {
	// BlockTime is the target seconds between blocks.
	BlockTime int `json:"block_time"`

	// InitialDifficultyBits is the compact-encoded target the chain
	// starts at (pkg/codec.CompactToTarget).
	InitialDifficultyBits uint32 `json:"initial_difficulty_bits"`

	// RetargetWindow is the number of blocks the Difficulty Controller
	// averages over between adjustments.
	RetargetWindow uint64 `json:"retarget_window"`

	// Economics
	BlockReward     uint64 `json:"block_reward"`               // Base units at height 0.
	MaxSupply       uint64 `json:"max_supply"`                 // Total coin cap in base units (0 = unlimited).
	HalvingInterval uint64 `json:"halving_interval,omitempty"` // Blocks between reward halvings (0 = no halving).
	MinFeeRate      uint64 `json:"min_fee_rate"`                // Minimum fee rate (base units per byte of SigningBytes).
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	p := ParamsFor(Mainnet)
	return &Genesis{
		ChainID:   "smellycoin-mainnet-1",
		ChainName: "Smellycoin Mainnet",
		Symbol:    "SMC",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Smellycoin Genesis",
		Alloc:     map[string]uint64{},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				BlockTime:             int(p.TargetBlockTime),
				InitialDifficultyBits: p.MinDifficultyBits,
				RetargetWindow:        p.RetargetWindow,
				BlockReward:           p.InitialSubsidy,
				MaxSupply:             0, // Bounded by halving schedule, not an explicit cap.
				HalvingInterval:       p.HalvingInterval,
				MinFeeRate:            p.MinFeeRate,
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	p := ParamsFor(Testnet)
	g := MainnetGenesis()
	g.ChainID = "smellycoin-testnet-1"
	g.ChainName = "Smellycoin Testnet"
	g.ExtraData = "Smellycoin Testnet Genesis"
	g.Protocol.Consensus.MinFeeRate = p.MinFeeRate
	return g
}

// RegtestGenesis returns the regression-test genesis configuration: a
// scaled-down epoch length, a trivial minimum difficulty, and a short
// halving interval so reward schedules are exercisable in a handful of
// blocks.
func RegtestGenesis() *Genesis {
	p := ParamsFor(Regtest)
	g := MainnetGenesis()
	g.ChainID = "smellycoin-regtest-1"
	g.ChainName = "Smellycoin Regtest"
	g.ExtraData = "Smellycoin Regtest Genesis"
	g.Protocol.Consensus.InitialDifficultyBits = p.MinDifficultyBits
	g.Protocol.Consensus.RetargetWindow = p.RetargetWindow
	g.Protocol.Consensus.HalvingInterval = p.HalvingInterval
	g.Protocol.Consensus.MinFeeRate = p.MinFeeRate
	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	case Regtest:
		return RegtestGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	if g.Protocol.Consensus.InitialDifficultyBits == 0 {
		return fmt.Errorf("genesis requires initial_difficulty_bits")
	}

	if g.Protocol.Consensus.BlockTime <= 0 {
		return fmt.Errorf("block_time must be positive")
	}

	if g.Protocol.Consensus.BlockReward == 0 {
		return fmt.Errorf("block_reward must be positive")
	}

	// Validate alloc addresses and check total doesn't exceed max supply.
	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		totalAlloc += v
	}
	if g.Protocol.Consensus.MaxSupply > 0 && totalAlloc > g.Protocol.Consensus.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)",
			totalAlloc, g.Protocol.Consensus.MaxSupply)
	}

	return nil
}

// Hash returns a hash of the genesis configuration, used to identify the
// chain and detect genesis mismatches between nodes.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
