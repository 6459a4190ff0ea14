package config

import "github.com/smellycoin/smellycoin/pkg/kawpow"

// NetworkParams holds the consensus-critical constants that parameterize
// the chain-consistency core for one NetworkType. Unlike Genesis (which
// carries the one-time genesis block contents and allocations), these are
// the per-network protocol knobs spec.md's components consume directly:
// the Difficulty Controller, the KAWPOW Engine, the Consensus Validator,
// and the Work Dispatcher's vardiff loop.
type NetworkParams struct {
	// TargetBlockTime is the target seconds between blocks (T). 15s for
	// every network in this spec.
	TargetBlockTime int64

	// RetargetWindow is the header-validation difficulty adjustment
	// interval in blocks (W) — the longer of the two windows the source
	// mixed together (spec.md §9 Open Question #1): 2016 for
	// mainnet/testnet, 144 for regtest. This is the window the Consensus
	// Validator and Difficulty Controller use for header bits checks.
	RetargetWindow uint64

	// ShareRetargetWindow is the Work Dispatcher's per-session vardiff
	// window, counted in accepted shares rather than blocks — a distinct
	// knob from RetargetWindow per Open Question Decision #1.
	ShareRetargetWindow uint64

	// MaxAdjustmentFactor clamps the per-retarget ratio to
	// [1/F, F] at steady state (Open Question Decision #4): 1.5 for
	// mainnet/testnet/regtest.
	MaxAdjustmentFactor float64

	// EmergencyClampFactor is the wider outlier-timespan clamp (4x) used
	// only when a retarget window's actual/expected ratio is so extreme
	// that the steady-state clamp would take multiple retargets to
	// recover liveness from (e.g. after a long mining outage).
	EmergencyClampFactor float64

	// MinDifficultyBits is the minimum-difficulty floor (the maximum
	// valid target, compact-encoded): 0x1e00ffff for mainnet/testnet,
	// 0x207fffff for regtest.
	MinDifficultyBits uint32

	// KAWPOW holds the cache/dataset/access-count/epoch-length tuning for
	// this network (pkg/kawpow.Params).
	KAWPOW kawpow.Params

	// MaxBlockSize is the serialized block size ceiling in bytes.
	MaxBlockSize int

	// MaxBlockTxs, MaxTxInputs, MaxTxOutputs, MaxScriptData mirror the
	// structural limits in spec.md §4.5 step 1 / §3.
	MaxBlockTxs   int
	MaxTxInputs   int
	MaxTxOutputs  int
	MaxScriptData int

	// InitialSubsidy is the coinbase reward at height 0, in base units.
	InitialSubsidy uint64

	// HalvingInterval is the number of blocks between subsidy halvings.
	HalvingInterval uint64

	// CoinbaseMaturity is the number of blocks a coinbase output must
	// wait before it can be spent.
	CoinbaseMaturity uint64

	// MaxReorgDepth bounds how many blocks a reorg may roll back — beyond
	// this the core refuses to switch chains (spec.md §1 Non-goal: "chain
	// reorganization across more than a configurable reorg depth").
	MaxReorgDepth uint64

	// MinFeeRate is the minimum fee-rate floor in base units per byte of
	// a transaction's signing bytes (spec.md §1 Non-goal: fee policy
	// beyond a minimum floor).
	MinFeeRate uint64

	// FutureTimeLimit bounds how far into the future a block/share
	// timestamp may be, in seconds (spec.md §4.3/§4.5/§4.6: 7200s).
	FutureTimeLimit int64

	// Work Dispatcher timing (spec.md §5 Timeouts, §4.6).
	HandshakeTimeout    int64 // seconds, connection handshake deadline.
	SessionIdleTimeout  int64 // seconds, per-read idle before Idle/reclaim.
	TemplateMaxAge      int64 // seconds, template age before forced refresh.
	MaxProtocolErrors   int   // errors within ProtocolErrorWindow before a ban.
	ProtocolErrorWindow int64 // seconds, sliding window for error counting.
	BanDuration         int64 // seconds, ban duration once triggered.
	MaxJobs             int   // bound on resident jobs per dispatcher; oldest-added evicted first.

	// DefaultShareDifficulty is the per-session share target difficulty
	// assigned at subscribe time, before the vardiff loop adjusts it.
	DefaultShareDifficulty float64

	// PoolFeePercent is the configurable pool fee deducted from each
	// accepted block's reward before proportional distribution.
	PoolFeePercent float64
}

var mainnetParams = NetworkParams{
	TargetBlockTime:        15,
	RetargetWindow:         2016,
	ShareRetargetWindow:     60,
	MaxAdjustmentFactor:     1.5,
	EmergencyClampFactor:    4,
	MinDifficultyBits:       0x1e00ffff,
	KAWPOW:                  kawpow.Mainnet,
	MaxBlockSize:            2_000_000,
	MaxBlockTxs:             20_000,
	MaxTxInputs:             2_500,
	MaxTxOutputs:            2_500,
	MaxScriptData:           65_536,
	InitialSubsidy:          50_000_000_000,
	HalvingInterval:         2_100_000,
	CoinbaseMaturity:        100,
	MaxReorgDepth:           1000,
	MinFeeRate:              1,
	FutureTimeLimit:         7200,
	HandshakeTimeout:        10,
	SessionIdleTimeout:      600,
	TemplateMaxAge:          30,
	MaxProtocolErrors:       10,
	ProtocolErrorWindow:     600,
	BanDuration:             3600,
	MaxJobs:                 64,
	DefaultShareDifficulty:  1,
	PoolFeePercent:          1,
}

var testnetParams = func() NetworkParams {
	p := mainnetParams
	p.KAWPOW = kawpow.Testnet
	p.MinFeeRate = 0
	return p
}()

var regtestParams = NetworkParams{
	TargetBlockTime:        15,
	RetargetWindow:          144,
	ShareRetargetWindow:     20,
	MaxAdjustmentFactor:     1.5,
	EmergencyClampFactor:    4,
	MinDifficultyBits:       0x207fffff,
	KAWPOW:                  kawpow.Regtest,
	MaxBlockSize:            2_000_000,
	MaxBlockTxs:             20_000,
	MaxTxInputs:             2_500,
	MaxTxOutputs:            2_500,
	MaxScriptData:           65_536,
	InitialSubsidy:          50_000_000_000,
	HalvingInterval:         150,
	CoinbaseMaturity:        20,
	MaxReorgDepth:           1000,
	MinFeeRate:              0,
	FutureTimeLimit:         7200,
	HandshakeTimeout:        10,
	SessionIdleTimeout:      600,
	TemplateMaxAge:          5,
	MaxProtocolErrors:       10,
	ProtocolErrorWindow:     600,
	BanDuration:             60,
	MaxJobs:                 64,
	DefaultShareDifficulty:  0.001,
	PoolFeePercent:          1,
}

// ParamsFor returns the NetworkParams for the given network.
func ParamsFor(network NetworkType) NetworkParams {
	switch network {
	case Testnet:
		return testnetParams
	case Regtest:
		return regtestParams
	default:
		return mainnetParams
	}
}

// Subsidy computes the coinbase reward at height, per spec.md §4.5 step 6:
// subsidy(h) = initial_subsidy >> (h / halving_interval), capped at 64
// halvings (after which subsidy is identically zero).
func (p NetworkParams) Subsidy(height uint64) uint64 {
	if p.HalvingInterval == 0 {
		return p.InitialSubsidy
	}
	halvings := height / p.HalvingInterval
	if halvings >= 64 {
		return 0
	}
	return p.InitialSubsidy >> halvings
}
