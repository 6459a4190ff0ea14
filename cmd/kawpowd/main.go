// Kawpowd chain-consistency daemon.
//
// Usage:
//
//	kawpowd [--mine --coinbase=...] Run node
//	kawpowd --help                  Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smellycoin/smellycoin/config"
	"github.com/smellycoin/smellycoin/internal/chain"
	"github.com/smellycoin/smellycoin/internal/consensus"
	"github.com/smellycoin/smellycoin/internal/dispatcher"
	"github.com/smellycoin/smellycoin/internal/klog"
	"github.com/smellycoin/smellycoin/internal/mempool"
	"github.com/smellycoin/smellycoin/internal/miner"
	"github.com/smellycoin/smellycoin/internal/storage"
	"github.com/smellycoin/smellycoin/pkg/tx"
	"github.com/smellycoin/smellycoin/pkg/types"
	"github.com/rs/zerolog"
)

func main() {
	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 1a. Set address HRP based on network ────────────────────────────
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	// ── 2. Init logger ───────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logFile = cfg.LogsDir() + "/kawpowd.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := klog.WithComponent("node")

	// ── 3. Genesis and network parameters (hardcoded per network) ───────
	genesis := config.GenesisFor(cfg.Network)
	params := config.ParamsFor(cfg.Network)

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Int64("block_time", params.TargetBlockTime).
		Msg("Starting kawpowd")

	// ── 4. Open storage ──────────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ChainDataDir()).Msg("Failed to open database")
	}
	defer db.Close()
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 5. Create consensus engine ───────────────────────────────────────
	engine := consensus.NewKawpowEngine(params)
	engine.Threads = cfg.Mining.Threads

	// ── 6. Create chain (auto-recovers tip from DB) ──────────────────────
	ch, err := chain.New(db, engine, params)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create chain")
	}
	ch.SetConsensusRules(genesis.Protocol.Consensus)

	if ch.State().IsGenesis() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize from genesis")
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().String()[:16]+"...").
			Msg("Chain resumed from database")
	}

	// ── 6a. Wire the Difficulty Controller into block-template construction.
	// Mirrors Validator.checkDifficulty's own retarget-boundary arithmetic
	// (internal/consensus/difficulty.go's ExpectedNextBits) so a template's
	// bits and a validated header's expected bits never disagree.
	engine.NextBitsFn = func(height uint64) (uint32, error) {
		if height == 0 {
			return params.MinDifficultyBits, nil
		}
		parent, err := ch.GetBlockByHeight(height - 1)
		if err != nil {
			return 0, fmt.Errorf("load parent at height %d: %w", height-1, err)
		}
		retargetCtx := consensus.ChainContext{
			RetargetTimestamp: func(h uint64) (uint64, error) {
				blk, err := ch.GetBlockByHeight(h)
				if err != nil {
					return 0, err
				}
				return blk.Header.Timestamp, nil
			},
		}
		return consensus.ExpectedNextBits(retargetCtx, params, parent.Header.Height, parent.Header.Bits), nil
	}

	// ── 7. Create mempool ─────────────────────────────────────────────────
	utxoStore := ch.UTXOs().Store()
	pool := mempool.New(utxoStore, 5000)
	pool.SetMinFeeRate(params.MinFeeRate)
	pool.SetCoinbaseMaturity(params.CoinbaseMaturity, ch.Height, utxoStore)
	pool.SetPolicy(params)

	logger.Info().Uint64("min_fee_rate", params.MinFeeRate).Msg("Mempool ready")

	// After a reorg, transactions from reverted blocks are re-offered to
	// the mempool rather than silently dropped.
	ch.SetRevertedTxHandler(func(txs []*tx.Transaction) {
		reinserted := 0
		for _, t := range txs {
			if _, err := pool.Add(t); err == nil {
				reinserted++
			}
		}
		if reinserted > 0 {
			logger.Info().Int("reverted", len(txs)).Int("reinserted", reinserted).Msg("Reverted transactions returned to mempool")
		}
	})

	// ── 7a. Periodic mempool maintenance ─────────────────────────────────
	mempoolStop := make(chan struct{})
	defer close(mempoolStop)
	go runMempoolEvictionLoop(pool, mempoolStop, logger)

	// ── 8. Block template production + Work Dispatcher ───────────────────
	var disp *dispatcher.Dispatcher
	if cfg.Mining.Enabled {
		coinbaseAddr, err := types.ParseAddress(cfg.Mining.Coinbase)
		if err != nil {
			logger.Fatal().Err(err).Str("coinbase", cfg.Mining.Coinbase).Msg("Invalid --coinbase address")
		}

		m := miner.New(ch, engine, pool, coinbaseAddr, params, genesis.Protocol.Consensus.MaxSupply, ch.Supply)
		logger.Info().
			Str("coinbase", coinbaseAddr.String()).
			Uint64("reward", params.Subsidy(ch.Height()+1)).
			Msg("Block template production enabled")

		if cfg.Dispatcher.Enabled {
			disp = dispatcher.New(params, m, ch, engine, pool)

			addr := fmt.Sprintf("%s:%d", cfg.Dispatcher.ListenAddr, cfg.Dispatcher.Port)
			srv := dispatcher.NewServer(params, disp)
			if err := srv.Start(addr); err != nil {
				logger.Fatal().Err(err).Str("addr", addr).Msg("Failed to start Work Dispatcher")
			}
			defer srv.Stop()
			logger.Info().Str("addr", addr).Msg("Work Dispatcher listening")

			if _, err := disp.RefreshTemplate(true); err != nil {
				logger.Warn().Err(err).Msg("Initial template build failed")
			}

			stop := make(chan struct{})
			defer close(stop)
			go runTemplateRefreshLoop(disp, params, stop, logger)
			go runIdleSweepLoop(disp, params, stop, logger)
		} else {
			logger.Warn().Msg("Block template production enabled but dispatcher disabled — no work will be published")
		}
	} else if cfg.Dispatcher.Enabled {
		logger.Warn().Msg("Work Dispatcher requires --mine; dispatcher not started")
	}

	// ── 9. Startup banner ──────────────────────────────────────────────────
	utxoCommitment, err := ch.UTXOCommitment()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to compute UTXO commitment")
	}
	logger.Info().
		Uint64("height", ch.Height()).
		Str("tip", ch.TipHash().String()[:16]+"...").
		Str("utxo_commitment", utxoCommitment.String()[:16]+"...").
		Bool("mining", cfg.Mining.Enabled).
		Bool("dispatcher", disp != nil).
		Msg("Node started successfully")

	// ── 10. Wait for shutdown ──────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	logger.Info().Msg("Goodbye!")
}

// runTemplateRefreshLoop re-checks the Work Dispatcher's refresh policy
// (new tip, stale mempool, or max template age) on a tick much shorter than
// TemplateMaxAge, so a changed tip or mempool is picked up promptly instead
// of waiting out the whole max-age window. Runs until stop is closed.
func runTemplateRefreshLoop(disp *dispatcher.Dispatcher, params config.NetworkParams, stop <-chan struct{}, logger zerolog.Logger) {
	interval := time.Duration(params.TemplateMaxAge) * time.Second / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := disp.RefreshTemplate(false); err != nil {
				logger.Warn().Err(err).Msg("Template refresh failed")
			}
		}
	}
}

// runIdleSweepLoop periodically reclaims Work Dispatcher sessions that have
// gone quiet past the network's SessionIdleTimeout.
func runIdleSweepLoop(disp *dispatcher.Dispatcher, params config.NetworkParams, stop <-chan struct{}, logger zerolog.Logger) {
	idleTimeout := time.Duration(params.SessionIdleTimeout) * time.Second
	ticker := time.NewTicker(idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			disp.Sessions().SweepIdle(idleTimeout)
		}
	}
}

// runMempoolEvictionLoop periodically trims the mempool back to its
// configured capacity, covering the case where capacity shrinks or stale
// low-fee-rate entries accumulate faster than Add's own inline eviction
// keeps up.
func runMempoolEvictionLoop(pool *mempool.Pool, stop <-chan struct{}, logger zerolog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := pool.Evict(); n > 0 {
				logger.Info().Int("evicted", n).Msg("Mempool eviction trimmed excess transactions")
			}
		}
	}
}
