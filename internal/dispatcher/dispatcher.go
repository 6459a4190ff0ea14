// Package dispatcher implements the Work Dispatcher: block template
// generation, the newline-delimited JSON mining protocol, share validation,
// and reward attribution for connected miner sessions (spec.md §4.6).
package dispatcher

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smellycoin/smellycoin/config"
	"github.com/smellycoin/smellycoin/internal/consensus"
	"github.com/smellycoin/smellycoin/internal/klog"
	"github.com/smellycoin/smellycoin/internal/miner"
	"github.com/smellycoin/smellycoin/pkg/block"
	"github.com/smellycoin/smellycoin/pkg/codec"
	"github.com/smellycoin/smellycoin/pkg/kawpow"
	"github.com/smellycoin/smellycoin/pkg/tx"
	"github.com/smellycoin/smellycoin/pkg/types"
)

// Share validation errors (mapped to wire error codes in server.go).
var (
	ErrJobUnknown      = errors.New("job unknown")
	ErrStaleShare      = errors.New("stale share")
	ErrDuplicateShare  = errors.New("duplicate share")
	ErrLowDifficulty   = errors.New("low difficulty share")
	ErrUnauthorizedSub = errors.New("unauthorized worker")
	ErrNotSubscribed   = errors.New("not subscribed")
	ErrBadShareTime    = errors.New("share timestamp outside window")
)

// Chain is the subset of internal/chain.Chain the dispatcher needs: tip
// state for staleness/refresh decisions and ProcessBlock to hand off a
// fully assembled block once a share meets the network target.
type Chain interface {
	Height() uint64
	TipHash() types.Hash
	TipTimestamp() uint64
	ProcessBlock(blk *block.Block) error
}

// Dispatcher owns template refresh, job tracking, share validation, and
// reward attribution — spec.md §4.6's Work Dispatcher.
type Dispatcher struct {
	params   config.NetworkParams
	miner    *miner.Miner
	chain    Chain
	engine   *consensus.KawpowEngine
	pool     mempoolObserver
	jobs     *JobStore
	sessions *SessionManager
	ledger   *PayoutLedger

	extranonce1Size int
	extranonce2Size int

	mu               sync.Mutex // Guards the refresh-policy and dedupe state below.
	lastRefreshTip   types.Hash
	lastRefreshAt    time.Time
	lastMempoolCount int
	lastMempoolFees  uint64
	shareSeen        map[string]struct{} // "jobID/extranonce2/nonce" dedupe set.
}

// mempoolObserver is the subset of mempool.Pool the dispatcher's refresh
// policy needs to detect a "material" change (spec.md §4.6).
type mempoolObserver interface {
	Count() int
	TotalFees() uint64
}

// New creates a Work Dispatcher. extranonce1Size/extranonce2Size are in
// bytes (spec.md §3 default: 4 and 4).
func New(params config.NetworkParams, m *miner.Miner, ch Chain, engine *consensus.KawpowEngine, pool mempoolObserver) *Dispatcher {
	return &Dispatcher{
		params:          params,
		miner:           m,
		chain:           ch,
		engine:          engine,
		pool:            pool,
		jobs:            NewJobStore(params.MaxJobs),
		sessions:        NewSessionManager(),
		ledger:          NewPayoutLedger(0),
		extranonce1Size: 4,
		extranonce2Size: 4,
		shareSeen:       make(map[string]struct{}),
	}
}

// Sessions exposes the session manager (for the TCP server and tests).
func (d *Dispatcher) Sessions() *SessionManager { return d.sessions }

// Ledger exposes the payout ledger.
func (d *Dispatcher) Ledger() *PayoutLedger { return d.ledger }

// Subscribe registers a fresh session and returns the wire subscribe
// result tuple (spec.md §6): subscription details, extranonce1 hex, and
// extranonce2_size.
func (d *Dispatcher) Subscribe() (*Session, []interface{}, string) {
	sess := d.sessions.New(d.extranonce2Size, d.params.DefaultShareDifficulty)
	subID := sess.ID
	sess.Subscribe(subID)

	result := []interface{}{
		[][]string{
			{MethodSetDifficulty, subID},
			{MethodNotify, subID},
		},
		hex.EncodeToString(sess.Extranonce1),
		d.extranonce2Size,
	}
	return sess, result, subID
}

// Authorize validates and applies an authorize request. password is
// accepted but not checked — spec.md §4.6 leaves credential policy to an
// external collaborator; the core only gates the session state machine.
func (d *Dispatcher) Authorize(sess *Session, worker, password string) error {
	if worker == "" {
		return fmt.Errorf("%w: empty worker name", ErrUnauthorizedSub)
	}
	if err := sess.Authorize(worker, payoutAddress(worker)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorizedSub, err)
	}
	return nil
}

// CurrentJobNotification builds the set_difficulty + notify pair a
// newly-authorized session receives immediately (spec.md §4.6: "authorize
// moves to Authorized and immediately dispatches set_difficulty and the
// current job").
func (d *Dispatcher) CurrentJobNotification(sess *Session) (setDiff, notify []byte, ok bool) {
	job, found := d.jobs.Current()
	if !found {
		return nil, nil, false
	}
	sess.CurrentJobID = job.ID
	sess.MarkActive()

	setDiff = EncodeNotification(MethodSetDifficulty, []interface{}{sess.Difficulty})
	notify = encodeNotify(job)
	return setDiff, notify, true
}

func encodeNotify(job *Job) []byte {
	branches := make([]string, len(job.MerkleBranches))
	for i, b := range job.MerkleBranches {
		branches[i] = b.String()
	}
	params := []interface{}{
		job.ID,
		reversedHex(job.PrevHash),
		hex.EncodeToString(job.CoinbasePrefix),
		hex.EncodeToString(job.CoinbaseSuffix),
		branches,
		fmt.Sprintf("%08x", job.Version),
		fmt.Sprintf("%08x", job.Bits),
		fmt.Sprintf("%08x", job.Time),
		job.CleanFlag,
	}
	return EncodeNotification(MethodNotify, params)
}

// reversedHex renders a hash byte-reversed, per the convention spec.md §6
// says this protocol inherits for notify's hash fields.
func reversedHex(h types.Hash) string {
	rev := make([]byte, len(h))
	for i := range h {
		rev[i] = h[len(h)-1-i]
	}
	return hex.EncodeToString(rev)
}

// RefreshTemplate builds a new job from the current chain tip and
// mempool, registers it, and returns it. force bypasses the "no material
// change" skip so callers (a new best block, a max-age timer) always get
// a fresh job.
func (d *Dispatcher) RefreshTemplate(force bool) (*Job, error) {
	d.mu.Lock()
	if !force && !d.shouldRefreshLocked() {
		d.mu.Unlock()
		return nil, nil
	}
	d.mu.Unlock()

	timestamp := uint64(time.Now().Unix())
	blk, err := d.miner.BuildTemplate(timestamp)
	if err != nil {
		return nil, fmt.Errorf("build template: %w", err)
	}

	job, err := d.buildJob(blk)
	if err != nil {
		return nil, fmt.Errorf("build job: %w", err)
	}

	d.jobs.Add(job)

	d.mu.Lock()
	d.lastRefreshTip = blk.Header.PrevHash
	d.lastRefreshAt = time.Now()
	if d.pool != nil {
		d.lastMempoolCount = d.pool.Count()
		d.lastMempoolFees = d.pool.TotalFees()
	}
	d.mu.Unlock()

	frame := encodeNotify(job)
	d.sessions.Broadcast(frame)
	if job.CleanFlag {
		klog.Dispatcher.Info().Str("job", job.ID).Uint64("height", job.Height).Msg("new clean job")
	}
	return job, nil
}

// shouldRefreshLocked implements the template refresh policy (spec.md
// §4.6): a new best block, a materially changed mempool, or a max-age
// timer. Caller must hold d.mu.
func (d *Dispatcher) shouldRefreshLocked() bool {
	if d.chain.TipHash() != d.lastRefreshTip {
		return true
	}
	if time.Since(d.lastRefreshAt) >= time.Duration(d.params.TemplateMaxAge)*time.Second {
		return true
	}
	if d.pool != nil {
		if absDiffInt(d.pool.Count(), d.lastMempoolCount) > 0 && d.pool.Count() > 0 {
			// Any count change is material while the pool is non-empty;
			// fee-total drift catches replace-by-fee churn at equal count.
			return true
		}
		if d.pool.TotalFees() != d.lastMempoolFees {
			return true
		}
	}
	return false
}

func absDiffInt(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

// buildJob constructs a Job from an unsealed template block: it extends
// the coinbase with an extranonce placeholder, splits the resulting
// signing bytes around it, and caches the merkle branches.
func (d *Dispatcher) buildJob(blk *block.Block) (*Job, error) {
	extranonceLen := d.extranonce1Size + d.extranonce2Size
	coinbase := blk.Transactions[0]
	if len(coinbase.Inputs) != 1 {
		return nil, fmt.Errorf("coinbase must have exactly one input")
	}

	heightBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(heightBytes, blk.Header.Height)
	placeholderOffset := len(heightBytes)
	sig := make([]byte, placeholderOffset+extranonceLen)
	copy(sig, heightBytes)

	template := &tx.Transaction{
		Version: coinbase.Version,
		Inputs: []tx.Input{{
			PrevOut:   coinbase.Inputs[0].PrevOut,
			Signature: sig,
		}},
		Outputs:  coinbase.Outputs,
		LockTime: coinbase.LockTime,
	}

	full := template.SigningBytes()
	prefixLen := coinbaseSpliceOffset(placeholderOffset)
	prefix := append([]byte(nil), full[:prefixLen]...)
	suffix := append([]byte(nil), full[prefixLen+extranonceLen:]...)

	txHashes := make([]types.Hash, len(blk.Transactions))
	txHashes[0] = types.Hash{} // Placeholder; branches don't depend on the coinbase hash itself.
	for i := 1; i < len(blk.Transactions); i++ {
		txHashes[i] = blk.Transactions[i].Hash()
	}
	branches := block.BranchesForCoinbase(txHashes)

	target, err := codec.CompactToTarget(blk.Header.Bits)
	if err != nil {
		return nil, fmt.Errorf("job target: %w", err)
	}

	return &Job{
		ID:               d.jobs.NextID(),
		PrevHash:         blk.Header.PrevHash,
		CoinbaseTemplate: template,
		ExtranonceOffset: placeholderOffset,
		ExtranonceLen:    extranonceLen,
		CoinbasePrefix:   prefix,
		CoinbaseSuffix:   suffix,
		MerkleBranches:   branches,
		Transactions:     blk.Transactions[1:],
		Version:          blk.Header.Version,
		Bits:             blk.Header.Bits,
		Target:           target,
		Time:             blk.Header.Timestamp,
		Height:           blk.Header.Height,
		CreatedAt:        time.Now(),
	}, nil
}

// coinbaseSpliceOffset is the byte offset of the extranonce placeholder
// within a single-input coinbase's signing bytes: version(4) +
// input_count(4) + prevout(36) + sig_len(4), then sigHeightLen bytes of
// height data (see Transaction.SigningBytes for the exact layout), with
// the placeholder starting immediately after.
func coinbaseSpliceOffset(sigHeightLen int) int {
	const versionLen, inputCountLen, prevOutLen, sigLenLen = 4, 4, 36, 4
	return versionLen + inputCountLen + prevOutLen + sigLenLen + sigHeightLen
}

// SubmitResult is the outcome of a share-validation pipeline run.
type SubmitResult struct {
	Accepted    bool
	MeetsNet    bool
	Block       *block.Block
	BlockReward uint64
}

// Submit runs spec.md §4.6's share validation pipeline against a
// (jobID, extranonce2, time, nonce) submission from sess.
func (d *Dispatcher) Submit(sess *Session, jobID, extranonce2Hex, timeHex, nonceHex string) (SubmitResult, error) {
	if !sess.CanSubmit() {
		return SubmitResult{}, ErrNotSubscribed
	}

	job, ok := d.jobs.Get(jobID)
	if !ok {
		return SubmitResult{}, ErrJobUnknown
	}
	if job.Superseded() {
		return SubmitResult{}, ErrStaleShare
	}

	if len(timeHex) != 8 || len(nonceHex) != 16 {
		return SubmitResult{}, fmt.Errorf("%w: bad field width", ErrBadShareTime)
	}
	extranonce2, err := hex.DecodeString(extranonce2Hex)
	if err != nil || len(extranonce2) != sess.Extranonce2Size {
		return SubmitResult{}, fmt.Errorf("bad extranonce2")
	}

	dedupeKey := jobID + "/" + extranonce2Hex + "/" + nonceHex
	d.mu.Lock()
	_, seen := d.shareSeen[dedupeKey]
	if !seen {
		d.shareSeen[dedupeKey] = struct{}{}
	}
	d.mu.Unlock()
	if seen {
		return SubmitResult{}, ErrDuplicateShare
	}

	timeBytes, _ := hex.DecodeString(timeHex)
	nonceBytes, _ := hex.DecodeString(nonceHex)
	submittedTime := uint64(binary.BigEndian.Uint32(timeBytes))
	nonce := binary.BigEndian.Uint64(nonceBytes)

	if int64(submittedTime) > time.Now().Unix()+d.params.FutureTimeLimit ||
		int64(submittedTime) < int64(job.Time)-d.params.FutureTimeLimit {
		return SubmitResult{}, ErrBadShareTime
	}

	extranonce := append(append([]byte(nil), sess.Extranonce1...), extranonce2...)
	coinbase, err := job.SpliceCoinbase(extranonce)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("splice coinbase: %w", err)
	}
	merkleRoot := job.MerkleRoot(coinbase)

	header := &block.Header{
		Version:    job.Version,
		PrevHash:   job.PrevHash,
		MerkleRoot: merkleRoot,
		Timestamp:  submittedTime,
		Height:     job.Height,
		Bits:       job.Bits,
		Nonce:      nonce,
	}

	epoch := kawpow.Epoch(job.Height, d.params.KAWPOW)
	cache, err := d.engine.Caches.Get(epoch)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("kawpow cache: %w", err)
	}
	mix, final := kawpow.Pow(header.PowPreimage(), nonce, cache, d.params.KAWPOW)

	shareTarget := codec.DifficultyToTarget(sess.Difficulty, mustMaxTarget(d.params))
	if !codec.HashMeetsTarget(final, shareTarget) {
		sess.RecordShare(false)
		return SubmitResult{}, ErrLowDifficulty
	}
	sess.RecordShare(true)

	result := SubmitResult{Accepted: true}
	if codec.HashMeetsTarget(final, job.Target) {
		header.MixHash = mix
		txs := make([]*tx.Transaction, 0, 1+len(job.Transactions))
		txs = append(txs, coinbase)
		txs = append(txs, job.Transactions...)
		fullBlock := block.NewBlock(header, txs)

		if err := d.chain.ProcessBlock(fullBlock); err != nil {
			klog.Dispatcher.Warn().Err(err).Str("job", jobID).Msg("share met network target but block rejected")
		} else {
			result.MeetsNet = true
			result.Block = fullBlock
			reward := d.params.Subsidy(job.Height)
			result.BlockReward = reward
			distributeReward(d.sessions.All(), reward, d.params.PoolFeePercent, d.ledger)
			klog.Dispatcher.Info().Str("job", jobID).Uint64("height", job.Height).Msg("share solved block")
		}
	}

	return result, nil
}

func mustMaxTarget(params config.NetworkParams) types.Hash {
	t, err := codec.CompactToTarget(params.MinDifficultyBits)
	if err != nil {
		return types.Hash{}
	}
	return t
}
