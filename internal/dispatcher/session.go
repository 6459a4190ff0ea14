package dispatcher

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState is the miner session lifecycle state machine (spec.md
// §4.6): Initial -> Handshaking -> Authorized -> Active -> (Idle ->
// reclaimed | Disconnected). submit is only accepted from Authorized or
// Active; every other state answers submit with ErrNotSubscribed (code 25).
type SessionState int32

const (
	StateInitial SessionState = iota
	StateHandshaking
	StateAuthorized
	StateActive
	StateIdle
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateHandshaking:
		return "handshaking"
	case StateAuthorized:
		return "authorized"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// notifyQueueDepth bounds the per-session outbound notification queue.
// Responses to a session's own requests are written directly and never
// go through this queue, so a full queue only ever drops stale broadcast
// notifications (spec.md §5: "slow writers cause drop of stale
// notifications but never of responses").
const notifyQueueDepth = 8

// Session holds one connected miner's protocol state: subscription
// identity, extranonce assignment, per-session share difficulty, and
// accounting (spec.md §3 "Miner session").
type Session struct {
	ID               string
	WorkerName       string
	PayoutAddr       string // Raw worker-supplied address string (stored at authorize, not validated).
	SubscriptionID   string
	Extranonce1      []byte
	Extranonce2Size  int
	Difficulty       float64
	CurrentJobID     string
	LastActivity     int64 // Unix seconds, atomic.
	SharesAccepted   uint64
	SharesRejected   uint64
	WindowShares     uint64 // Shares accepted in the current payout window.
	ConnectedAt      time.Time

	state atomic.Int32

	mu             sync.Mutex
	protocolErrors []int64 // Unix-second timestamps within ProtocolErrorWindow.
	bannedUntil    int64   // Unix seconds; 0 = not banned.

	Outbox chan []byte // Buffered notification queue (set_difficulty/notify).
}

// NewSession creates a session in the Initial state with a freshly
// allocated extranonce1.
func NewSession(id string, extranonce1 []byte, extranonce2Size int, initialDifficulty float64) *Session {
	s := &Session{
		ID:              id,
		Extranonce1:     extranonce1,
		Extranonce2Size: extranonce2Size,
		Difficulty:      initialDifficulty,
		ConnectedAt:     time.Now(),
		Outbox:          make(chan []byte, notifyQueueDepth),
	}
	s.state.Store(int32(StateInitial))
	s.touch()
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// touch records activity for the idle-timeout sweep.
func (s *Session) touch() {
	atomic.StoreInt64(&s.LastActivity, time.Now().Unix())
}

// IdleSince returns how long the session has been inactive.
func (s *Session) IdleSince() time.Duration {
	last := atomic.LoadInt64(&s.LastActivity)
	return time.Since(time.Unix(last, 0))
}

// Subscribe transitions Initial -> Handshaking, assigning a subscription
// ID. Re-subscribing from Handshaking is tolerated (idempotent retry).
func (s *Session) Subscribe(subscriptionID string) error {
	cur := s.State()
	if cur != StateInitial && cur != StateHandshaking {
		return fmt.Errorf("subscribe: invalid from state %s", cur)
	}
	s.SubscriptionID = subscriptionID
	s.state.Store(int32(StateHandshaking))
	s.touch()
	return nil
}

// Authorize transitions Handshaking -> Authorized, recording the worker
// name and claimed payout address.
func (s *Session) Authorize(workerName, payoutAddr string) error {
	cur := s.State()
	if cur != StateHandshaking && cur != StateAuthorized {
		return fmt.Errorf("authorize: invalid from state %s", cur)
	}
	s.WorkerName = workerName
	s.PayoutAddr = payoutAddr
	s.state.Store(int32(StateAuthorized))
	s.touch()
	return nil
}

// MarkActive transitions Authorized -> Active, on first job dispatch.
func (s *Session) MarkActive() {
	if s.State() == StateAuthorized {
		s.state.Store(int32(StateActive))
	}
	s.touch()
}

// CanSubmit reports whether submit is valid in the current state
// (Authorized or Active only — spec.md §8 "submit in any state other than
// Authorized/Active returns error code 25").
func (s *Session) CanSubmit() bool {
	cur := s.State()
	return cur == StateAuthorized || cur == StateActive
}

// MarkIdle transitions into Idle once IdleSince exceeds the configured
// timeout; the dispatcher's sweep removes Idle sessions afterward.
func (s *Session) MarkIdle() {
	s.state.Store(int32(StateIdle))
}

// Disconnect marks the session terminal.
func (s *Session) Disconnect() {
	s.state.Store(int32(StateDisconnected))
	s.mu.Lock()
	outbox := s.Outbox
	s.mu.Unlock()
	if outbox != nil {
		// Draining rather than closing avoids a send-on-closed-channel
		// panic if a writer goroutine races the disconnect.
		for {
			select {
			case <-outbox:
			default:
				return
			}
		}
	}
}

// Enqueue pushes a notification frame to the session's outbox, dropping
// the oldest queued notification if full rather than blocking — per
// spec.md §5, stale notifications may be dropped but the session is never
// stalled waiting on a slow reader.
func (s *Session) Enqueue(frame []byte) {
	select {
	case s.Outbox <- frame:
	default:
		select {
		case <-s.Outbox:
		default:
		}
		select {
		case s.Outbox <- frame:
		default:
		}
	}
}

// RecordShare updates the accepted/rejected counters and the current
// payout window's share count.
func (s *Session) RecordShare(accepted bool) {
	if accepted {
		atomic.AddUint64(&s.SharesAccepted, 1)
		atomic.AddUint64(&s.WindowShares, 1)
	} else {
		atomic.AddUint64(&s.SharesRejected, 1)
	}
	s.touch()
}

// ResetWindow zeroes the payout-window share count (called after reward
// attribution distributes the current window).
func (s *Session) ResetWindow() {
	atomic.StoreUint64(&s.WindowShares, 0)
}

// RecordProtocolError logs a malformed-input timestamp and reports whether
// the session just crossed the ban threshold within the configured window
// (spec.md §4.6: "repeated errors... ban the peer for a configurable
// duration"). Grounded on the teacher's p2p.BanManager offense-scoring
// shape, simplified to a sliding window since a single error kind applies.
func (s *Session) RecordProtocolError(now int64, maxErrors int, window int64, banDuration int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now - window
	kept := s.protocolErrors[:0]
	for _, ts := range s.protocolErrors {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	s.protocolErrors = kept

	if len(s.protocolErrors) >= maxErrors {
		s.bannedUntil = now + banDuration
		return true
	}
	return false
}

// Banned reports whether the session is currently within a ban window.
func (s *Session) Banned(now int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bannedUntil > now
}

// allocExtranonce1 derives a unique 4-byte extranonce1 from a monotonic
// counter, giving each session a disjoint nonce subspace (spec.md §3
// "extranonce1 is unique per session").
func allocExtranonce1(counter uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, counter)
	return b
}

// SessionManager owns the set of connected sessions and extranonce1
// allocation.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	counter  uint32
	idCount  uint64
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// New creates and registers a fresh session with a unique extranonce1.
func (m *SessionManager) New(extranonce2Size int, initialDifficulty float64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idCount++
	m.counter++
	id := fmt.Sprintf("sess-%d", m.idCount)
	sess := NewSession(id, allocExtranonce1(m.counter), extranonce2Size, initialDifficulty)
	m.sessions[id] = sess
	return sess
}

// Remove drops a session from the manager.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// All returns a snapshot slice of every registered session.
func (m *SessionManager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast enqueues a notification frame to every registered session.
func (m *SessionManager) Broadcast(frame []byte) {
	for _, s := range m.All() {
		s.Enqueue(frame)
	}
}

// SweepIdle transitions sessions inactive beyond idleTimeout to Idle, then
// removes ones already Idle or Disconnected — the reclaim half of
// spec.md §4.6's "inactivity beyond a timeout... moves the session to
// Idle and then removes it".
func (m *SessionManager) SweepIdle(idleTimeout time.Duration) {
	for _, s := range m.All() {
		switch s.State() {
		case StateIdle, StateDisconnected:
			m.Remove(s.ID)
		default:
			if s.IdleSince() > idleTimeout {
				s.MarkIdle()
			}
		}
	}
}
