package dispatcher

import (
	"testing"
	"time"
)

func TestSession_Lifecycle_HappyPath(t *testing.T) {
	sess := NewSession("s1", []byte{1, 2, 3, 4}, 4, 1.0)
	if sess.State() != StateInitial {
		t.Fatalf("new session state = %s, want initial", sess.State())
	}
	if sess.CanSubmit() {
		t.Fatal("a freshly created session must not accept submits")
	}

	if err := sess.Subscribe("s1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sess.State() != StateHandshaking {
		t.Fatalf("state after subscribe = %s, want handshaking", sess.State())
	}

	if err := sess.Authorize("worker1.rig1", "worker1"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if sess.State() != StateAuthorized {
		t.Fatalf("state after authorize = %s, want authorized", sess.State())
	}
	if !sess.CanSubmit() {
		t.Fatal("an authorized session must accept submits")
	}

	sess.MarkActive()
	if sess.State() != StateActive {
		t.Fatalf("state after MarkActive = %s, want active", sess.State())
	}
	if !sess.CanSubmit() {
		t.Fatal("an active session must accept submits")
	}
}

func TestSession_Authorize_RequiresSubscribeFirst(t *testing.T) {
	sess := NewSession("s1", []byte{1, 2, 3, 4}, 4, 1.0)
	if err := sess.Authorize("worker1", "worker1"); err == nil {
		t.Fatal("authorize before subscribe should be rejected")
	}
}

func TestSession_Disconnect_DrainsOutbox(t *testing.T) {
	sess := NewSession("s1", []byte{1, 2, 3, 4}, 4, 1.0)
	sess.Enqueue([]byte("a"))
	sess.Enqueue([]byte("b"))
	sess.Disconnect()

	if sess.State() != StateDisconnected {
		t.Fatal("Disconnect should move the session to Disconnected")
	}
	select {
	case <-sess.Outbox:
		t.Fatal("Outbox should be drained after Disconnect")
	default:
	}
}

func TestSession_Enqueue_DropsOldestWhenFull(t *testing.T) {
	sess := NewSession("s1", []byte{1, 2, 3, 4}, 4, 1.0)
	for i := 0; i < notifyQueueDepth+3; i++ {
		sess.Enqueue([]byte{byte(i)})
	}
	if len(sess.Outbox) != notifyQueueDepth {
		t.Fatalf("Outbox length = %d, want bounded at %d", len(sess.Outbox), notifyQueueDepth)
	}
	// The queue should hold the most recently enqueued frames, not the
	// earliest ones.
	last := <-sess.Outbox
	for len(sess.Outbox) > 0 {
		last = <-sess.Outbox
	}
	if last[0] != byte(notifyQueueDepth+2) {
		t.Fatalf("final queued frame = %d, want %d", last[0], notifyQueueDepth+2)
	}
}

func TestSession_RecordShare_UpdatesCounters(t *testing.T) {
	sess := NewSession("s1", []byte{1, 2, 3, 4}, 4, 1.0)
	sess.RecordShare(true)
	sess.RecordShare(true)
	sess.RecordShare(false)

	if sess.SharesAccepted != 2 {
		t.Fatalf("SharesAccepted = %d, want 2", sess.SharesAccepted)
	}
	if sess.SharesRejected != 1 {
		t.Fatalf("SharesRejected = %d, want 1", sess.SharesRejected)
	}
	if sess.WindowShares != 2 {
		t.Fatalf("WindowShares = %d, want 2", sess.WindowShares)
	}

	sess.ResetWindow()
	if sess.WindowShares != 0 {
		t.Fatal("ResetWindow should zero the payout-window counter")
	}
	if sess.SharesAccepted != 2 {
		t.Fatal("ResetWindow must not touch the lifetime accepted counter")
	}
}

func TestSession_RecordProtocolError_BansAtThreshold(t *testing.T) {
	sess := NewSession("s1", []byte{1, 2, 3, 4}, 4, 1.0)
	now := time.Now().Unix()

	var banned bool
	for i := 0; i < 3; i++ {
		banned = sess.RecordProtocolError(now, 3, 600, 60)
	}
	if !banned {
		t.Fatal("crossing maxErrors within the window should ban the session")
	}
	if !sess.Banned(now) {
		t.Fatal("Banned should report true immediately after the ban is applied")
	}
	if sess.Banned(now + 61) {
		t.Fatal("Banned should expire after banDuration elapses")
	}
}

func TestSession_RecordProtocolError_WindowSlidesOut(t *testing.T) {
	sess := NewSession("s1", []byte{1, 2, 3, 4}, 4, 1.0)
	sess.RecordProtocolError(1000, 3, 10, 60)
	sess.RecordProtocolError(1005, 3, 10, 60)
	// This third error is outside the 10s window relative to the first two,
	// so it alone shouldn't carry the old ones across the ban threshold.
	banned := sess.RecordProtocolError(1020, 3, 10, 60)
	if banned {
		t.Fatal("errors outside the sliding window should not count toward the ban threshold")
	}
}

func TestSessionManager_New_AssignsDisjointExtranonce1(t *testing.T) {
	mgr := NewSessionManager()
	a := mgr.New(4, 1.0)
	b := mgr.New(4, 1.0)
	if string(a.Extranonce1) == string(b.Extranonce1) {
		t.Fatal("distinct sessions must receive distinct extranonce1 values")
	}
}

func TestSessionManager_SweepIdle_RemovesStaleSessions(t *testing.T) {
	mgr := NewSessionManager()
	sess := mgr.New(4, 1.0)
	sess.LastActivity = time.Now().Add(-time.Hour).Unix()

	mgr.SweepIdle(time.Minute)
	if len(mgr.All()) != 1 {
		t.Fatal("first sweep should mark the stale session Idle, not remove it yet")
	}
	if sess.State() != StateIdle {
		t.Fatalf("state after first sweep = %s, want idle", sess.State())
	}

	mgr.SweepIdle(time.Minute)
	if len(mgr.All()) != 0 {
		t.Fatal("second sweep should reclaim the now-Idle session")
	}
}
