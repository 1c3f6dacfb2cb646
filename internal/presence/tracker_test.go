package presence

import (
	"sync"
	"testing"
	"time"

	"go-relay/internal/models"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *sinkRecorder) sink(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *sinkRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *sinkRecorder) typingCount(user, convID string, active bool) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Kind == KindTyping && ev.User == user && ev.ConvID == convID && ev.Active == active {
			n++
		}
	}
	return n
}

// newTestTracker 返回带可拨时钟的跟踪器。
func newTestTracker(t *testing.T) (*Tracker, *sinkRecorder, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tr := NewTracker(3 * time.Second)
	tr.Now = func() time.Time { return now }
	rec := &sinkRecorder{}
	tr.AddSink(rec.sink)
	return tr, rec, &now
}

func TestOnlineOfflineTransitions(t *testing.T) {
	tr, rec, now := newTestTracker(t)

	tr.SetOnline("u1")
	tr.SetOnline("u1") // 第二条连接不再发事件

	evs := rec.snapshot()
	if len(evs) != 1 || evs[0].Kind != KindPresence || evs[0].Status != models.PresenceOnline {
		t.Fatalf("expected single online event, got %+v", evs)
	}

	*now = now.Add(time.Minute)
	tr.SetOffline("u1")
	evs = rec.snapshot()
	if len(evs) != 2 || evs[1].Status != models.PresenceOffline {
		t.Fatalf("expected offline event, got %+v", evs)
	}
	snap := tr.Snapshot("u1")
	if snap.Status != models.PresenceOffline || !snap.LastSeen.Equal(*now) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestSnapshotUnknownUserIsOffline(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	snap := tr.Snapshot("ghost")
	if snap.Status != models.PresenceOffline || !snap.LastSeen.IsZero() || len(snap.Typing) != 0 {
		t.Fatalf("unexpected snapshot for unknown user: %+v", snap)
	}
}

func TestTypingDebounce(t *testing.T) {
	tr, rec, now := newTestTracker(t)

	// 键击风暴：10 次 SetTyping 挤在去抖窗口内
	for i := 0; i < 10; i++ {
		tr.SetTyping("u1", "c2c:u1:u2", 6*time.Second)
		*now = now.Add(200 * time.Millisecond)
	}
	if got := rec.typingCount("u1", "c2c:u1:u2", true); got != 1 {
		t.Fatalf("expected 1 announced typing event, got %d", got)
	}

	// 越过重播间隔后再键入，允许重播一次
	*now = now.Add(3 * time.Second)
	tr.SetTyping("u1", "c2c:u1:u2", 6*time.Second)
	if got := rec.typingCount("u1", "c2c:u1:u2", true); got != 2 {
		t.Fatalf("expected reannounce after interval, got %d", got)
	}
}

func TestTypingExpiryViaSweep(t *testing.T) {
	tr, rec, now := newTestTracker(t)

	tr.SetTyping("u1", "group:g1", 6*time.Second)
	if n := tr.Sweep(); n != 0 {
		t.Fatalf("expected nothing to sweep yet, got %d", n)
	}

	*now = now.Add(7 * time.Second)
	if snap := tr.Snapshot("u1"); len(snap.Typing) != 0 {
		t.Fatalf("expected lazy expiry in snapshot, got %+v", snap.Typing)
	}
	if n := tr.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept entry, got %d", n)
	}
	if got := rec.typingCount("u1", "group:g1", false); got != 1 {
		t.Fatalf("expected synthetic stopped event, got %d", got)
	}
	// 再清扫无事发生
	if n := tr.Sweep(); n != 0 {
		t.Fatalf("expected idempotent sweep, got %d", n)
	}
}

func TestTypingRefreshExtendsTTL(t *testing.T) {
	tr, _, now := newTestTracker(t)

	tr.SetTyping("u1", "group:g1", 6*time.Second)
	*now = now.Add(5 * time.Second)
	tr.SetTyping("u1", "group:g1", 6*time.Second) // 续期

	*now = now.Add(5 * time.Second) // 距首次 10s，距续期 5s
	if snap := tr.Snapshot("u1"); len(snap.Typing) != 1 {
		t.Fatalf("expected refreshed entry alive, got %+v", snap.Typing)
	}
}

func TestClearTypingEmitsStopped(t *testing.T) {
	tr, rec, _ := newTestTracker(t)

	tr.ClearTyping("u1", "group:g1") // 未激活时无事发生
	if got := rec.typingCount("u1", "group:g1", false); got != 0 {
		t.Fatalf("expected no stopped event, got %d", got)
	}

	tr.SetTyping("u1", "group:g1", 6*time.Second)
	tr.ClearTyping("u1", "group:g1")
	if got := rec.typingCount("u1", "group:g1", false); got != 1 {
		t.Fatalf("expected stopped event, got %d", got)
	}
	if snap := tr.Snapshot("u1"); len(snap.Typing) != 0 {
		t.Fatalf("expected typing cleared, got %+v", snap.Typing)
	}
}

func TestOfflineStopsActiveTyping(t *testing.T) {
	tr, rec, _ := newTestTracker(t)

	tr.SetOnline("u1")
	tr.SetTyping("u1", "group:g1", 6*time.Second)
	tr.SetTyping("u1", "c2c:u1:u2", 6*time.Second)
	tr.SetOffline("u1")

	if got := rec.typingCount("u1", "group:g1", false); got != 1 {
		t.Fatalf("expected stopped for group conv, got %d", got)
	}
	if got := rec.typingCount("u1", "c2c:u1:u2", false); got != 1 {
		t.Fatalf("expected stopped for c2c conv, got %d", got)
	}
}

func TestSubscribeReceivesConversationEvents(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	ch, cancel := tr.Subscribe("c2c:u1:u2")
	defer cancel()

	tr.SetTyping("u1", "c2c:u1:u2", 6*time.Second)
	select {
	case ev := <-ch:
		if ev.Kind != KindTyping || ev.User != "u1" || !ev.Active {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for typing event")
	}

	// c2c 参与者的在线转换也进订阅流
	tr.SetOnline("u2")
	select {
	case ev := <-ch:
		if ev.Kind != KindPresence || ev.User != "u2" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for presence event")
	}

	// 其他会话的输入不进流
	tr.SetTyping("u3", "group:g9", 6*time.Second)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected cross-conversation event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReapOffline(t *testing.T) {
	tr, _, now := newTestTracker(t)

	tr.SetOnline("idle")
	tr.SetOffline("idle")
	tr.SetOnline("active")

	*now = now.Add(2 * time.Hour)
	if n := tr.ReapOffline(time.Hour); n != 1 {
		t.Fatalf("expected 1 reaped record, got %d", n)
	}
	if snap := tr.Snapshot("active"); snap.Status != models.PresenceOnline {
		t.Fatal("expected online user kept")
	}
}

type flakyMirror struct {
	calls int
}

func (m *flakyMirror) MirrorOnline(user string, at time.Time) error {
	m.calls++
	return errTest
}

func (m *flakyMirror) MirrorOffline(user string, at time.Time) error {
	m.calls++
	return errTest
}

var errTest = &mirrorErr{}

type mirrorErr struct{}

func (*mirrorErr) Error() string { return "mirror down" }

func TestMirrorFailureIsSwallowed(t *testing.T) {
	tr, rec, _ := newTestTracker(t)
	m := &flakyMirror{}
	tr.Mirror = m

	tr.SetOnline("u1")
	tr.SetOffline("u1")
	if m.calls != 2 {
		t.Fatalf("expected 2 mirror calls, got %d", m.calls)
	}
	// 镜像故障不拦截事件
	if evs := rec.snapshot(); len(evs) != 2 {
		t.Fatalf("expected 2 presence events despite mirror failure, got %d", len(evs))
	}
}
