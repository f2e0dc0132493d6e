package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Ayuan97/rust-bot-sub001/internal/metrics"
	"github.com/Ayuan97/rust-bot-sub001/internal/store"
	"github.com/Ayuan97/rust-bot-sub001/pkg/types"
)

const target = "srv-1"

type fakeHistory struct {
	mu    sync.Mutex
	page  []Message
	err   error
	calls int
	gate  chan struct{} // when non-nil, History blocks until closed
}

func (f *fakeHistory) History(ctx context.Context, targetID string, limit int) ([]Message, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	page, err := f.page, f.err
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return page, err
}

func (f *fakeHistory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSender struct {
	mu     sync.Mutex
	bodies []string
	err    error
}

func (f *fakeSender) Send(ctx context.Context, targetID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.bodies))
	copy(out, f.bodies)
	return out
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newEngine(t *testing.T, hist HistoryProvider, snd Sender, opts ...Option) *Engine {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.New(ctx, zap.NewNop())
	st.Inbox() <- store.SetAll{Targets: []store.RemoteTarget{{ID: target, Name: "Main"}}}
	waitFor(t, func() bool { return st.Active().Load() == target })

	if hist == nil {
		hist = &fakeHistory{}
	}
	if snd == nil {
		snd = &fakeSender{}
	}
	return New(ctx, hist, snd, st.Active(), zap.NewNop(), metrics.New(), opts...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func waitLive(t *testing.T, e *Engine) {
	t.Helper()
	waitFor(t, func() bool { return e.View(target).Phase == "live" })
}

func push(e *Engine, name, body string, ts int64) {
	e.inbox <- livePush{p: types.TeamMessage{ServerID: target, Name: name, Message: body, Time: ts}}
}

func TestMerge_HistoryDupeOfLiveIsDiscarded(t *testing.T) {
	hist := &fakeHistory{page: []Message{
		{Sender: "A", Body: "hi", Time: 1000},
		{Sender: "B", Body: "yo", Time: 999},
	}}
	e := newEngine(t, hist, nil)

	// a live message arrives before history finishes loading
	push(e, "A", "hi", 1001)
	e.Activate(target)
	waitLive(t, e)

	v := e.View(target)
	if len(v.Log) != 2 {
		t.Fatalf("log length = %d, want 2 (history dupe discarded): %+v", len(v.Log), v.Log)
	}
	// surviving history is prepended; the live entry's data is preserved
	if !v.Log[0].HistoryOrigin || v.Log[0].Body != "yo" {
		t.Fatalf("first entry should be the surviving history message, got %+v", v.Log[0])
	}
	if v.Log[1].HistoryOrigin || v.Log[1].Time != 1001*1000 {
		t.Fatalf("live entry was replaced by its history dupe: %+v", v.Log[1])
	}
}

func TestMerge_SamePageTwiceIsNoop(t *testing.T) {
	hist := &fakeHistory{page: []Message{
		{Sender: "A", Body: "one", Time: 1000},
		{Sender: "A", Body: "two", Time: 1001},
	}}
	e := newEngine(t, hist, nil)

	e.Activate(target)
	waitLive(t, e)
	first := e.View(target)

	e.Reload(target)
	waitLive(t, e)
	second := e.View(target)

	if len(first.Log) != 2 || len(second.Log) != len(first.Log) {
		t.Fatalf("second merge changed the log: %d -> %d", len(first.Log), len(second.Log))
	}
	for i := range first.Log {
		if first.Log[i] != second.Log[i] {
			t.Fatalf("entry %d changed on re-merge: %+v -> %+v", i, first.Log[i], second.Log[i])
		}
	}
}

// Pins the dedup boundary: dedup applies only when
// merging history into the existing live log, never live-into-history. A live
// push arriving after the merge is appended even when an identical history
// entry exists.
func TestMerge_LivePushAfterMergeIsDistinct(t *testing.T) {
	hist := &fakeHistory{page: []Message{{Sender: "A", Body: "hi", Time: 1000}}}
	e := newEngine(t, hist, nil)

	e.Activate(target)
	waitLive(t, e)
	if n := len(e.View(target).Log); n != 1 {
		t.Fatalf("after merge: log length %d, want 1", n)
	}

	push(e, "A", "hi", 1001)
	if n := len(e.View(target).Log); n != 2 {
		t.Fatalf("after live push: log length %d, want 2", n)
	}
}

func TestMerge_CollidingTimestampsGetUniqueIDs(t *testing.T) {
	hist := &fakeHistory{page: []Message{
		{Sender: "A", Body: "first", Time: 1000},
		{Sender: "A", Body: "second", Time: 1000},
	}}
	e := newEngine(t, hist, nil)
	e.Activate(target)
	waitLive(t, e)

	v := e.View(target)
	if len(v.Log) != 2 || v.Log[0].ID == v.Log[1].ID {
		t.Fatalf("colliding timestamps must still yield unique ids: %+v", v.Log)
	}
}

func TestActivate_ReentrantGuard(t *testing.T) {
	gate := make(chan struct{})
	hist := &fakeHistory{gate: gate}
	e := newEngine(t, hist, nil)

	e.Activate(target)
	e.Activate(target) // load in flight: must be a no-op
	waitFor(t, func() bool { return e.View(target).Phase == "history-loading" })
	close(gate)
	waitLive(t, e)

	if n := hist.callCount(); n != 1 {
		t.Fatalf("history fetched %d times, want 1", n)
	}

	// live phase without reload: still no refetch
	e.Activate(target)
	e.View(target) // barrier
	if n := hist.callCount(); n != 1 {
		t.Fatalf("activate on live target refetched history (%d calls)", n)
	}
}

func TestHistoryFailure_IsLoggedOnlyAndRetryable(t *testing.T) {
	hist := &fakeHistory{err: errors.New("boom")}
	e := newEngine(t, hist, nil)

	e.Activate(target)
	waitFor(t, func() bool { return e.View(target).Phase == "empty" })

	hist.mu.Lock()
	hist.err = nil
	hist.page = []Message{{Sender: "A", Body: "hi", Time: 1000}}
	hist.mu.Unlock()

	e.Activate(target)
	waitLive(t, e)
	if n := len(e.View(target).Log); n != 1 {
		t.Fatalf("retry after failed load did not populate the log: %d", n)
	}
}

func TestSend_FragmentsAndSingleLocalEntry(t *testing.T) {
	snd := &fakeSender{}
	e := newEngine(t, nil, snd)

	body := strings.Repeat("A", 130)
	if err := e.Send(context.Background(), target, body); err != nil {
		t.Fatalf("send: %v", err)
	}

	sent := snd.sent()
	if len(sent) != 2 || len(sent[0]) != 128 || len(sent[1]) != 2 {
		t.Fatalf("fragments = %d (%d,%d), want 2 (128,2)", len(sent), len(sent[0]), len(sent[1]))
	}

	v := e.View(target)
	var selfEntries []Message
	for _, m := range v.Log {
		if m.Self {
			selfEntries = append(selfEntries, m)
		}
	}
	if len(selfEntries) != 1 || selfEntries[0].Body != body {
		t.Fatalf("want exactly one local entry with the full body, got %+v", selfEntries)
	}
	if v.PendingCount != 2 {
		t.Fatalf("pending fragments = %d, want 2", v.PendingCount)
	}
}

func TestSend_ShortBodySingleFragment(t *testing.T) {
	snd := &fakeSender{}
	e := newEngine(t, nil, snd)

	if err := e.Send(context.Background(), target, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent := snd.sent(); len(sent) != 1 || sent[0] != "hello" {
		t.Fatalf("short body should dispatch as one fragment: %+v", sent)
	}
}

func TestSend_DispatchFailureSurfaced(t *testing.T) {
	snd := &fakeSender{err: errors.New("not connected")}
	e := newEngine(t, nil, snd)

	err := e.Send(context.Background(), target, "hello")
	if err == nil {
		t.Fatalf("dispatch failure must be surfaced, not swallowed")
	}
}

func TestEcho_SuppressedWithinWindow(t *testing.T) {
	clock := newTestClock()
	snd := &fakeSender{}
	e := newEngine(t, nil, snd, withNow(clock.now))

	body := strings.Repeat("B", 130)
	if err := e.Send(context.Background(), target, body); err != nil {
		t.Fatalf("send: %v", err)
	}
	frags := snd.sent()

	// echoes of both fragments arrive within the window: suppressed
	push(e, "You", frags[0], clock.now().Unix())
	push(e, "You", frags[1], clock.now().Unix())
	v := e.View(target)
	if got := len(v.Log); got != 1 {
		t.Fatalf("echoes appended: log length %d, want 1 (the local entry)", got)
	}
	if v.PendingCount != 0 {
		t.Fatalf("matched pending entries not consumed: %d left", v.PendingCount)
	}

	// a third push with the same body has no pending match left: appended
	push(e, "You", frags[0], clock.now().Unix())
	if got := len(e.View(target).Log); got != 2 {
		t.Fatalf("unmatched push must be appended: log length %d, want 2", got)
	}
}

func TestEcho_ExpiredWindowNotSuppressed(t *testing.T) {
	clock := newTestClock()
	snd := &fakeSender{}
	e := newEngine(t, nil, snd, withNow(clock.now))

	if err := e.Send(context.Background(), target, "late echo"); err != nil {
		t.Fatalf("send: %v", err)
	}
	clock.advance(6 * time.Second) // past the 5s echo window

	push(e, "You", "late echo", clock.now().Unix())
	v := e.View(target)
	if got := len(v.Log); got != 2 {
		t.Fatalf("expired echo should be appended: log length %d, want 2", got)
	}
	if v.Log[1].Self {
		t.Fatalf("appended echo must be marked self-originated=false")
	}
}

func TestPending_PurgedOnSend(t *testing.T) {
	clock := newTestClock()
	e := newEngine(t, nil, &fakeSender{}, withNow(clock.now))

	if err := e.Send(context.Background(), target, "first"); err != nil {
		t.Fatalf("send: %v", err)
	}
	clock.advance(11 * time.Second) // past the 10s pending bound
	if err := e.Send(context.Background(), target, "second"); err != nil {
		t.Fatalf("send: %v", err)
	}

	if got := e.View(target).PendingCount; got != 1 {
		t.Fatalf("stale pending entries not purged: %d, want 1", got)
	}
}

func TestRetention_OldestEvictedFirst(t *testing.T) {
	e := newEngine(t, nil, nil)

	for i := 0; i < Retention+10; i++ {
		push(e, "A", "msg-"+strings.Repeat("x", i%7)+string(rune('a'+i%26)), int64(1000+i))
	}
	v := e.View(target)
	if len(v.Log) != Retention {
		t.Fatalf("log length %d, want %d", len(v.Log), Retention)
	}
	if v.Log[0].Time != int64(1010)*1000 {
		t.Fatalf("oldest entries were not evicted first: head time %d", v.Log[0].Time)
	}
}

func TestScroll_UnreadCounting(t *testing.T) {
	e := newEngine(t, nil, nil)

	e.SetScroll(target, false)
	push(e, "A", "one", 1000)
	push(e, "A", "two", 1001)
	if got := e.View(target).Unread; got != 2 {
		t.Fatalf("unread = %d, want 2", got)
	}

	e.SetScroll(target, true)
	if got := e.View(target).Unread; got != 0 {
		t.Fatalf("returning to bottom must clear unread, got %d", got)
	}

	// at bottom: arrivals auto-scroll, no unread accumulation
	push(e, "A", "three", 1002)
	if got := e.View(target).Unread; got != 0 {
		t.Fatalf("unread at bottom = %d, want 0", got)
	}
}

func TestPush_InactiveTargetIgnored(t *testing.T) {
	e := newEngine(t, nil, nil)

	e.inbox <- livePush{p: types.TeamMessage{ServerID: "srv-other", Name: "A", Message: "hi", Time: 1000}}
	if got := len(e.View(target).Log); got != 0 {
		t.Fatalf("push for inactive target leaked into active log")
	}
}
