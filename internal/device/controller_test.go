package device

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ayuan97/rust-bot-sub001/internal/metrics"
	"github.com/Ayuan97/rust-bot-sub001/internal/store"
	"github.com/Ayuan97/rust-bot-sub001/internal/transport"
)

// fakeRequester resolves each request through a per-call reply channel so
// tests control resolution order.
type fakeRequester struct {
	mu    sync.Mutex
	calls []*fakeCall
}

type fakeCall struct {
	kind    string
	payload any
	reply   chan fakeReply
}

type fakeReply struct {
	data json.RawMessage
	err  error
}

func (f *fakeRequester) Request(ctx context.Context, kind string, payload any) (json.RawMessage, error) {
	call := &fakeCall{kind: kind, payload: payload, reply: make(chan fakeReply, 1)}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	select {
	case r := <-call.reply:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeRequester) waitCalls(t *testing.T, n int) []*fakeCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.calls) >= n {
			out := make([]*fakeCall, len(f.calls))
			copy(out, f.calls)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d calls", n)
	return nil
}

func newController(t *testing.T, req Requester) (*Controller, *Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.New(ctx, zap.NewNop())
	st.Inbox() <- store.SetAll{Targets: []store.RemoteTarget{{ID: "srv-1"}}}

	devices := NewStore()
	devices.SetAll([]Device{{EntityID: "switch-1", Name: "Gate", Kind: "switch", Value: false}})
	return NewController(devices, req, st.Active(), zap.NewNop(), metrics.New()), devices
}

func value(t *testing.T, devices *Store, id string) bool {
	t.Helper()
	d, ok := devices.Get(id)
	require.True(t, ok)
	return d.Value
}

func TestToggle_SuccessKeepsOptimisticValue(t *testing.T) {
	req := &fakeRequester{}
	c, devices := newController(t, req)

	done := make(chan error, 1)
	go func() { done <- c.Toggle(context.Background(), "switch-1") }()

	calls := req.waitCalls(t, 1)
	// optimistic apply is visible before the confirmation resolves
	require.True(t, value(t, devices, "switch-1"))

	calls[0].reply <- fakeReply{data: json.RawMessage(`{}`)}
	require.NoError(t, <-done)
	require.True(t, value(t, devices, "switch-1"))
}

func TestToggle_RemoteErrorRollsBack(t *testing.T) {
	req := &fakeRequester{}
	c, devices := newController(t, req)

	done := make(chan error, 1)
	go func() { done <- c.Toggle(context.Background(), "switch-1") }()

	calls := req.waitCalls(t, 1)
	calls[0].reply <- fakeReply{err: &transport.RemoteError{Message: "entity unreachable"}}

	err := <-done
	require.Error(t, err)
	require.Contains(t, err.Error(), "entity unreachable")
	require.False(t, value(t, devices, "switch-1"), "rollback must restore the pre-toggle value")
}

func TestToggle_TimeoutRollsBack(t *testing.T) {
	req := &fakeRequester{}
	c, devices := newController(t, req)

	done := make(chan error, 1)
	go func() { done <- c.Toggle(context.Background(), "switch-1") }()

	calls := req.waitCalls(t, 1)
	calls[0].reply <- fakeReply{err: transport.ErrRequestTimeout}

	err := <-done
	require.ErrorIs(t, err, transport.ErrRequestTimeout)
	require.False(t, value(t, devices, "switch-1"))
}

func TestToggle_UnknownDevice(t *testing.T) {
	c, _ := newController(t, &fakeRequester{})
	require.ErrorIs(t, c.Toggle(context.Background(), "nope"), ErrUnknownDevice)
}

// Two rapid toggles race: each captures its own original, no coalescing, no
// sequencing token. The last request to resolve determines the displayed
// state. Documented behavior, pinned here, not "fixed".
func TestToggle_RapidPairLastResolutionWins(t *testing.T) {
	req := &fakeRequester{}
	c, devices := newController(t, req)

	done1 := make(chan error, 1)
	go func() { done1 <- c.Toggle(context.Background(), "switch-1") }()
	req.waitCalls(t, 1)

	done2 := make(chan error, 1)
	go func() { done2 <- c.Toggle(context.Background(), "switch-1") }()
	calls := req.waitCalls(t, 2)

	// first toggle: false->true, second: true->false (its own captured original)
	calls[0].reply <- fakeReply{data: json.RawMessage(`{}`)}
	require.NoError(t, <-done1)
	calls[1].reply <- fakeReply{err: &transport.RemoteError{Message: "busy"}}
	require.Error(t, <-done2)

	// the later resolution (a failed second toggle) reverts to ITS original:
	// true, even though the device started at false
	require.True(t, value(t, devices, "switch-1"))
}

func TestRefresh_OverwritesUnconditionally(t *testing.T) {
	req := &fakeRequester{}
	c, devices := newController(t, req)

	devices.setValue("switch-1", true) // stale optimistic write

	done := make(chan struct{})
	var got bool
	var err error
	go func() {
		got, err = c.Refresh(context.Background(), "switch-1")
		close(done)
	}()
	calls := req.waitCalls(t, 1)
	calls[0].reply <- fakeReply{data: json.RawMessage(`{"entityId":"switch-1","value":false}`)}
	<-done

	require.NoError(t, err)
	require.False(t, got)
	require.False(t, value(t, devices, "switch-1"), "server confirmation wins over stale optimistic write")
}
