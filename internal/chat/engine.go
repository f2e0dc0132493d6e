package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ayuan97/rust-bot-sub001/internal/events"
	"github.com/Ayuan97/rust-bot-sub001/internal/metrics"
	"github.com/Ayuan97/rust-bot-sub001/internal/store"
	"github.com/Ayuan97/rust-bot-sub001/pkg/types"
)

const (
	// Retention is the per-target log bound; oldest entries are evicted first.
	Retention = 500
	// FragmentMax is the longest outgoing chat fragment, in runes.
	FragmentMax = 128
	// EchoWindow is how recently a fragment must have been sent for a
	// matching live push to count as its echo.
	EchoWindow = 5 * time.Second
	// PendingMax bounds the pending-send table: entries older than this are
	// purged on every send.
	PendingMax = 10 * time.Second
	// HistoryPageSize is the bounded history page fetched on activation.
	HistoryPageSize = 100
)

// Message is one entry of a target's ordered log. IDs are unique across
// history-sourced and live-sourced entries.
type Message struct {
	ID            string `json:"id"`
	Sender        string `json:"sender"`
	Body          string `json:"body"`
	Time          int64  `json:"time"` // epoch millis, normalized
	Self          bool   `json:"self"`
	HistoryOrigin bool   `json:"historyOrigin"`
}

// HistoryProvider fetches one bounded page of historical messages.
type HistoryProvider interface {
	History(ctx context.Context, targetID string, limit int) ([]Message, error)
}

// Sender dispatches one already-fragmented message body.
type Sender interface {
	Send(ctx context.Context, targetID, body string) error
}

type phase int

const (
	phaseEmpty phase = iota
	phaseHistoryLoading
	phaseLive
)

func (p phase) String() string {
	switch p {
	case phaseHistoryLoading:
		return "history-loading"
	case phaseLive:
		return "live"
	default:
		return "empty"
	}
}

type pendingSend struct {
	body   string
	sentAt time.Time
}

type targetState struct {
	phase    phase
	log      []Message
	pending  []pendingSend
	atBottom bool
	unread   int
}

type msg interface{ isChatMsg() }

type activate struct {
	targetID string
	reload   bool
}
type historyLoaded struct {
	targetID string
	msgs     []Message
	err      error
}
type livePush struct{ p types.TeamMessage }
type sendMsg struct {
	ctx      context.Context
	targetID string
	body     string
	reply    chan error
}
type setScroll struct {
	targetID string
	atBottom bool
}
type getView struct {
	targetID string
	reply    chan TargetView
}
type shutdown struct{}

func (activate) isChatMsg()      {}
func (historyLoaded) isChatMsg() {}
func (livePush) isChatMsg()      {}
func (sendMsg) isChatMsg()       {}
func (setScroll) isChatMsg()     {}
func (getView) isChatMsg()       {}
func (shutdown) isChatMsg()      {}

// TargetView is a race-free snapshot of one target's chat state.
type TargetView struct {
	Phase        string
	Log          []Message
	Unread       int
	PendingCount int
}

// Engine merges paginated history, live pushes and local sends into one
// ordered, deduplicated, bounded log per target. One goroutine owns all of
// it; the single ordering authority is the inbox.
type Engine struct {
	inbox    chan msg
	states   map[string]*targetState
	history  HistoryProvider
	sender   Sender
	active   *store.ActiveRef
	selfName string
	hook     func(targetID string, m Message)
	now      func() time.Time
	log      *zap.Logger
	m        *metrics.Metrics
	ctx      context.Context
	cancel   context.CancelFunc
}

type Option func(*Engine)

// WithSelfName sets the sender name shown on locally-rendered entries.
func WithSelfName(name string) Option {
	return func(e *Engine) { e.selfName = name }
}

// WithAppendHook observes every appended entry (archive wiring). Must not
// block.
func WithAppendHook(fn func(targetID string, m Message)) Option {
	return func(e *Engine) { e.hook = fn }
}

func withNow(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

func New(parent context.Context, history HistoryProvider, sender Sender, active *store.ActiveRef, log *zap.Logger, m *metrics.Metrics, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(parent)
	e := &Engine{
		inbox:    make(chan msg, 64),
		states:   make(map[string]*targetState),
		history:  history,
		sender:   sender,
		active:   active,
		selfName: "You",
		now:      time.Now,
		log:      log,
		m:        m,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.loop()
	return e
}

// Activate enters a target's chat: the first activation triggers one history
// load. Re-entrant: calling again while the load is in flight is a no-op.
func (e *Engine) Activate(targetID string) {
	e.inbox <- activate{targetID: targetID}
}

// Reload refetches history for an already-live target (reconnect resync).
// The merge rules guarantee no duplicates and no reordering of live entries.
func (e *Engine) Reload(targetID string) {
	e.inbox <- activate{targetID: targetID, reload: true}
}

// Send appends one locally-rendered entry for the full body, then splits the
// body into fragments and dispatches each. Returns the first dispatch error.
func (e *Engine) Send(ctx context.Context, targetID, body string) error {
	reply := make(chan error, 1)
	e.inbox <- sendMsg{ctx: ctx, targetID: targetID, body: body, reply: reply}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) SetScroll(targetID string, atBottom bool) {
	e.inbox <- setScroll{targetID: targetID, atBottom: atBottom}
}

func (e *Engine) View(targetID string) TargetView {
	r := make(chan TargetView, 1)
	e.inbox <- getView{targetID: targetID, reply: r}
	return <-r
}

func (e *Engine) Shutdown() {
	e.inbox <- shutdown{}
}

// EventSource is the slice of the session the engine needs.
type EventSource interface {
	On(event string, fn events.Handler) *events.Subscription
}

// Bind subscribes the engine to live chat pushes. Call after the session has
// been started.
func (e *Engine) Bind(src EventSource) {
	src.On(types.EventTeamMessage, func(data json.RawMessage) {
		var p types.TeamMessage
		if err := json.Unmarshal(data, &p); err != nil {
			e.log.Warn("bad team:message payload", zap.Error(err))
			return
		}
		e.inbox <- livePush{p: p}
	})
}

func (e *Engine) loop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case m := <-e.inbox:
			switch msg := m.(type) {
			case activate:
				e.handleActivate(msg)
			case historyLoaded:
				e.handleHistoryLoaded(msg)
			case livePush:
				e.handleLivePush(msg.p)
			case sendMsg:
				e.handleSend(msg)
			case setScroll:
				st := e.ensure(msg.targetID)
				st.atBottom = msg.atBottom
				if msg.atBottom {
					st.unread = 0
				}
			case getView:
				msg.reply <- e.viewOf(msg.targetID)
			case shutdown:
				e.cancel()
				return
			}
		}
	}
}

func (e *Engine) ensure(targetID string) *targetState {
	st, ok := e.states[targetID]
	if !ok {
		st = &targetState{atBottom: true}
		e.states[targetID] = st
	}
	return st
}

func (e *Engine) handleActivate(msg activate) {
	st := e.ensure(msg.targetID)
	switch st.phase {
	case phaseHistoryLoading:
		return // load already in flight
	case phaseLive:
		if !msg.reload {
			return
		}
	}
	st.phase = phaseHistoryLoading
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
		defer cancel()
		msgs, err := e.history.History(ctx, msg.targetID, HistoryPageSize)
		select {
		case e.inbox <- historyLoaded{targetID: msg.targetID, msgs: msgs, err: err}:
		case <-e.ctx.Done():
		}
	}()
}

func (e *Engine) handleHistoryLoaded(msg historyLoaded) {
	st := e.ensure(msg.targetID)
	if msg.err != nil {
		// passive background failure: log only, allow a later retry
		e.log.Warn("history load failed", zap.String("target", msg.targetID), zap.Error(msg.err))
		if len(st.log) > 0 {
			st.phase = phaseLive
		} else {
			st.phase = phaseEmpty
		}
		return
	}
	e.merge(msg.targetID, st, msg.msgs)
	st.phase = phaseLive
}

// merge folds a history page into the existing log. Set-subtraction on the
// (body, sender) key: history entries whose key already exists are discarded,
// keeping the existing entry's data. Survivors are prepended (history is
// chronologically earlier); the combined log is truncated to the newest
// Retention entries. Existing entries never move relative to each other, so
// live order is preserved and merging the same page twice is a no-op.
func (e *Engine) merge(targetID string, st *targetState, page []Message) {
	seen := make(map[string]struct{}, len(st.log))
	for _, m := range st.log {
		seen[dedupKey(m)] = struct{}{}
	}

	keep := make([]Message, 0, len(page))
	for i, m := range page {
		m.HistoryOrigin = true
		m.Time = types.NormalizeEpoch(m.Time)
		// synthetic id from (timestamp, page position): unique even when
		// origin timestamps collide
		m.ID = fmt.Sprintf("h-%d-%d", m.Time, i)
		if _, dup := seen[dedupKey(m)]; dup {
			e.m.DedupDrops.Inc()
			continue
		}
		seen[dedupKey(m)] = struct{}{}
		keep = append(keep, m)
	}

	st.log = append(keep, st.log...)
	if over := len(st.log) - Retention; over > 0 {
		st.log = st.log[over:]
	}
	for _, m := range keep {
		e.notifyAppend(targetID, m)
	}
}

func dedupKey(m Message) string {
	return m.Body + "\x00" + m.Sender
}

func (e *Engine) handleLivePush(p types.TeamMessage) {
	if p.ServerID != e.active.Load() {
		return // scoped to the active target
	}
	st := e.ensure(p.ServerID)

	// echo suppression: a push whose body matches a fragment we sent within
	// the window is the network round-trip of our own send
	now := e.now()
	for i, pend := range st.pending {
		if pend.body == p.Message && now.Sub(pend.sentAt) <= EchoWindow {
			st.pending = append(st.pending[:i], st.pending[i+1:]...)
			e.m.EchoSuppressed.Inc()
			return
		}
	}

	e.append(p.ServerID, st, Message{
		ID:     uuid.NewString(),
		Sender: p.Name,
		Body:   p.Message,
		Time:   types.NormalizeEpoch(p.Time),
	})
}

func (e *Engine) handleSend(msg sendMsg) {
	st := e.ensure(msg.targetID)
	now := e.now()

	// bound the pending table regardless of traffic patterns
	kept := st.pending[:0]
	for _, p := range st.pending {
		if now.Sub(p.sentAt) <= PendingMax {
			kept = append(kept, p)
		}
	}
	st.pending = kept

	// exactly one locally-rendered entry for the full body, split or not
	e.append(msg.targetID, st, Message{
		ID:     uuid.NewString(),
		Sender: e.selfName,
		Body:   msg.body,
		Time:   now.UnixMilli(),
		Self:   true,
	})

	frags := splitFragments(msg.body, FragmentMax)
	for _, f := range frags {
		st.pending = append(st.pending, pendingSend{body: f, sentAt: now})
	}

	// dispatch off the actor goroutine; the remote side delivers and echoes
	// fragments independently
	go func() {
		for _, f := range frags {
			if err := e.sender.Send(msg.ctx, msg.targetID, f); err != nil {
				msg.reply <- fmt.Errorf("send fragment: %w", err)
				return
			}
		}
		msg.reply <- nil
	}()
}

func (e *Engine) append(targetID string, st *targetState, m Message) {
	st.log = append(st.log, m)
	if over := len(st.log) - Retention; over > 0 {
		st.log = st.log[over:]
	}
	if !st.atBottom {
		st.unread++
	}
	e.notifyAppend(targetID, m)
}

func (e *Engine) notifyAppend(targetID string, m Message) {
	if e.hook != nil {
		e.hook(targetID, m)
	}
}

func (e *Engine) viewOf(targetID string) TargetView {
	st := e.ensure(targetID)
	v := TargetView{
		Phase:        st.phase.String(),
		Unread:       st.unread,
		PendingCount: len(st.pending),
	}
	v.Log = make([]Message, len(st.log))
	copy(v.Log, st.log)
	return v
}
