package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ayuan97/rust-bot-sub001/internal/events"
	"github.com/Ayuan97/rust-bot-sub001/internal/metrics"
	"github.com/Ayuan97/rust-bot-sub001/pkg/types"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Config struct {
	URL               string
	DialTimeout       time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	WriteTimeout      time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return cfg
}

type reply struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	kind string
	ch   chan reply // buffered 1, resolved at most once
}

// Session owns the one persistent connection. It multiplexes correlated
// request/response pairs and unsolicited pushes over the same websocket and
// fans pushes out through an event bus. Created once at startup, torn down
// once with Disconnect.
type Session struct {
	cfg Config
	log *zap.Logger
	m   *metrics.Metrics
	bus *events.Bus

	mu            sync.Mutex
	state         State
	started       bool // Connect has been called at least once
	closed        bool
	conn          *websocket.Conn
	gen           int // bumped per established connection; stale read loops bail out
	pending       map[string]*pendingRequest
	connSubs      map[int]func(connected bool)
	nextConnSub   int
	connectedOnce bool
}

func NewSession(cfg Config, log *zap.Logger, m *metrics.Metrics) *Session {
	return &Session{
		cfg:      cfg.withDefaults(),
		log:      log,
		m:        m,
		bus:      events.NewBus(log),
		pending:  make(map[string]*pendingRequest),
		connSubs: make(map[int]func(bool)),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the configured endpoint. Idempotent: while connecting or
// connected it is a no-op. The first dial is synchronous and its failure is
// returned to the caller; once a connection has been established, drops are
// healed by the session's own bounded retry loop.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.started = true
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	for attempt := 1; err != nil && attempt < s.cfg.ReconnectAttempts; attempt++ {
		s.log.Warn("connect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max", s.cfg.ReconnectAttempts),
			zap.Error(err))
		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.ReconnectDelay):
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		conn, err = s.dial(ctx)
	}
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("transport: connect %s: %w", s.cfg.URL, err)
	}
	s.adopt(conn)
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.cfg.URL, nil)
	return conn, err
}

// adopt installs a freshly dialed connection, flips the state and starts the
// read loop for it.
func (s *Session) adopt(conn *websocket.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "closed")
		return
	}
	s.gen++
	gen := s.gen
	s.conn = conn
	s.state = StateConnected
	if s.connectedOnce {
		s.m.Reconnects.Inc()
	}
	s.connectedOnce = true
	s.mu.Unlock()

	s.log.Info("session connected", zap.String("url", s.cfg.URL))
	s.notifyConnChange(true)
	go s.readLoop(conn, gen)
}

func (s *Session) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			s.handleDrop(gen, err)
			return
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("bad frame", zap.Error(err))
			continue
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env types.Envelope) {
	if env.CID != "" && (strings.HasSuffix(env.Event, ":success") || strings.HasSuffix(env.Event, ":error")) {
		s.resolve(env)
		return
	}
	s.m.EventsTotal.WithLabelValues(env.Event).Inc()
	s.bus.Publish(env.Event, env.Data)
}

func (s *Session) resolve(env types.Envelope) {
	s.mu.Lock()
	p := s.pending[env.CID]
	delete(s.pending, env.CID)
	s.mu.Unlock()

	if p == nil {
		// reply to a request that already timed out or was abandoned
		s.log.Debug("reply with no pending request", zap.String("event", env.Event))
		return
	}
	if strings.HasSuffix(env.Event, ":error") {
		var ep types.ErrorPayload
		if err := json.Unmarshal(env.Data, &ep); err != nil || ep.Message == "" {
			ep.Message = "unknown error"
		}
		s.m.RequestsTotal.WithLabelValues(p.kind, "error").Inc()
		p.ch <- reply{err: &RemoteError{Message: ep.Message}}
		return
	}
	s.m.RequestsTotal.WithLabelValues(p.kind, "success").Inc()
	p.ch <- reply{data: env.Data}
}

func (s *Session) handleDrop(gen int, cause error) {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateDisconnected
	s.failPendingLocked(ErrNotConnected)
	s.mu.Unlock()

	switch websocket.CloseStatus(cause) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.log.Info("connection closed by server")
	default:
		s.log.Warn("connection dropped", zap.Error(cause))
	}
	s.notifyConnChange(false)
	go s.reconnect()
}

// reconnect is the transport's whole retry policy: a fixed number of
// attempts with a fixed delay. Request-level logic never retries.
func (s *Session) reconnect() {
	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		time.Sleep(s.cfg.ReconnectDelay)

		s.mu.Lock()
		if s.closed || s.state != StateDisconnected {
			s.mu.Unlock()
			return
		}
		s.state = StateConnecting
		s.mu.Unlock()

		conn, err := s.dial(context.Background())
		if err == nil {
			s.adopt(conn)
			return
		}
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.log.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max", s.cfg.ReconnectAttempts),
			zap.Error(err))
	}
	s.log.Error("reconnect attempts exhausted", zap.String("url", s.cfg.URL))
}

// Request emits the named request and waits for exactly one of its success or
// error replies, bounded by the kind's registered timeout. The pending slot
// is consumed on first resolution, so repeated calls to the same kind never
// leak listeners. Rejects immediately when the session is not connected.
func (s *Session) Request(ctx context.Context, kind string, payload any) (json.RawMessage, error) {
	spec, ok := lookupRequest(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, kind)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s: %w", kind, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.state != StateConnected {
		s.mu.Unlock()
		s.m.RequestsTotal.WithLabelValues(kind, "not_connected").Inc()
		return nil, fmt.Errorf("%s: %w", kind, ErrNotConnected)
	}
	conn := s.conn
	cid := uuid.NewString()
	p := &pendingRequest{kind: kind, ch: make(chan reply, 1)}
	s.pending[cid] = p
	s.mu.Unlock()

	frame, _ := json.Marshal(types.Envelope{Event: kind, CID: cid, Data: body})
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, frame)
	cancel()
	if err != nil {
		s.dropPending(cid)
		return nil, fmt.Errorf("transport: write %s: %w", kind, err)
	}

	timer := time.NewTimer(spec.timeout)
	defer timer.Stop()
	select {
	case r := <-p.ch:
		return r.data, r.err
	case <-timer.C:
		s.dropPending(cid)
		s.m.RequestTimeouts.Inc()
		s.m.RequestsTotal.WithLabelValues(kind, "timeout").Inc()
		return nil, fmt.Errorf("%s: %w", kind, ErrRequestTimeout)
	case <-ctx.Done():
		s.dropPending(cid)
		return nil, ctx.Err()
	}
}

func (s *Session) dropPending(cid string) {
	s.mu.Lock()
	delete(s.pending, cid)
	s.mu.Unlock()
}

func (s *Session) failPendingLocked(err error) {
	for cid, p := range s.pending {
		p.ch <- reply{err: fmt.Errorf("%s: %w", p.kind, err)}
		delete(s.pending, cid)
	}
}

// On subscribes to an unsolicited push event. Components mount before the
// dial completes, so calling On before Connect must not panic: it warns and
// returns a nil subscription instead.
func (s *Session) On(event string, fn events.Handler) *events.Subscription {
	s.mu.Lock()
	ready := s.started && !s.closed
	s.mu.Unlock()
	if !ready {
		s.log.Warn("subscribe before connect; ignoring", zap.String("event", event))
		return nil
	}
	return s.bus.Subscribe(event, fn)
}

// Off removes exactly the given subscription; other subscribers of the same
// event keep receiving. Nil is a no-op.
func (s *Session) Off(sub *events.Subscription) {
	s.bus.Unsubscribe(sub)
}

// OnConnectionChange observes transitions between connected and disconnected,
// including the first successful connect and every reconnect. Returns an
// unsubscribe func. Usable before Connect so lifecycle observers can bind at
// startup.
func (s *Session) OnConnectionChange(fn func(connected bool)) func() {
	s.mu.Lock()
	id := s.nextConnSub
	s.nextConnSub++
	s.connSubs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.connSubs, id)
		s.mu.Unlock()
	}
}

func (s *Session) notifyConnChange(connected bool) {
	s.mu.Lock()
	subs := make([]func(bool), 0, len(s.connSubs))
	for _, fn := range s.connSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(connected)
	}
}

// Disconnect tears the session down for good: the connection is closed, all
// push subscriptions are released and in-flight requests are failed. Safe to
// call when already disconnected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	wasConnected := s.state == StateConnected
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.failPendingLocked(ErrSessionClosed)
	s.mu.Unlock()

	s.bus.Close()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}
	if wasConnected {
		s.notifyConnChange(false)
	}
	s.log.Info("session closed")
}
