package notify

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ayuan97/rust-bot-sub001/internal/events"
	"github.com/Ayuan97/rust-bot-sub001/internal/metrics"
	"github.com/Ayuan97/rust-bot-sub001/internal/store"
	"github.com/Ayuan97/rust-bot-sub001/pkg/types"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is one ephemeral, dismissable UI notice.
type Notice struct {
	ID    string    `json:"id"`
	Level Level     `json:"level"`
	Title string    `json:"title"`
	Body  string    `json:"body"`
	At    time.Time `json:"at"`
}

// Aggregator turns fan-out events and surfaced failures into self-expiring
// notices. Pure consumer: it never talks back to the session.
type Aggregator struct {
	mu      sync.Mutex
	notices map[string]Notice
	timers  map[string]*time.Timer
	ttl     time.Duration
	log     *zap.Logger
	m       *metrics.Metrics
	closed  bool
}

func New(ttl time.Duration, log *zap.Logger, m *metrics.Metrics) *Aggregator {
	if ttl <= 0 {
		ttl = 6 * time.Second
	}
	return &Aggregator{
		notices: make(map[string]Notice),
		timers:  make(map[string]*time.Timer),
		ttl:     ttl,
		log:     log,
		m:       m,
	}
}

// Push adds a notice that expires after the aggregator's TTL.
func (a *Aggregator) Push(level Level, title, body string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ""
	}
	n := Notice{
		ID:    uuid.NewString(),
		Level: level,
		Title: title,
		Body:  body,
		At:    time.Now(),
	}
	a.notices[n.ID] = n
	a.timers[n.ID] = time.AfterFunc(a.ttl, func() { a.Dismiss(n.ID) })
	a.m.ActiveNotices.Set(float64(len(a.notices)))
	return n.ID
}

// Failure surfaces a failed user-initiated action with the underlying
// message intact.
func (a *Aggregator) Failure(action string, err error) string {
	return a.Push(LevelError, action+" failed", err.Error())
}

func (a *Aggregator) Dismiss(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[id]; ok {
		t.Stop()
		delete(a.timers, id)
	}
	delete(a.notices, id)
	a.m.ActiveNotices.Set(float64(len(a.notices)))
}

// Active returns current notices, oldest first.
func (a *Aggregator) Active() []Notice {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Notice, 0, len(a.notices))
	for _, n := range a.notices {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
	a.notices = make(map[string]Notice)
	a.m.ActiveNotices.Set(0)
}

// EventSource is the slice of the session the aggregator needs.
type EventSource interface {
	On(event string, fn events.Handler) *events.Subscription
}

// Bind subscribes to the ephemeral player events, scoped to the active
// target. Call after the session has been started.
func (a *Aggregator) Bind(src EventSource, active *store.ActiveRef) {
	titles := map[string]string{
		types.EventPlayerDied:    "Player died",
		types.EventPlayerSpawned: "Player spawned",
		types.EventPlayerOnline:  "Player online",
		types.EventPlayerOffline: "Player offline",
	}
	for event, title := range titles {
		title := title
		src.On(event, func(data json.RawMessage) {
			var p types.PlayerEvent
			if err := json.Unmarshal(data, &p); err != nil {
				a.log.Warn("bad player event payload", zap.Error(err))
				return
			}
			if p.ServerID != active.Load() {
				return
			}
			body := p.Name
			if p.Position != nil {
				body = fmt.Sprintf("%s at (%.0f, %.0f)", p.Name, p.Position.X, p.Position.Y)
			}
			a.Push(LevelInfo, title, body)
		})
	}
}
