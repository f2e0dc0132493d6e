package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Ayuan97/rust-bot-sub001/internal/events"
	"github.com/Ayuan97/rust-bot-sub001/pkg/types"
)

// Credentials is the opaque authentication pair for one target. Never logged
// or rendered in full.
type Credentials struct {
	PlayerID    string
	PlayerToken string
}

// Fingerprint is the only form of the token that may appear in logs.
func (c Credentials) Fingerprint() string {
	if len(c.PlayerToken) <= 4 {
		return "****"
	}
	return c.PlayerToken[:4] + "****"
}

// RemoteTarget is one managed remote game-server session. The store hands
// out value copies only; nothing outside the actor holds a live alias.
type RemoteTarget struct {
	ID          string
	Name        string
	Address     string
	Credentials Credentials
	Connected   bool
}

// ActiveRef is the mutable cell async callbacks read "current active target"
// through, instead of a value closed over at subscribe time. Updated by the
// store on every selection change.
type ActiveRef struct {
	v atomic.Value // string
}

func (r *ActiveRef) Load() string {
	id, _ := r.v.Load().(string)
	return id
}

func (r *ActiveRef) store(id string) { r.v.Store(id) }

type Msg interface{ isStoreMsg() }

// SetAll replaces the collection from a REST refresh. Connected flags of
// entries that survive the refresh are preserved.
type SetAll struct{ Targets []RemoteTarget }

// Upsert inserts or updates one target (server:paired).
type Upsert struct{ Target RemoteTarget }

// PatchConnected flips only the connected flag of the matching entry.
type PatchConnected struct {
	ID        string
	Connected bool
}

type Select struct {
	ID    string
	Reply chan bool
}

type Deselect struct{}

type GetView struct{ Reply chan View }

type Shutdown struct{}

func (SetAll) isStoreMsg()         {}
func (Upsert) isStoreMsg()         {}
func (PatchConnected) isStoreMsg() {}
func (Select) isStoreMsg()         {}
func (Deselect) isStoreMsg()       {}
func (GetView) isStoreMsg()        {}
func (Shutdown) isStoreMsg()       {}

// View is a race-free value snapshot of the store.
type View struct {
	Targets  []RemoteTarget
	ActiveID string
	Active   *RemoteTarget // copy, nil when nothing selected
}

// Store owns the RemoteTarget collection and the active selection. One
// goroutine owns all state; everything else goes through the inbox.
type Store struct {
	inbox        chan Msg
	targets      map[string]RemoteTarget
	order        []string
	activeID     string
	autoSelected bool // auto-selection happens at most once per process
	active       ActiveRef
	ctx          context.Context
	cancel       context.CancelFunc
	log          *zap.Logger
}

func New(parent context.Context, log *zap.Logger) *Store {
	ctx, cancel := context.WithCancel(parent)
	st := &Store{
		inbox:   make(chan Msg, 64),
		targets: make(map[string]RemoteTarget),
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}
	st.active.store("")
	go st.loop()
	return st
}

func (st *Store) Inbox() chan<- Msg { return st.inbox }

// Active exposes the selection cell for event filtering.
func (st *Store) Active() *ActiveRef { return &st.active }

func (st *Store) loop() {
	for {
		select {
		case <-st.ctx.Done():
			return
		case m := <-st.inbox:
			switch msg := m.(type) {
			case SetAll:
				st.setAll(msg.Targets)
			case Upsert:
				st.upsert(msg.Target)
			case PatchConnected:
				st.patchConnected(msg.ID, msg.Connected)
			case Select:
				_, ok := st.targets[msg.ID]
				if ok {
					st.setActive(msg.ID)
				}
				if msg.Reply != nil {
					msg.Reply <- ok
				}
			case Deselect:
				st.setActive("")
			case GetView:
				msg.Reply <- st.view()
			case Shutdown:
				st.cancel()
				return
			}
		}
	}
}

func (st *Store) setAll(targets []RemoteTarget) {
	old := st.targets
	st.targets = make(map[string]RemoteTarget, len(targets))
	st.order = st.order[:0]
	for _, t := range targets {
		if prev, ok := old[t.ID]; ok {
			t.Connected = prev.Connected
		}
		st.targets[t.ID] = t
		st.order = append(st.order, t.ID)
	}
	if _, ok := st.targets[st.activeID]; !ok && st.activeID != "" {
		st.log.Info("active target gone after refresh", zap.String("id", st.activeID))
		st.setActive("")
	}
	st.maybeAutoSelect()
}

func (st *Store) upsert(t RemoteTarget) {
	if _, ok := st.targets[t.ID]; !ok {
		st.order = append(st.order, t.ID)
	}
	st.targets[t.ID] = t
	st.log.Info("target available",
		zap.String("id", t.ID),
		zap.String("name", t.Name),
		zap.String("token", t.Credentials.Fingerprint()))
	st.maybeAutoSelect()
}

func (st *Store) patchConnected(id string, connected bool) {
	t, ok := st.targets[id]
	if !ok {
		return
	}
	// patch a copy and store it back; holders of old views keep their
	// snapshot rather than observing a mid-read mutation
	t.Connected = connected
	st.targets[id] = t
}

// maybeAutoSelect picks the first available target, once per process. An
// explicit deselection is never overridden by a later background refresh.
func (st *Store) maybeAutoSelect() {
	if st.autoSelected || st.activeID != "" || len(st.order) == 0 {
		return
	}
	st.autoSelected = true
	st.setActive(st.order[0])
}

func (st *Store) setActive(id string) {
	st.activeID = id
	st.active.store(id)
}

func (st *Store) view() View {
	v := View{ActiveID: st.activeID}
	v.Targets = make([]RemoteTarget, 0, len(st.order))
	for _, id := range st.order {
		v.Targets = append(v.Targets, st.targets[id])
	}
	if t, ok := st.targets[st.activeID]; ok {
		cp := t
		v.Active = &cp
	}
	return v
}

// EventSource is the slice of the session the store needs.
type EventSource interface {
	On(event string, fn events.Handler) *events.Subscription
}

// Bind subscribes the store to the connection-state pushes. Call after the
// session has been started.
func (st *Store) Bind(src EventSource) {
	src.On(types.EventServerConnected, func(data json.RawMessage) {
		var p types.ServerRef
		if err := json.Unmarshal(data, &p); err != nil {
			st.log.Warn("bad server:connected payload", zap.Error(err))
			return
		}
		st.inbox <- PatchConnected{ID: p.ServerID, Connected: true}
	})
	src.On(types.EventServerDisconnected, func(data json.RawMessage) {
		var p types.ServerRef
		if err := json.Unmarshal(data, &p); err != nil {
			st.log.Warn("bad server:disconnected payload", zap.Error(err))
			return
		}
		st.inbox <- PatchConnected{ID: p.ServerID, Connected: false}
	})
	src.On(types.EventServerPaired, func(data json.RawMessage) {
		var p types.ServerPaired
		if err := json.Unmarshal(data, &p); err != nil {
			st.log.Warn("bad server:paired payload", zap.Error(err))
			return
		}
		addr := fmt.Sprintf("%s:%d", p.IP, p.Port)
		st.inbox <- Upsert{Target: RemoteTarget{
			// paired servers are keyed by address until the control plane
			// assigns an id
			ID:      addr,
			Name:    p.Name,
			Address: addr,
		}}
	})
}
