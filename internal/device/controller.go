package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Ayuan97/rust-bot-sub001/internal/events"
	"github.com/Ayuan97/rust-bot-sub001/internal/metrics"
	"github.com/Ayuan97/rust-bot-sub001/internal/store"
	"github.com/Ayuan97/rust-bot-sub001/pkg/types"
)

var ErrUnknownDevice = errors.New("device: unknown entity")

// Device is a controllable smart entity. Value is the one field with two
// writers: the optimistic controller and server confirmations. Conflicts
// resolve to the latest authoritative value; a stale optimistic write is
// overwritten, not merged.
type Device struct {
	EntityID       string `json:"entityId"`
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	Value          bool   `json:"value"`
	AutomationMode string `json:"automationMode,omitempty"`
	Command        string `json:"command,omitempty"`
}

// Store holds the local device state.
type Store struct {
	mu      sync.Mutex
	devices map[string]Device
}

func NewStore() *Store {
	return &Store{devices: make(map[string]Device)}
}

// SetAll replaces the collection from a REST refresh.
func (s *Store) SetAll(devices []Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = make(map[string]Device, len(devices))
	for _, d := range devices {
		s.devices[d.EntityID] = d
	}
}

func (s *Store) Get(entityID string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[entityID]
	return d, ok
}

func (s *Store) All() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

func (s *Store) setValue(entityID string, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[entityID]
	if !ok {
		return
	}
	d.Value = value
	s.devices[entityID] = d
}

// Requester is the slice of the transport session the controller needs.
type Requester interface {
	Request(ctx context.Context, kind string, payload any) (json.RawMessage, error)
}

// Controller applies device writes optimistically: flip local state first,
// confirm remotely, roll back on failure or timeout.
type Controller struct {
	devices *Store
	req     Requester
	active  *store.ActiveRef
	log     *zap.Logger
	m       *metrics.Metrics
}

func NewController(devices *Store, req Requester, active *store.ActiveRef, log *zap.Logger, m *metrics.Metrics) *Controller {
	return &Controller{devices: devices, req: req, active: active, log: log, m: m}
}

// Toggle negates the device's value locally, then confirms via
// device:control. On explicit error or timeout the captured original is
// restored and the failure returned. Concurrent toggles on the same device
// are not coalesced: each call captures its own original at invocation time,
// and the last request to resolve determines the displayed state.
func (c *Controller) Toggle(ctx context.Context, entityID string) error {
	d, ok := c.devices.Get(entityID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, entityID)
	}
	original := d.Value
	next := !original
	c.devices.setValue(entityID, next) // visible instantly

	_, err := c.req.Request(ctx, types.RequestDeviceControl, types.DeviceControl{
		ServerID: c.active.Load(),
		EntityID: entityID,
		Value:    next,
	})
	if err != nil {
		c.devices.setValue(entityID, original)
		c.m.Rollbacks.Inc()
		c.log.Warn("device toggle rolled back",
			zap.String("entity", entityID),
			zap.Bool("reverted_to", original),
			zap.Error(err))
		return fmt.Errorf("device: toggle %s: %w", entityID, err)
	}
	// confirmed: the optimistic value stays
	return nil
}

// Refresh re-reads authoritative state and overwrites local state
// unconditionally, for reconciling after suspected desync.
func (c *Controller) Refresh(ctx context.Context, entityID string) (bool, error) {
	data, err := c.req.Request(ctx, types.RequestDeviceInfo, types.DeviceControl{
		ServerID: c.active.Load(),
		EntityID: entityID,
	})
	if err != nil {
		return false, fmt.Errorf("device: refresh %s: %w", entityID, err)
	}
	var info types.DeviceInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return false, fmt.Errorf("device: refresh %s decode: %w", entityID, err)
	}
	c.devices.setValue(entityID, info.Value)
	return info.Value, nil
}

// EventSource is the slice of the session the controller needs for pushes.
type EventSource interface {
	On(event string, fn events.Handler) *events.Subscription
}

// Bind subscribes to entity:changed pushes. Server state wins over any stale
// optimistic write.
func (c *Controller) Bind(src EventSource) {
	src.On(types.EventEntityChanged, func(data json.RawMessage) {
		var p types.EntityChanged
		if err := json.Unmarshal(data, &p); err != nil {
			c.log.Warn("bad entity:changed payload", zap.Error(err))
			return
		}
		if p.ServerID != c.active.Load() {
			return
		}
		c.devices.setValue(p.EntityID, p.Value)
	})
}
