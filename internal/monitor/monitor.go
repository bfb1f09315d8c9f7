// Package monitor keeps a client-side view of the other entities in the
// simulation. It applies broadcast frames, extrapolates positions between
// frames and periodically reconciles against an authoritative snapshot.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"orbit-server/internal/protocol"
	"orbit-server/internal/spatial"
)

// EventStateSync is delivered to observers after a reconcile replaced the
// local state.
const EventStateSync protocol.EventType = "stateSync"

var ErrAlreadyStarted = errors.New("monitor already initialized")

// Channel is the monitor's link to the server.
type Channel interface {
	// Frames yields frames in arrival order and is closed when the link
	// drops.
	Frames() <-chan protocol.Frame
	Snapshot(ctx context.Context) (*spatial.Snapshot, error)
}

type Settings struct {
	ExtrapolateEvery time.Duration

	// ReconcileEvery of zero disables polling; frames alone keep the view
	// current.
	ReconcileEvery   time.Duration
	ReconcileTimeout time.Duration

	// TickPeriod and Dt convert per-tick velocities to wall-clock motion.
	TickPeriod time.Duration
	Dt         float64
}

func DefaultSettings() Settings {
	return Settings{
		ExtrapolateEvery: 25 * time.Millisecond,
		ReconcileEvery:   5 * time.Second,
		ReconcileTimeout: 2 * time.Second,
		TickPeriod:       time.Second,
		Dt:               1,
	}
}

// EntityState is the monitor's view of one remote entity.
type EntityState struct {
	ID           string
	Name         string
	DockedBodyID string

	// Position and Velocity are the last authoritative values, received at
	// Tick.
	Position   spatial.Vec3
	Velocity   spatial.Vec3
	Tick       uint64
	ReceivedAt time.Time

	// Estimated is Position advanced by Velocity to the last extrapolation.
	Estimated spatial.Vec3
}

type Observer func(protocol.Event)

type Monitor struct {
	mu        sync.RWMutex
	entities  map[string]*EntityState
	lastTick  uint64
	selfID    string
	observers map[protocol.EventType]map[uint64]Observer
	nextObs   uint64

	lifeMu  sync.Mutex
	channel Channel
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	settings Settings
	now      func() time.Time
	logger   *slog.Logger
}

func New(settings Settings, logger *slog.Logger) *Monitor {
	return &Monitor{
		entities:  make(map[string]*EntityState),
		observers: make(map[protocol.EventType]map[uint64]Observer),
		settings:  settings,
		now:       time.Now,
		logger:    logger.With("component", "client_monitor"),
	}
}

// Init starts consuming ch. Updates about selfID are ignored.
func (m *Monitor) Init(ctx context.Context, ch Channel, selfID string) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.channel != nil {
		return ErrAlreadyStarted
	}

	m.mu.Lock()
	m.selfID = selfID
	delete(m.entities, selfID)
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	m.channel = ch
	m.cancel = cancel

	m.wg.Add(1)
	go m.consume(ctx, ch)

	if m.settings.ExtrapolateEvery > 0 {
		m.wg.Add(1)
		go m.every(ctx, m.settings.ExtrapolateEvery, func(context.Context) { m.Extrapolate() })
	}
	if m.settings.ReconcileEvery > 0 {
		m.wg.Add(1)
		go m.every(ctx, m.settings.ReconcileEvery, func(ctx context.Context) {
			if err := m.reconcile(ctx, ch); err != nil {
				m.logger.Warn("Reconcile failed", "error", err)
			}
		})
	}

	m.logger.Info("Monitor started",
		"self_id", selfID,
		"reconcile_every", m.settings.ReconcileEvery,
	)
	return nil
}

// Shutdown stops all background work and waits for it to finish. The
// monitor can be initialized again afterwards. lifeMu is not held while
// waiting, so observers may still call Reconcile during shutdown.
func (m *Monitor) Shutdown() {
	m.lifeMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.lifeMu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	m.wg.Wait()

	m.lifeMu.Lock()
	m.channel = nil
	m.lifeMu.Unlock()
	m.logger.Info("Monitor stopped")
}

func (m *Monitor) consume(ctx context.Context, ch Channel) {
	defer m.wg.Done()
	frames := ch.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				m.logger.Warn("Frame channel closed")
				return
			}
			m.ApplyFrame(f)
		}
	}
}

func (m *Monitor) every(ctx context.Context, period time.Duration, fn func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Subscribe registers fn for events of type t and returns a function that
// removes it.
func (m *Monitor) Subscribe(t protocol.EventType, fn Observer) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextObs++
	id := m.nextObs
	if m.observers[t] == nil {
		m.observers[t] = make(map[uint64]Observer)
	}
	m.observers[t][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers[t], id)
	}
}

// ApplyFrame applies every event of f, or none of them if f is not newer
// than the last applied tick. It reports whether f was applied.
func (m *Monitor) ApplyFrame(f protocol.Frame) bool {
	now := m.now()

	m.mu.Lock()
	if f.Tick <= m.lastTick {
		last := m.lastTick
		m.mu.Unlock()
		m.logger.Debug("Stale frame discarded", "tick", f.Tick, "last_tick", last)
		return false
	}
	m.lastTick = f.Tick

	var notify []protocol.Event
	for _, ev := range f.Events {
		if ev.EntityID == "" || ev.EntityID == m.selfID {
			continue
		}
		switch ev.Type {
		case protocol.EventPositionUpdate:
			s := m.entity(ev.EntityID)
			switch {
			case ev.Position != nil:
				s.Position = *ev.Position
			case ev.UniversalPosition != nil:
				s.Position = *ev.UniversalPosition
			}
			if ev.Velocity != nil {
				s.Velocity = *ev.Velocity
			}
			s.DockedBodyID = ev.BodyID
			s.Tick = f.Tick
			s.ReceivedAt = now
			s.Estimated = s.Position
		case protocol.EventEntityJoined:
			s := m.entity(ev.EntityID)
			s.Name = ev.Name
			if ev.UniversalPosition != nil {
				s.Position = *ev.UniversalPosition
				s.Estimated = s.Position
			}
			s.Tick = f.Tick
			s.ReceivedAt = now
		case protocol.EventEntityLeft:
			delete(m.entities, ev.EntityID)
		case protocol.EventEntityDocked:
			m.entity(ev.EntityID).DockedBodyID = ev.BodyID
		case protocol.EventEntityUndocked:
			s := m.entity(ev.EntityID)
			s.DockedBodyID = ""
			s.Velocity = spatial.Vec3{}
		default:
			continue
		}
		notify = append(notify, ev)
	}
	m.mu.Unlock()

	for _, ev := range notify {
		m.emit(ev)
	}
	return true
}

// entity returns the state for id, creating it. Callers hold m.mu.
func (m *Monitor) entity(id string) *EntityState {
	s, ok := m.entities[id]
	if !ok {
		s = &EntityState{ID: id}
		m.entities[id] = s
	}
	return s
}

func (m *Monitor) emit(ev protocol.Event) {
	m.mu.RLock()
	fns := make([]Observer, 0, len(m.observers[ev.Type]))
	for _, fn := range m.observers[ev.Type] {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Extrapolate advances every estimate along its last known velocity.
func (m *Monitor) Extrapolate() {
	now := m.now()
	period := m.settings.TickPeriod.Seconds()
	if period <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.entities {
		ticks := now.Sub(s.ReceivedAt).Seconds() / period
		s.Estimated = s.Position.Add(s.Velocity.Mul(ticks * m.settings.Dt))
	}
}

// Reconcile replaces the local view with an authoritative snapshot. A
// snapshot older than the last applied frame is ignored.
func (m *Monitor) Reconcile(ctx context.Context) error {
	m.lifeMu.Lock()
	ch := m.channel
	m.lifeMu.Unlock()
	if ch == nil {
		return errors.New("monitor not initialized")
	}
	return m.reconcile(ctx, ch)
}

func (m *Monitor) reconcile(ctx context.Context, ch Channel) error {
	if m.settings.ReconcileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.settings.ReconcileTimeout)
		defer cancel()
	}

	snap, err := ch.Snapshot(ctx)
	if err != nil {
		return err
	}
	now := m.now()
	bodies := spatial.NewIndex(snap.Bodies)

	m.mu.Lock()
	if snap.Tick < m.lastTick {
		last := m.lastTick
		m.mu.Unlock()
		m.logger.Debug("Stale snapshot ignored", "tick", snap.Tick, "last_tick", last)
		return nil
	}

	next := make(map[string]*EntityState, len(snap.Entities))
	for _, e := range snap.Entities {
		if e.ID == m.selfID {
			continue
		}
		vel := e.Velocity
		if e.IsDocked() {
			if body, ok := bodies.Body(e.DockedBodyID); ok {
				if v, err := spatial.UniversalVelocity(body, bodies); err == nil {
					vel = v
				}
			}
		}
		name := e.Name
		if prev, ok := m.entities[e.ID]; ok && name == "" {
			name = prev.Name
		}
		next[e.ID] = &EntityState{
			ID:           e.ID,
			Name:         name,
			DockedBodyID: e.DockedBodyID,
			Position:     e.UniversalPosition,
			Velocity:     vel,
			Tick:         snap.Tick,
			ReceivedAt:   now,
			Estimated:    e.UniversalPosition,
		}
	}
	m.entities = next
	m.lastTick = snap.Tick
	count := len(next)
	m.mu.Unlock()

	m.logger.Debug("State reconciled", "tick", snap.Tick, "entities", count)
	m.emit(protocol.Event{Type: EventStateSync, Tick: snap.Tick})
	return nil
}

func (m *Monitor) Entity(id string) (EntityState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.entities[id]
	if !ok {
		return EntityState{}, false
	}
	return *s, true
}

// Entities returns every tracked entity sorted by id.
func (m *Monitor) Entities() []EntityState {
	m.mu.RLock()
	out := make([]EntityState, 0, len(m.entities))
	for _, s := range m.entities {
		out = append(out, *s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Monitor) LastTick() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastTick
}
