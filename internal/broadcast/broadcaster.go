// Package broadcast owns the authoritative simulation. A single tick loop
// applies queued commands, integrates orbits, enforces the bounds, moves
// entities and then publishes one frame per tick to every subscriber.
package broadcast

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"orbit-server/internal/docking"
	"orbit-server/internal/physics"
	"orbit-server/internal/protocol"
	"orbit-server/internal/spatial"
)

type Settings struct {
	// GuardianEvery runs the boundary check every N ticks.
	GuardianEvery uint64
	// PersistEvery hands a snapshot to the persister every N ticks.
	PersistEvery uint64
}

type Broadcaster struct {
	stepMu sync.Mutex

	mu     sync.RWMutex
	cfg    physics.Config
	latest *spatial.Snapshot

	// Owned by Step.
	tick             uint64
	bodies           spatial.Index
	entities         map[string]*spatial.MovableEntity
	ordered          []*spatial.CelestialBody
	flagged          map[string]error
	structureChanged bool

	pendingMu sync.Mutex
	pending   []Command

	periodCh chan time.Duration

	integrator *physics.Integrator
	guardian   *physics.Guardian
	docking    *docking.Machine
	hub        *Hub
	persister  *Persister
	relays     []Relay
	settings   Settings
	now        func() time.Time
	logger     *slog.Logger
}

func New(cfg physics.Config, settings Settings, hub *Hub, persister *Persister, logger *slog.Logger) *Broadcaster {
	if settings.GuardianEvery == 0 {
		settings.GuardianEvery = 1
	}
	if settings.PersistEvery == 0 {
		settings.PersistEvery = 1
	}
	b := &Broadcaster{
		cfg:        cfg,
		bodies:     make(spatial.Index),
		entities:   make(map[string]*spatial.MovableEntity),
		flagged:    make(map[string]error),
		periodCh:   make(chan time.Duration, 1),
		integrator: physics.NewIntegrator(logger, physics.ForceField{}),
		guardian:   physics.NewGuardian(rand.New(rand.NewSource(cfg.Seed)), logger),
		docking:    docking.NewMachine(cfg.DockOffset),
		hub:        hub,
		persister:  persister,
		settings:   settings,
		now:        time.Now,
		logger:     logger.With("component", "broadcaster"),
	}
	b.latest = b.snapshot(time.Now())
	return b
}

func (b *Broadcaster) AddRelay(r Relay) {
	b.relays = append(b.relays, r)
}

// Load replaces the simulation state with snap. It must be called before
// Run.
func (b *Broadcaster) Load(snap *spatial.Snapshot) {
	b.stepMu.Lock()
	defer b.stepMu.Unlock()

	b.tick = snap.Tick
	b.bodies = make(spatial.Index, len(snap.Bodies))
	for i := range snap.Bodies {
		body := snap.Bodies[i]
		if err := spatial.Validate(&body); err != nil {
			b.logger.Error("Skipping invalid persisted body", "body_id", body.ID, "error", err)
			continue
		}
		b.bodies[body.ID] = &body
	}
	b.entities = make(map[string]*spatial.MovableEntity, len(snap.Entities))
	for i := range snap.Entities {
		e := snap.Entities[i]
		if !docking.Consistent(&e) {
			b.logger.Warn("Persisted entity has inconsistent dock state, releasing", "entity_id", e.ID)
			e.DockState = spatial.DockStateFree
			e.DockedBodyID = ""
		}
		b.entities[e.ID] = &e
	}
	b.reorder()
	spatial.Refresh(b.ordered, b.bodies)

	snapOut := b.snapshot(b.now())
	b.mu.Lock()
	b.latest = snapOut
	b.mu.Unlock()

	b.logger.Info("Simulation state loaded",
		"tick", snap.Tick,
		"bodies", len(b.bodies),
		"entities", len(b.entities),
		"flagged", len(b.flagged),
	)
}

// Submit queues cmd for the next tick. It is safe to call from any
// goroutine.
func (b *Broadcaster) Submit(cmd Command) {
	b.pendingMu.Lock()
	b.pending = append(b.pending, cmd)
	b.pendingMu.Unlock()
}

func (b *Broadcaster) Config() physics.Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// Snapshot returns the state as of the last completed tick.
func (b *Broadcaster) Snapshot() *spatial.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest
}

func (b *Broadcaster) Tick() uint64 {
	return b.Snapshot().Tick
}

// Run steps the simulation every tick period until ctx is done. The period
// follows configuration changes.
func (b *Broadcaster) Run(ctx context.Context) {
	period := b.Config().TickPeriod()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	b.logger.Info("Tick loop started", "period", period)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Tick loop stopped", "tick", b.Tick())
			return
		case p := <-b.periodCh:
			ticker.Reset(p)
			b.logger.Info("Tick period changed", "period", p)
		case <-ticker.C:
			b.Step()
		}
	}
}

type tickContext struct {
	tick   uint64
	now    time.Time
	cfg    *physics.Config
	events []protocol.Event
}

func (tc *tickContext) emit(ev protocol.Event) {
	ev.Tick = tc.tick
	tc.events = append(tc.events, ev)
}

// Step runs one tick and returns the resulting snapshot.
func (b *Broadcaster) Step() *spatial.Snapshot {
	b.stepMu.Lock()
	defer b.stepMu.Unlock()

	now := b.now()
	cfg := b.Config()
	tc := &tickContext{tick: b.tick + 1, now: now, cfg: &cfg}

	b.applyCommands(tc)
	if tc.cfg.TickPeriod() != b.Config().TickPeriod() {
		b.notifyPeriod(tc.cfg.TickPeriod())
	}
	if tc.cfg.DockOffset != b.Config().DockOffset {
		b.docking = docking.NewMachine(tc.cfg.DockOffset)
	}

	if b.structureChanged {
		b.reorder()
	}

	b.integrator.Step(b.ordered, b.bodies, cfg)

	if tc.tick%b.settings.GuardianEvery == 0 {
		moved := b.guardian.Check(b.ordered, b.bodies, cfg)
		if len(moved) > 0 {
			b.reorder()
			spatial.Refresh(b.ordered, b.bodies)
		}
		for _, r := range moved {
			tc.emit(protocol.Event{
				Type:              protocol.EventBodyReinserted,
				BodyID:            r.BodyID,
				UniversalPosition: protocol.Vec(r.Position),
				Reason:            "out of bounds; moved from " + r.FromParent + " to " + r.ToParent,
			})
		}
	}

	b.moveEntities(tc)
	b.tick = tc.tick

	snap := b.snapshot(now)
	b.emitPositions(tc, snap)
	frame := protocol.Frame{Tick: tc.tick, Events: tc.events}

	// Publish only after the whole tick is computed.
	b.mu.Lock()
	b.cfg = cfg
	b.latest = snap
	b.mu.Unlock()

	if b.persister != nil && tc.tick%b.settings.PersistEvery == 0 {
		b.persister.Submit(snap)
	}

	msg, err := protocol.Encode(protocol.MsgFrame, frame)
	if err != nil {
		b.logger.Error("Failed to encode frame", "tick", tc.tick, "error", err)
		return snap
	}
	b.hub.Broadcast(msg)
	for _, r := range b.relays {
		r.Relay(msg, snap)
	}
	return snap
}

func (b *Broadcaster) applyCommands(tc *tickContext) {
	b.pendingMu.Lock()
	cmds := b.pending
	b.pending = nil
	b.pendingMu.Unlock()

	kept, superseded := coalesce(cmds)
	for _, cmd := range superseded {
		b.reject(tc, cmd, ErrSuperseded)
	}
	for _, cmd := range kept {
		if err := cmd.apply(b, tc); err != nil {
			b.reject(tc, cmd, err)
		}
	}
}

// reject tells the sender why cmd was dropped. Rejections never enter the
// broadcast frame.
func (b *Broadcaster) reject(tc *tickContext, cmd Command, err error) {
	b.logger.Debug("Command rejected",
		"tick", tc.tick,
		"command", cmd.Name(),
		"origin", cmd.Origin(),
		"error", err,
	)
	if cmd.Origin() == "" {
		b.logger.Warn("Server command rejected", "command", cmd.Name(), "error", err)
		return
	}
	msg, encErr := protocol.Encode(protocol.MsgRejected, protocol.Event{
		Type:     protocol.EventCommandRejected,
		Tick:     tc.tick,
		EntityID: targetOf(cmd),
		Command:  cmd.Name(),
		Reason:   err.Error(),
	})
	if encErr != nil {
		b.logger.Error("Failed to encode rejection", "error", encErr)
		return
	}
	b.hub.SendTo(cmd.Origin(), msg)
}

func (b *Broadcaster) notifyPeriod(p time.Duration) {
	select {
	case <-b.periodCh:
	default:
	}
	b.periodCh <- p
}

// reorder rebuilds the parents-first order and flags bodies whose chain is
// broken. Flagged bodies are kept but not integrated.
func (b *Broadcaster) reorder() {
	ordered, failed := spatial.Order(b.bodies)
	for id, err := range failed {
		if _, known := b.flagged[id]; !known {
			b.logger.Error("CycleDetected: body flagged for administrative repair",
				"body_id", id,
				"error", err,
			)
		}
	}
	for id := range b.flagged {
		if _, still := failed[id]; !still {
			b.logger.Info("Body hierarchy repaired", "body_id", id)
		}
	}
	b.ordered = ordered
	b.flagged = failed
	b.structureChanged = false
}

func (b *Broadcaster) moveEntities(tc *tickContext) {
	ids := make([]string, 0, len(b.entities))
	for id := range b.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		e := b.entities[id]
		if e.IsDocked() {
			bodyID := e.DockedBodyID
			if b.docking.Follow(e, b.bodies, tc.now) {
				tc.emit(protocol.Event{
					Type:              protocol.EventEntityUndocked,
					EntityID:          e.ID,
					BodyID:            bodyID,
					UniversalPosition: protocol.Vec(e.UniversalPosition),
					Reason:            "body removed",
				})
			}
			continue
		}
		if e.Velocity.Len() > 0 {
			e.UniversalPosition = e.UniversalPosition.Add(e.Velocity.Mul(tc.cfg.Dt))
			e.LastUpdated = tc.now
		}
	}
}

// emitPositions adds the per-tick body and entity updates. A docked entity
// reports its body's universal velocity so clients can extrapolate it.
func (b *Broadcaster) emitPositions(tc *tickContext, snap *spatial.Snapshot) {
	for i := range snap.Bodies {
		body := &snap.Bodies[i]
		if _, bad := b.flagged[body.ID]; bad {
			continue
		}
		tc.emit(protocol.Event{
			Type:              protocol.EventBodyUpdate,
			BodyID:            body.ID,
			Position:          protocol.Vec(body.LocalPosition),
			Velocity:          protocol.Vec(body.Velocity),
			UniversalPosition: protocol.Vec(body.UniversalPosition),
		})
	}
	for i := range snap.Entities {
		e := &snap.Entities[i]
		vel := e.Velocity
		if e.IsDocked() {
			if body, ok := b.bodies[e.DockedBodyID]; ok {
				if v, err := spatial.UniversalVelocity(body, b.bodies); err == nil {
					vel = v
				}
			}
		}
		tc.emit(protocol.Event{
			Type:              protocol.EventPositionUpdate,
			EntityID:          e.ID,
			BodyID:            e.DockedBodyID,
			Position:          protocol.Vec(e.UniversalPosition),
			UniversalPosition: protocol.Vec(e.UniversalPosition),
			Velocity:          protocol.Vec(vel),
		})
	}
}

func (b *Broadcaster) snapshot(now time.Time) *spatial.Snapshot {
	snap := &spatial.Snapshot{
		Tick:     b.tick,
		TakenAt:  now,
		Bodies:   make([]spatial.CelestialBody, 0, len(b.bodies)),
		Entities: make([]spatial.MovableEntity, 0, len(b.entities)),
	}
	for _, body := range b.bodies {
		snap.Bodies = append(snap.Bodies, *body)
	}
	for _, e := range b.entities {
		snap.Entities = append(snap.Entities, *e)
	}
	for id := range b.flagged {
		snap.Flagged = append(snap.Flagged, id)
	}
	sort.Slice(snap.Bodies, func(i, j int) bool { return snap.Bodies[i].ID < snap.Bodies[j].ID })
	sort.Slice(snap.Entities, func(i, j int) bool { return snap.Entities[i].ID < snap.Entities[j].ID })
	sort.Strings(snap.Flagged)
	return snap
}
