package broadcast

import (
	"errors"
	"fmt"
	"sort"

	"orbit-server/internal/physics"
	"orbit-server/internal/protocol"
	"orbit-server/internal/spatial"
)

var (
	ErrUnknownEntity = errors.New("unknown entity")
	ErrEntityDocked  = errors.New("entity is docked")
	ErrSuperseded    = errors.New("superseded by a later command in the same tick")
)

// Command is a mutation queued for the next tick. Commands are applied in
// submission order at the start of a tick, before integration, so a tick is
// never observed half-applied.
type Command interface {
	// Origin is the subscriber that sent the command, or "" for commands
	// issued by the server itself.
	Origin() string
	Name() string
	apply(b *Broadcaster, tc *tickContext) error
}

// dockCommand is implemented by commands that take part in per-entity
// last-write-wins coalescing.
type dockCommand interface {
	Command
	entity() string
}

type JoinEntity struct {
	From     string
	EntityID string
	Label    string
	Position spatial.Vec3
}

func (c JoinEntity) Origin() string { return c.From }
func (c JoinEntity) Name() string   { return protocol.MsgJoin }

func (c JoinEntity) apply(b *Broadcaster, tc *tickContext) error {
	if c.EntityID == "" {
		return fmt.Errorf("%w: empty entity id", ErrUnknownEntity)
	}
	e, ok := b.entities[c.EntityID]
	if !ok {
		e = &spatial.MovableEntity{
			ID:                c.EntityID,
			UniversalPosition: c.Position,
			DockState:         spatial.DockStateFree,
		}
		b.entities[c.EntityID] = e
	}
	if c.Label != "" {
		e.Name = c.Label
	}
	e.LastUpdated = tc.now

	tc.emit(protocol.Event{
		Type:              protocol.EventEntityJoined,
		EntityID:          e.ID,
		Name:              e.Name,
		UniversalPosition: protocol.Vec(e.UniversalPosition),
	})
	return nil
}

type LeaveEntity struct {
	From     string
	EntityID string
}

func (c LeaveEntity) Origin() string { return c.From }
func (c LeaveEntity) Name() string   { return protocol.MsgLeave }

func (c LeaveEntity) apply(b *Broadcaster, tc *tickContext) error {
	if _, ok := b.entities[c.EntityID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, c.EntityID)
	}
	delete(b.entities, c.EntityID)
	tc.emit(protocol.Event{Type: protocol.EventEntityLeft, EntityID: c.EntityID})
	return nil
}

type Dock struct {
	From     string
	EntityID string
	BodyID   string
}

func (c Dock) Origin() string { return c.From }
func (c Dock) Name() string   { return protocol.MsgDock }
func (c Dock) entity() string { return c.EntityID }

func (c Dock) apply(b *Broadcaster, tc *tickContext) error {
	e, ok := b.entities[c.EntityID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, c.EntityID)
	}
	body, ok := b.bodies.Body(c.BodyID)
	if !ok {
		return fmt.Errorf("%w: body %s", spatial.ErrBodyNotFound, c.BodyID)
	}
	if err := b.docking.Dock(e, body, tc.now); err != nil {
		return err
	}
	tc.emit(protocol.Event{
		Type:              protocol.EventEntityDocked,
		EntityID:          e.ID,
		BodyID:            body.ID,
		UniversalPosition: protocol.Vec(e.UniversalPosition),
	})
	return nil
}

type Undock struct {
	From     string
	EntityID string
}

func (c Undock) Origin() string { return c.From }
func (c Undock) Name() string   { return protocol.MsgUndock }
func (c Undock) entity() string { return c.EntityID }

func (c Undock) apply(b *Broadcaster, tc *tickContext) error {
	e, ok := b.entities[c.EntityID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, c.EntityID)
	}
	bodyID := e.DockedBodyID
	if err := b.docking.Undock(e, tc.now); err != nil {
		return err
	}
	tc.emit(protocol.Event{
		Type:              protocol.EventEntityUndocked,
		EntityID:          e.ID,
		BodyID:            bodyID,
		UniversalPosition: protocol.Vec(e.UniversalPosition),
	})
	return nil
}

// MoveEntity sets the velocity of a free entity, capped at the configured
// maximum speed.
type MoveEntity struct {
	From     string
	EntityID string
	Velocity spatial.Vec3
}

func (c MoveEntity) Origin() string { return c.From }
func (c MoveEntity) Name() string   { return protocol.MsgMove }

func (c MoveEntity) apply(b *Broadcaster, tc *tickContext) error {
	e, ok := b.entities[c.EntityID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, c.EntityID)
	}
	if e.IsDocked() {
		return fmt.Errorf("%w: %s at %s", ErrEntityDocked, e.ID, e.DockedBodyID)
	}
	v := c.Velocity
	if max := tc.cfg.MaxEntitySpeed; max > 0 && v.Len() > max {
		v = v.Normalize().Mul(max)
	}
	e.Velocity = v
	e.LastUpdated = tc.now
	return nil
}

// ReplaceBodies upserts bodies by id. New orbiting bodies with zero velocity
// are seeded on a circular orbit around their parent.
type ReplaceBodies struct {
	From   string
	Bodies []spatial.CelestialBody
}

func (c ReplaceBodies) Origin() string { return c.From }
func (c ReplaceBodies) Name() string   { return "replace_bodies" }

func (c ReplaceBodies) apply(b *Broadcaster, tc *tickContext) error {
	for i := range c.Bodies {
		if err := spatial.Validate(&c.Bodies[i]); err != nil {
			return err
		}
	}

	var created []*spatial.CelestialBody
	for i := range c.Bodies {
		nb := c.Bodies[i]
		if existing, ok := b.bodies[nb.ID]; ok {
			*existing = nb
			continue
		}
		body := &nb
		b.bodies[body.ID] = body
		created = append(created, body)
	}
	b.structureChanged = true

	for _, body := range created {
		if !body.IsRoot() && body.Velocity.Len() == 0 {
			if parent, ok := b.bodies[body.ParentID]; ok {
				if err := physics.SeedCircular(body, parent, *tc.cfg); err != nil {
					b.logger.Warn("Could not seed circular orbit",
						"body_id", body.ID,
						"parent_id", body.ParentID,
						"error", err,
					)
				}
			}
		}
		tc.emit(protocol.Event{
			Type:     protocol.EventBodyCreated,
			BodyID:   body.ID,
			Name:     body.Name,
			Position: protocol.Vec(body.LocalPosition),
			Velocity: protocol.Vec(body.Velocity),
		})
	}
	return nil
}

// RemoveBody deletes a body. With Cascade, or when the body is a root, its
// whole subtree goes with it; otherwise its children are reparented to its
// parent, keeping their universal position and velocity.
type RemoveBody struct {
	From    string
	BodyID  string
	Cascade bool
}

func (c RemoveBody) Origin() string { return c.From }
func (c RemoveBody) Name() string   { return "remove_body" }

func (c RemoveBody) apply(b *Broadcaster, tc *tickContext) error {
	target, ok := b.bodies[c.BodyID]
	if !ok {
		return fmt.Errorf("%w: %s", spatial.ErrBodyNotFound, c.BodyID)
	}

	children := make(map[string][]*spatial.CelestialBody)
	for _, body := range b.bodies {
		if !body.IsRoot() {
			children[body.ParentID] = append(children[body.ParentID], body)
		}
	}
	for _, kids := range children {
		sort.Slice(kids, func(i, j int) bool { return kids[i].ID < kids[j].ID })
	}

	doomed := []string{target.ID}
	if c.Cascade || target.IsRoot() {
		for i := 0; i < len(doomed); i++ {
			for _, kid := range children[doomed[i]] {
				doomed = append(doomed, kid.ID)
			}
		}
	} else {
		parent := b.bodies[target.ParentID]
		moves := make([]spatial.Reparenting, 0, len(children[target.ID]))
		for _, kid := range children[target.ID] {
			move, err := spatial.PlanReparent(kid, parent, b.bodies)
			if err != nil {
				return fmt.Errorf("reparent %s: %w", kid.ID, err)
			}
			moves = append(moves, move)
		}
		for _, move := range moves {
			move.Apply()
		}
	}

	for _, id := range doomed {
		delete(b.bodies, id)
		tc.emit(protocol.Event{Type: protocol.EventBodyRemoved, BodyID: id})
	}
	b.structureChanged = true
	return nil
}

type UpdateConfig struct {
	From  string
	Patch physics.Patch
}

func (c UpdateConfig) Origin() string { return c.From }
func (c UpdateConfig) Name() string   { return "update_config" }

func (c UpdateConfig) apply(b *Broadcaster, tc *tickContext) error {
	next, err := c.Patch.Apply(*tc.cfg)
	if err != nil {
		return err
	}
	*tc.cfg = next
	return nil
}

// coalesce keeps only the last dock or undock command per entity; earlier
// ones are returned as superseded.
func coalesce(cmds []Command) (kept, superseded []Command) {
	last := make(map[string]int)
	for i, cmd := range cmds {
		if dc, ok := cmd.(dockCommand); ok {
			last[dc.entity()] = i
		}
	}
	for i, cmd := range cmds {
		if dc, ok := cmd.(dockCommand); ok && last[dc.entity()] != i {
			superseded = append(superseded, cmd)
			continue
		}
		kept = append(kept, cmd)
	}
	return kept, superseded
}

// targetOf names the entity a command acts on, if any.
func targetOf(cmd Command) string {
	switch c := cmd.(type) {
	case JoinEntity:
		return c.EntityID
	case LeaveEntity:
		return c.EntityID
	case Dock:
		return c.EntityID
	case Undock:
		return c.EntityID
	case MoveEntity:
		return c.EntityID
	}
	return ""
}
