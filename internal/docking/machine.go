// Package docking governs whether a movable entity floats freely in
// universal space or is bound to a celestial body.
//
// Transitions:
//
//	Free      -> Docked(b)  dock request, b must exist; velocity is zeroed
//	Docked(b) -> Free       undock request or b removed; position is kept,
//	                        velocity is zeroed
//
// Docked(b) -> Docked(b') is not a transition; callers undock first.
package docking

import (
	"errors"
	"fmt"
	"time"

	"orbit-server/internal/spatial"
)

var (
	ErrAlreadyDocked = errors.New("entity already docked")
	ErrNotDocked     = errors.New("entity not docked")
)

type Machine struct {
	offset spatial.Vec3
}

// NewMachine returns a machine that places docked entities at the body's
// universal position plus offset.
func NewMachine(offset spatial.Vec3) *Machine {
	return &Machine{offset: offset}
}

func (m *Machine) Dock(e *spatial.MovableEntity, body *spatial.CelestialBody, now time.Time) error {
	if body == nil {
		return fmt.Errorf("%w: dock target for %s", spatial.ErrUnknownParent, e.ID)
	}
	if e.IsDocked() {
		return fmt.Errorf("%w: %s is docked at %s", ErrAlreadyDocked, e.ID, e.DockedBodyID)
	}

	e.DockState = spatial.DockStateDocked
	e.DockedBodyID = body.ID
	e.Velocity = spatial.Vec3{}
	e.UniversalPosition = m.Derive(body)
	e.LastUpdated = now
	return nil
}

// Undock releases e at its last derived position with zero velocity.
func (m *Machine) Undock(e *spatial.MovableEntity, now time.Time) error {
	if !e.IsDocked() {
		return fmt.Errorf("%w: %s", ErrNotDocked, e.ID)
	}

	e.DockState = spatial.DockStateFree
	e.DockedBodyID = ""
	e.Velocity = spatial.Vec3{}
	e.LastUpdated = now
	return nil
}

func (m *Machine) Derive(body *spatial.CelestialBody) spatial.Vec3 {
	return body.UniversalPosition.Add(m.offset)
}

// Follow moves a docked entity onto its body's current position. If the
// body no longer exists the entity is undocked in place and Follow reports
// true.
func (m *Machine) Follow(e *spatial.MovableEntity, idx spatial.Index, now time.Time) (forced bool) {
	if !e.IsDocked() {
		return false
	}
	body, ok := idx.Body(e.DockedBodyID)
	if !ok {
		_ = m.Undock(e, now)
		return true
	}
	e.UniversalPosition = m.Derive(body)
	e.LastUpdated = now
	return false
}

// Consistent reports whether e satisfies the dock invariant.
func Consistent(e *spatial.MovableEntity) bool {
	switch e.DockState {
	case spatial.DockStateDocked:
		return e.DockedBodyID != ""
	case spatial.DockStateFree:
		return e.DockedBodyID == ""
	}
	return false
}
