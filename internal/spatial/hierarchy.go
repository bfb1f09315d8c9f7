package spatial

import (
	"fmt"
	"math"
	"sort"
)

// MaxDepth bounds parent-chain walks: anomaly -> galaxy -> star -> planet.
const MaxDepth = 4

// walk follows the parent chain of body, calling visit on every non-root
// link, and returns the root it reaches.
func walk(body *CelestialBody, idx Index, visit func(*CelestialBody)) (*CelestialBody, error) {
	cur := body
	for hops := 0; !cur.IsRoot(); hops++ {
		if hops >= MaxDepth {
			return nil, fmt.Errorf("%w: body %s exceeds depth %d", ErrCycleDetected, body.ID, MaxDepth)
		}
		if visit != nil {
			visit(cur)
		}
		parent, ok := idx.Body(cur.ParentID)
		if !ok {
			return nil, fmt.Errorf("%w: %s (parent of %s)", ErrUnknownParent, cur.ParentID, cur.ID)
		}
		cur = parent
	}
	return cur, nil
}

// ToUniversal sums local positions up the parent chain onto the root's
// universal position.
func ToUniversal(body *CelestialBody, idx Index) (Vec3, error) {
	var sum Vec3
	root, err := walk(body, idx, func(b *CelestialBody) {
		sum = sum.Add(b.LocalPosition)
	})
	if err != nil {
		return Vec3{}, err
	}
	return sum.Add(root.UniversalPosition), nil
}

// UniversalVelocity sums parent-relative velocities up the chain. Roots are
// stationary.
func UniversalVelocity(body *CelestialBody, idx Index) (Vec3, error) {
	var sum Vec3
	if _, err := walk(body, idx, func(b *CelestialBody) {
		sum = sum.Add(b.Velocity)
	}); err != nil {
		return Vec3{}, err
	}
	return sum, nil
}

func ToLocal(universal Vec3, parent *CelestialBody) Vec3 {
	return universal.Sub(parent.UniversalPosition)
}

// Depth returns the number of ancestors of body.
func Depth(body *CelestialBody, idx Index) (int, error) {
	depth := 0
	if _, err := walk(body, idx, func(*CelestialBody) { depth++ }); err != nil {
		return 0, err
	}
	return depth, nil
}

// Reparent moves body under newParent without changing its universal
// position or universal velocity.
func Reparent(body, newParent *CelestialBody, idx Index) error {
	move, err := PlanReparent(body, newParent, idx)
	if err != nil {
		return err
	}
	move.Apply()
	return nil
}

// Reparenting is a checked move computed against an unchanged index.
type Reparenting struct {
	body      *CelestialBody
	parentID  string
	local     Vec3
	velocity  Vec3
	universal Vec3
}

// PlanReparent checks a Reparent without mutating anything. Several plans
// made against the same index can be applied together as long as none of
// them moves an ancestor of another.
func PlanReparent(body, newParent *CelestialBody, idx Index) (Reparenting, error) {
	if newParent == nil {
		return Reparenting{}, fmt.Errorf("%w: reparent of %s", ErrUnknownParent, body.ID)
	}
	if newParent.ID == body.ID {
		return Reparenting{}, fmt.Errorf("%w: %s cannot parent itself", ErrCycleDetected, body.ID)
	}
	descends := false
	if _, err := walk(newParent, idx, func(b *CelestialBody) {
		if b.ID == body.ID {
			descends = true
		}
	}); err != nil {
		return Reparenting{}, err
	}
	if descends {
		return Reparenting{}, fmt.Errorf("%w: %s descends from %s", ErrCycleDetected, newParent.ID, body.ID)
	}
	if KindLevels[newParent.Kind] > KindLevels[body.Kind] {
		return Reparenting{}, fmt.Errorf("%w: %s %s cannot orbit %s %s", ErrInvalidBody, body.Kind, body.ID, newParent.Kind, newParent.ID)
	}

	pos, err := ToUniversal(body, idx)
	if err != nil {
		return Reparenting{}, err
	}
	vel, err := UniversalVelocity(body, idx)
	if err != nil {
		return Reparenting{}, err
	}
	parentPos, err := ToUniversal(newParent, idx)
	if err != nil {
		return Reparenting{}, err
	}
	parentVel, err := UniversalVelocity(newParent, idx)
	if err != nil {
		return Reparenting{}, err
	}

	return Reparenting{
		body:      body,
		parentID:  newParent.ID,
		local:     pos.Sub(parentPos),
		velocity:  vel.Sub(parentVel),
		universal: pos,
	}, nil
}

func (r Reparenting) Apply() {
	r.body.ParentID = r.parentID
	r.body.LocalPosition = r.local
	r.body.Velocity = r.velocity
	r.body.UniversalPosition = r.universal
}

// Validate checks the invariants of a single body in isolation.
func Validate(b *CelestialBody) error {
	switch {
	case b.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidBody)
	case !b.Kind.Valid():
		return fmt.Errorf("%w: %s has unknown kind %q", ErrInvalidBody, b.ID, b.Kind)
	case !(b.Mass > 0):
		return fmt.Errorf("%w: %s mass must be positive", ErrInvalidBody, b.ID)
	case !(b.Radius > 0):
		return fmt.Errorf("%w: %s radius must be positive", ErrInvalidBody, b.ID)
	case b.ParentID == b.ID:
		return fmt.Errorf("%w: %s cannot parent itself", ErrCycleDetected, b.ID)
	case b.IsRoot() && b.Kind != BodyKindAnomaly:
		return fmt.Errorf("%w: %s %s requires a parent", ErrInvalidBody, b.Kind, b.ID)
	}
	for _, v := range []Vec3{b.UniversalPosition, b.LocalPosition, b.Velocity} {
		for _, c := range v {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return fmt.Errorf("%w: %s has non-finite state", ErrInvalidBody, b.ID)
			}
		}
	}
	return nil
}

// Order returns the bodies of idx sorted parents-first, plus the bodies whose
// chain could not be resolved keyed by id.
func Order(idx Index) ([]*CelestialBody, map[string]error) {
	type ranked struct {
		body  *CelestialBody
		depth int
	}
	ok := make([]ranked, 0, len(idx))
	failed := make(map[string]error)

	for _, b := range idx {
		depth, err := Depth(b, idx)
		if err != nil {
			failed[b.ID] = err
			continue
		}
		if !b.IsRoot() {
			parent := idx[b.ParentID]
			if KindLevels[parent.Kind] > KindLevels[b.Kind] {
				failed[b.ID] = fmt.Errorf("%w: %s %s cannot orbit %s %s", ErrInvalidBody, b.Kind, b.ID, parent.Kind, parent.ID)
				continue
			}
		}
		ok = append(ok, ranked{body: b, depth: depth})
	}

	// Descendants of a failed body are unusable too.
	for changed := true; changed; {
		changed = false
		kept := ok[:0]
		for _, r := range ok {
			if !r.body.IsRoot() {
				if err, bad := failed[r.body.ParentID]; bad {
					failed[r.body.ID] = fmt.Errorf("ancestor %s: %w", r.body.ParentID, err)
					changed = true
					continue
				}
			}
			kept = append(kept, r)
		}
		ok = kept
	}

	sort.Slice(ok, func(i, j int) bool {
		if ok[i].depth != ok[j].depth {
			return ok[i].depth < ok[j].depth
		}
		return ok[i].body.ID < ok[j].body.ID
	})

	ordered := make([]*CelestialBody, len(ok))
	for i, r := range ok {
		ordered[i] = r.body
	}
	return ordered, failed
}

// Refresh recomputes the cached universal position of every non-root body
// in ordered, which must be parents-first.
func Refresh(ordered []*CelestialBody, idx Index) {
	for _, b := range ordered {
		if b.IsRoot() {
			continue
		}
		b.UniversalPosition = idx[b.ParentID].UniversalPosition.Add(b.LocalPosition)
	}
}
