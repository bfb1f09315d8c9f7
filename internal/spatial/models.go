package spatial

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

type Vec3 = mgl64.Vec3

type BodyKind string

const (
	BodyKindAnomaly BodyKind = "anomaly"
	BodyKindGalaxy  BodyKind = "galaxy"
	BodyKindStar    BodyKind = "star"
	BodyKindPlanet  BodyKind = "planet"
)

// KindLevels orders the hierarchy: a parent's level never exceeds its child's.
var KindLevels = map[BodyKind]int{
	BodyKindAnomaly: 0,
	BodyKindGalaxy:  1,
	BodyKindStar:    2,
	BodyKindPlanet:  3,
}

func (k BodyKind) Valid() bool {
	_, ok := KindLevels[k]
	return ok
}

// CelestialBody is any simulated object with a position. LocalPosition and
// Velocity are relative to ParentID; UniversalPosition is a per-tick cache
// except on roots, where it is the ground truth.
type CelestialBody struct {
	ID                string   `json:"id"`
	Kind              BodyKind `json:"kind"`
	ParentID          string   `json:"parentId,omitempty"`
	Name              string   `json:"name,omitempty"`
	UniversalPosition Vec3     `json:"universalPosition"`
	LocalPosition     Vec3     `json:"localPosition"`
	Velocity          Vec3     `json:"velocity"`
	Mass              float64  `json:"mass"`
	Radius            float64  `json:"radius"`
}

func (b *CelestialBody) IsRoot() bool {
	return b.ParentID == ""
}

type DockState string

const (
	DockStateFree   DockState = "free"
	DockStateDocked DockState = "docked"
)

// MovableEntity is a player-controlled avatar or ship. DockedBodyID is set
// iff DockState is DockStateDocked.
type MovableEntity struct {
	ID                string    `json:"id"`
	Name              string    `json:"name,omitempty"`
	UniversalPosition Vec3      `json:"universalPosition"`
	Velocity          Vec3      `json:"velocity"`
	DockState         DockState `json:"dockState"`
	DockedBodyID      string    `json:"dockedBodyId,omitempty"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

func (e *MovableEntity) IsDocked() bool {
	return e.DockState == DockStateDocked
}

// Snapshot is an immutable export of all positions at a tick boundary.
// Callers must not mutate the slices.
type Snapshot struct {
	Tick     uint64          `json:"tick" msgpack:"tick"`
	TakenAt  time.Time       `json:"takenAt" msgpack:"taken_at"`
	Bodies   []CelestialBody `json:"bodies" msgpack:"bodies"`
	Entities []MovableEntity `json:"entities" msgpack:"entities"`
	Flagged  []string        `json:"flagged,omitempty" msgpack:"flagged"`
}

// Index resolves bodies by id for the hierarchy walks.
type Index map[string]*CelestialBody

func (idx Index) Body(id string) (*CelestialBody, bool) {
	b, ok := idx[id]
	return b, ok
}

func NewIndex(bodies []CelestialBody) Index {
	idx := make(Index, len(bodies))
	for i := range bodies {
		idx[bodies[i].ID] = &bodies[i]
	}
	return idx
}
