package physics

import (
	"fmt"
	"time"

	"orbit-server/internal/spatial"
)

// Config is the single source of physics constants. The broadcaster owns one
// value and hands copies to the integrator, force field and guardian.
type Config struct {
	G        float64       `json:"g"`
	Dt       float64       `json:"dt"`
	TickBase time.Duration `json:"tickBase"`

	// CycleSpeed scales simulation speed: the tick period is TickBase/CycleSpeed.
	CycleSpeed float64 `json:"cycleSpeed"`

	// Below DegenerateEpsilon parent separation, acceleration is clamped to
	// MaxAcceleration.
	DegenerateEpsilon float64 `json:"degenerateEpsilon"`
	MaxAcceleration   float64 `json:"maxAcceleration"`

	// A guarded body is reinserted once it leaves Bounds by more than
	// ResetMargin of the extent.
	Bounds             Bounds             `json:"bounds"`
	ResetMargin        float64            `json:"resetMargin"`
	ResetMinDistance   float64            `json:"resetMinDistance"`
	ResetMaxDistance   float64            `json:"resetMaxDistance"`
	ResetVelocityScale float64            `json:"resetVelocityScale"`
	GuardedKinds       []spatial.BodyKind `json:"guardedKinds"`

	ForceField ForceFieldConfig `json:"forceField"`

	MaxEntitySpeed float64      `json:"maxEntitySpeed"`
	DockOffset     spatial.Vec3 `json:"dockOffset"`

	Workers int   `json:"workers"`
	Seed    int64 `json:"seed"`
}

// Bounds is a symmetric cube ±Extent per axis around the origin.
type Bounds struct {
	Extent float64 `json:"extent"`
}

func (b Bounds) Contains(p spatial.Vec3, margin float64) bool {
	limit := b.Extent * (1 + margin)
	for _, c := range p {
		if c < -limit || c > limit {
			return false
		}
	}
	return true
}

// ForceFieldConfig tunes the anti-drift forces. The container volume is
// Width x Height centred on the parent; each repulsion corner sits
// CornerInset of the half-extent inward from the true corner. RepulsionCap
// limits the inverse-square growth near a corner as a multiple of the
// strength at CornerRadius.
type ForceFieldConfig struct {
	Enabled         bool    `json:"enabled"`
	Width           float64 `json:"width"`
	Height          float64 `json:"height"`
	CornerInset     float64 `json:"cornerInset"`
	CornerRadius    float64 `json:"cornerRadius"`
	RepulsionFactor float64 `json:"repulsionFactor"`
	QuadrantBoost   float64 `json:"quadrantBoost"`
	RepulsionCap    float64 `json:"repulsionCap"`
	CenterFactor    float64 `json:"centerFactor"`
	CenterThreshold float64 `json:"centerThreshold"`
}

func DefaultConfig() Config {
	return Config{
		G:                  0.05,
		Dt:                 1,
		TickBase:           time.Second,
		CycleSpeed:         1,
		DegenerateEpsilon:  1e-3,
		MaxAcceleration:    50,
		Bounds:             Bounds{Extent: 5000},
		ResetMargin:        0.01,
		ResetMinDistance:   800,
		ResetMaxDistance:   2300,
		ResetVelocityScale: 0.5,
		GuardedKinds:       []spatial.BodyKind{spatial.BodyKindGalaxy},
		ForceField: ForceFieldConfig{
			Enabled:         true,
			Width:           4000,
			Height:          4000,
			CornerInset:     0.12,
			CornerRadius:    800,
			RepulsionFactor: 1.15,
			QuadrantBoost:   1.5,
			RepulsionCap:    4,
			CenterFactor:    0.3,
			CenterThreshold: 0.4,
		},
		MaxEntitySpeed: 50,
		DockOffset:     spatial.Vec3{0, 0, 10},
		Workers:        4,
		Seed:           1,
	}
}

// TickPeriod is the wall-clock interval between ticks.
func (c Config) TickPeriod() time.Duration {
	return time.Duration(float64(c.TickBase) / c.CycleSpeed)
}

func (c Config) Guarded(kind spatial.BodyKind) bool {
	for _, k := range c.GuardedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (c Config) Validate() error {
	switch {
	case !(c.G > 0):
		return fmt.Errorf("gravitational constant must be positive")
	case !(c.Dt > 0):
		return fmt.Errorf("dt must be positive")
	case c.TickBase <= 0:
		return fmt.Errorf("tick base must be positive")
	case !(c.CycleSpeed > 0):
		return fmt.Errorf("cycle speed must be positive")
	case !(c.Bounds.Extent > 0):
		return fmt.Errorf("bounds extent must be positive")
	case c.ResetMargin < 0:
		return fmt.Errorf("reset margin must not be negative")
	case !(c.ResetMinDistance > 0) || c.ResetMaxDistance < c.ResetMinDistance:
		return fmt.Errorf("reset distance range [%g, %g] is invalid", c.ResetMinDistance, c.ResetMaxDistance)
	case c.ResetMaxDistance >= c.Bounds.Extent:
		return fmt.Errorf("reset max distance %g must be inside bounds %g", c.ResetMaxDistance, c.Bounds.Extent)
	case !(c.ResetVelocityScale > 0):
		return fmt.Errorf("reset velocity scale must be positive")
	case !(c.MaxAcceleration > 0) || !(c.DegenerateEpsilon > 0):
		return fmt.Errorf("degenerate orbit clamp must be positive")
	case c.ForceField.Enabled && (c.ForceField.Width <= 0 || c.ForceField.Height <= 0):
		return fmt.Errorf("force field volume must be positive")
	case c.ForceField.Enabled && c.ForceField.RepulsionFactor <= 1:
		return fmt.Errorf("repulsion factor must exceed 1.0")
	case c.Workers < 1:
		return fmt.Errorf("workers must be at least 1")
	}
	return nil
}

// Patch carries a partial administrative update. Nil fields are unchanged.
type Patch struct {
	G                  *float64 `json:"g,omitempty"`
	Dt                 *float64 `json:"dt,omitempty"`
	CycleSpeed         *float64 `json:"cycleSpeed,omitempty"`
	BoundsExtent       *float64 `json:"boundsExtent,omitempty"`
	ResetMinDistance   *float64 `json:"resetMinDistance,omitempty"`
	ResetMaxDistance   *float64 `json:"resetMaxDistance,omitempty"`
	ResetVelocityScale *float64 `json:"resetVelocityScale,omitempty"`
	ForceFieldEnabled  *bool    `json:"forceFieldEnabled,omitempty"`
}

// Apply returns a copy of c with the patch applied and validated.
func (p Patch) Apply(c Config) (Config, error) {
	if p.G != nil {
		c.G = *p.G
	}
	if p.Dt != nil {
		c.Dt = *p.Dt
	}
	if p.CycleSpeed != nil {
		c.CycleSpeed = *p.CycleSpeed
	}
	if p.BoundsExtent != nil {
		c.Bounds.Extent = *p.BoundsExtent
	}
	if p.ResetMinDistance != nil {
		c.ResetMinDistance = *p.ResetMinDistance
	}
	if p.ResetMaxDistance != nil {
		c.ResetMaxDistance = *p.ResetMaxDistance
	}
	if p.ResetVelocityScale != nil {
		c.ResetVelocityScale = *p.ResetVelocityScale
	}
	if p.ForceFieldEnabled != nil {
		c.ForceField.Enabled = *p.ForceFieldEnabled
	}
	c.GuardedKinds = append([]spatial.BodyKind(nil), c.GuardedKinds...)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
