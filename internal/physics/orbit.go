package physics

import (
	"errors"
	"fmt"
	"math"

	"orbit-server/internal/spatial"
)

var ErrDegenerateOrbit = errors.New("degenerate orbit")

// Up is the reference axis crossed with the radius vector to obtain the
// tangential direction of an orbit.
var Up = spatial.Vec3{0, 0, 1}

// CircularSpeed is the speed of a circular orbit at distance r.
func CircularSpeed(g, parentMass, r float64) float64 {
	return math.Sqrt(g * parentMass / r)
}

// CircularVelocity returns the tangential velocity that keeps a body at
// offset r from its parent on a circular orbit.
func CircularVelocity(g, parentMass float64, r spatial.Vec3) (spatial.Vec3, error) {
	dist := r.Len()
	if dist == 0 {
		return spatial.Vec3{}, fmt.Errorf("%w: zero radius", ErrDegenerateOrbit)
	}

	tangent := Up.Cross(r)
	if tangent.Len() < 1e-9*dist {
		// r is parallel to Up; any perpendicular axis works.
		tangent = spatial.Vec3{1, 0, 0}.Cross(r)
	}

	return tangent.Normalize().Mul(CircularSpeed(g, parentMass, dist)), nil
}

// SeedCircular sets body.Velocity to the circular-orbit velocity around
// parent.
func SeedCircular(body, parent *spatial.CelestialBody, cfg Config) error {
	v, err := CircularVelocity(cfg.G, parent.Mass, body.LocalPosition)
	if err != nil {
		return fmt.Errorf("seeding %s: %w", body.ID, err)
	}
	body.Velocity = v
	return nil
}

// Gravity returns the two-body acceleration of a body at local offset from a
// parent of the given mass. Only separations below DegenerateEpsilon are
// clamped, to MaxAcceleration; the second result reports that case.
func Gravity(local spatial.Vec3, parentMass float64, cfg Config) (spatial.Vec3, bool) {
	dist := local.Len()
	if dist < cfg.DegenerateEpsilon {
		if dist == 0 {
			return spatial.Vec3{}, true
		}
		return local.Mul(-cfg.MaxAcceleration / dist), true
	}

	mag := cfg.G * parentMass / (dist * dist)
	return local.Mul(-mag / dist), false
}
