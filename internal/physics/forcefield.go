package physics

import (
	"math"

	"orbit-server/internal/spatial"
)

// ForceField adds corner repulsion, quadrant balancing and a weak centre pull
// to bodies that orbit a container parent (a galaxy or a star). Galaxies
// orbiting anomalies get pure gravity.
type ForceField struct{}

func (ForceField) Applies(parent *spatial.CelestialBody) bool {
	return parent.Kind != spatial.BodyKindAnomaly
}

func (f ForceField) Acceleration(body, parent *spatial.CelestialBody, cfg Config) spatial.Vec3 {
	ff := cfg.ForceField
	if !ff.Enabled || !f.Applies(parent) {
		return spatial.Vec3{}
	}

	halfW, halfH := ff.Width/2, ff.Height/2
	maxRadius := math.Min(halfW, halfH)
	// Strength of parent gravity at the container boundary.
	base := cfg.G * parent.Mass / (maxRadius * maxRadius)

	p := body.LocalPosition
	var accel spatial.Vec3

	cx := halfW * (1 - ff.CornerInset)
	cy := halfH * (1 - ff.CornerInset)
	qx, qy := quadrant(p)
	for _, sx := range []float64{-1, 1} {
		for _, sy := range []float64{-1, 1} {
			corner := spatial.Vec3{sx * cx, sy * cy, 0}
			strength := ff.RepulsionFactor * base
			if sx == qx && sy == qy {
				strength *= ff.QuadrantBoost
			}
			accel = accel.Add(cornerRepulsion(p, corner, strength, ff))
		}
	}

	planar := spatial.Vec3{p[0], p[1], 0}
	if r := planar.Len(); r > ff.CenterThreshold*maxRadius {
		accel = accel.Add(planar.Mul(-ff.CenterFactor * base / r))
	}

	return accel
}

func quadrant(p spatial.Vec3) (float64, float64) {
	qx, qy := 1.0, 1.0
	if p[0] < 0 {
		qx = -1
	}
	if p[1] < 0 {
		qy = -1
	}
	return qx, qy
}

// cornerRepulsion pushes p away from corner with inverse-square falloff,
// zero beyond CornerRadius and capped at RepulsionCap times strength.
func cornerRepulsion(p, corner spatial.Vec3, strength float64, ff ForceFieldConfig) spatial.Vec3 {
	d := spatial.Vec3{p[0] - corner[0], p[1] - corner[1], 0}
	dist := d.Len()
	if dist >= ff.CornerRadius {
		return spatial.Vec3{}
	}

	scale := ff.RepulsionCap
	if dist > 0 {
		scale = math.Min((ff.CornerRadius*ff.CornerRadius)/(dist*dist), ff.RepulsionCap)
	} else {
		// Sitting on the corner: push toward the centre.
		d = corner.Mul(-1)
		dist = d.Len()
	}
	return d.Mul(strength * scale / dist)
}
