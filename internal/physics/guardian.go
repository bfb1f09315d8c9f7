package physics

import (
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"orbit-server/internal/spatial"
)

const placementAttempts = 8

// Guardian reinserts guarded bodies that escaped the configured bounds.
type Guardian struct {
	rng    *rand.Rand
	logger *slog.Logger
}

func NewGuardian(rng *rand.Rand, logger *slog.Logger) *Guardian {
	return &Guardian{
		rng:    rng,
		logger: logger.With("component", "boundary_guardian"),
	}
}

type Reinsertion struct {
	BodyID     string       `json:"bodyId"`
	FromParent string       `json:"fromParent"`
	ToParent   string       `json:"toParent"`
	Position   spatial.Vec3 `json:"position"`
}

// Escaped reports whether a body lies beyond the bounds plus the hysteresis
// margin.
func Escaped(b *spatial.CelestialBody, cfg Config) bool {
	return !cfg.Bounds.Contains(b.UniversalPosition, cfg.ResetMargin)
}

// Check reinserts every escaped guarded body around its nearest anomaly.
// Bodies inside the bounds or within the margin are left alone, so a second
// call on the same state is a no-op.
func (g *Guardian) Check(ordered []*spatial.CelestialBody, idx spatial.Index, cfg Config) []Reinsertion {
	var anomalies []*spatial.CelestialBody
	for _, b := range ordered {
		if b.IsRoot() && b.Kind == spatial.BodyKindAnomaly {
			anomalies = append(anomalies, b)
		}
	}
	sort.Slice(anomalies, func(i, j int) bool { return anomalies[i].ID < anomalies[j].ID })

	var out []Reinsertion
	for _, b := range ordered {
		if b.IsRoot() || !cfg.Guarded(b.Kind) || !Escaped(b, cfg) {
			continue
		}
		if len(anomalies) == 0 {
			g.logger.Warn("Body out of bounds but no anomaly to reinsert around", "body_id", b.ID)
			continue
		}

		escapedAt := b.UniversalPosition
		from := b.ParentID
		anchor := g.nearest(escapedAt, anomalies)
		g.reinsert(b, anchor, cfg)

		g.logger.Info("OutOfBounds: body reinserted",
			"body_id", b.ID,
			"escaped_at", escapedAt,
			"from_parent", from,
			"to_parent", anchor.ID,
			"position", b.UniversalPosition,
		)
		out = append(out, Reinsertion{
			BodyID:     b.ID,
			FromParent: from,
			ToParent:   anchor.ID,
			Position:   b.UniversalPosition,
		})
	}
	return out
}

// nearest picks the closest anomaly, choosing at random among ties.
func (g *Guardian) nearest(p spatial.Vec3, anomalies []*spatial.CelestialBody) *spatial.CelestialBody {
	best := math.Inf(1)
	var tied []*spatial.CelestialBody
	for _, a := range anomalies {
		d := a.UniversalPosition.Sub(p).Len()
		switch {
		case d < best-1e-9:
			best = d
			tied = append(tied[:0], a)
		case math.Abs(d-best) <= 1e-9:
			tied = append(tied, a)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return tied[g.rng.Intn(len(tied))]
}

func (g *Guardian) reinsert(b, anchor *spatial.CelestialBody, cfg Config) {
	var local spatial.Vec3
	placed := false
	for i := 0; i < placementAttempts && !placed; i++ {
		angle := g.rng.Float64() * 2 * math.Pi
		dist := cfg.ResetMinDistance + g.rng.Float64()*(cfg.ResetMaxDistance-cfg.ResetMinDistance)
		local = spatial.Vec3{dist * math.Cos(angle), dist * math.Sin(angle), 0}
		placed = cfg.Bounds.Contains(anchor.UniversalPosition.Add(local), 0)
	}
	if !placed {
		// Anchor near the edge: fall inward toward the origin.
		inward := anchor.UniversalPosition.Mul(-1)
		if inward.Len() == 0 {
			inward = spatial.Vec3{1, 0, 0}
		}
		local = inward.Normalize().Mul(cfg.ResetMinDistance)
	}

	b.ParentID = anchor.ID
	b.LocalPosition = local
	b.UniversalPosition = anchor.UniversalPosition.Add(local)

	v, err := CircularVelocity(cfg.G, anchor.Mass, local)
	if err != nil {
		b.Velocity = spatial.Vec3{}
		return
	}
	b.Velocity = v.Mul(cfg.ResetVelocityScale)
}
