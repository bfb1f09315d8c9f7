package physics

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit-server/internal/spatial"
)

func guardianUniverse(galaxyAt spatial.Vec3, anomalies ...spatial.Vec3) spatial.Index {
	var bodies []spatial.CelestialBody
	for i, p := range anomalies {
		bodies = append(bodies, spatial.CelestialBody{
			ID:                "a" + string(rune('1'+i)),
			Kind:              spatial.BodyKindAnomaly,
			UniversalPosition: p,
			Mass:              1_000_000,
			Radius:            50,
		})
	}
	bodies = append(bodies, spatial.CelestialBody{
		ID:                "g1",
		Kind:              spatial.BodyKindGalaxy,
		ParentID:          "a1",
		LocalPosition:     galaxyAt.Sub(anomalies[0]),
		UniversalPosition: galaxyAt,
		Velocity:          spatial.Vec3{0, 30, 0},
		Mass:              1000,
		Radius:            10,
	})
	return spatial.NewIndex(bodies)
}

func withinBounds(t *testing.T, p spatial.Vec3, extent float64) {
	t.Helper()
	for _, c := range p {
		assert.LessOrEqual(t, math.Abs(c), extent, "position %v outside ±%g", p, extent)
	}
}

func TestGuardianReinsertsEscapedBody(t *testing.T) {
	cfg := DefaultConfig()
	idx := guardianUniverse(spatial.Vec3{5200, 0, 0}, spatial.Vec3{})
	ordered, _ := spatial.Order(idx)
	g := NewGuardian(rand.New(rand.NewSource(42)), discardLogger())

	out := g.Check(ordered, idx, cfg)
	require.Len(t, out, 1)
	assert.Equal(t, "g1", out[0].BodyID)
	assert.Equal(t, "a1", out[0].ToParent)

	galaxy := idx["g1"]
	withinBounds(t, galaxy.UniversalPosition, cfg.Bounds.Extent)

	dist := galaxy.LocalPosition.Len()
	assert.GreaterOrEqual(t, dist, cfg.ResetMinDistance)
	assert.LessOrEqual(t, dist, cfg.ResetMaxDistance)

	want := cfg.ResetVelocityScale * CircularSpeed(cfg.G, 1_000_000, dist)
	assert.InDelta(t, want, galaxy.Velocity.Len(), 1e-9)
	assert.InDelta(t, 0, galaxy.Velocity.Dot(galaxy.LocalPosition), 1e-6)

	assert.Empty(t, g.Check(ordered, idx, cfg), "reinsertion must be idempotent")
}

func TestGuardianHysteresis(t *testing.T) {
	cfg := DefaultConfig()
	// 0.5% outside the bounds: inside the 1% dead zone.
	idx := guardianUniverse(spatial.Vec3{0, -5025, 0}, spatial.Vec3{})
	ordered, _ := spatial.Order(idx)
	g := NewGuardian(rand.New(rand.NewSource(1)), discardLogger())

	assert.Empty(t, g.Check(ordered, idx, cfg))
	assert.Equal(t, spatial.Vec3{0, -5025, 0}, idx["g1"].UniversalPosition)
}

func TestGuardianNoRetriggerAfterIntegration(t *testing.T) {
	cfg := DefaultConfig()
	idx := guardianUniverse(spatial.Vec3{-5100, 5100, 0}, spatial.Vec3{})
	ordered, _ := spatial.Order(idx)
	g := NewGuardian(rand.New(rand.NewSource(3)), discardLogger())
	it := NewIntegrator(discardLogger(), ForceField{})

	require.Len(t, g.Check(ordered, idx, cfg), 1)
	it.Step(ordered, idx, cfg)
	assert.Empty(t, g.Check(ordered, idx, cfg))
}

func TestGuardianPicksNearestAnomaly(t *testing.T) {
	cfg := DefaultConfig()
	idx := guardianUniverse(spatial.Vec3{5300, 100, 0}, spatial.Vec3{-3000, 0, 0}, spatial.Vec3{3000, 0, 0})
	ordered, _ := spatial.Order(idx)
	g := NewGuardian(rand.New(rand.NewSource(9)), discardLogger())

	out := g.Check(ordered, idx, cfg)
	require.Len(t, out, 1)
	assert.Equal(t, "a1", out[0].FromParent)
	assert.Equal(t, "a2", out[0].ToParent)
	assert.Equal(t, "a2", idx["g1"].ParentID)
	withinBounds(t, idx["g1"].UniversalPosition, cfg.Bounds.Extent)
}

func TestGuardianIgnoresUnguardedKinds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GuardedKinds = []spatial.BodyKind{spatial.BodyKindStar}
	idx := guardianUniverse(spatial.Vec3{9000, 0, 0}, spatial.Vec3{})
	ordered, _ := spatial.Order(idx)

	assert.Empty(t, NewGuardian(rand.New(rand.NewSource(1)), discardLogger()).Check(ordered, idx, cfg))
}

func TestGuardianDeterministicForSeed(t *testing.T) {
	cfg := DefaultConfig()
	run := func() spatial.Vec3 {
		idx := guardianUniverse(spatial.Vec3{6000, 0, 0}, spatial.Vec3{})
		ordered, _ := spatial.Order(idx)
		NewGuardian(rand.New(rand.NewSource(cfg.Seed)), discardLogger()).Check(ordered, idx, cfg)
		return idx["g1"].UniversalPosition
	}
	assert.Equal(t, run(), run())
}
