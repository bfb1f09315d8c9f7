package physics

import (
	"log/slog"
	"sync"

	"orbit-server/internal/spatial"
)

// AccelerationSource contributes acceleration on top of parent gravity.
type AccelerationSource interface {
	Acceleration(body, parent *spatial.CelestialBody, cfg Config) spatial.Vec3
}

type Integrator struct {
	sources []AccelerationSource
	logger  *slog.Logger
}

func NewIntegrator(logger *slog.Logger, sources ...AccelerationSource) *Integrator {
	return &Integrator{
		sources: sources,
		logger:  logger.With("component", "integrator"),
	}
}

type StepReport struct {
	Integrated int
	Degenerate []string
}

// Step advances every non-root body in ordered by one dt with semi-implicit
// Euler, then refreshes universal positions. ordered must be parents-first
// and contain every parent it references; the per-body updates are fanned out
// over cfg.Workers goroutines and joined before the refresh.
func (it *Integrator) Step(ordered []*spatial.CelestialBody, idx spatial.Index, cfg Config) StepReport {
	moving := make([]*spatial.CelestialBody, 0, len(ordered))
	for _, b := range ordered {
		if !b.IsRoot() {
			moving = append(moving, b)
		}
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(moving) {
		workers = len(moving)
	}

	degenerate := make([][]string, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * len(moving) / workers
		hi := (w + 1) * len(moving) / workers
		wg.Add(1)
		go func(w int, chunk []*spatial.CelestialBody) {
			defer wg.Done()
			for _, b := range chunk {
				if it.advance(b, idx[b.ParentID], cfg) {
					degenerate[w] = append(degenerate[w], b.ID)
				}
			}
		}(w, moving[lo:hi])
	}
	wg.Wait()

	spatial.Refresh(ordered, idx)

	report := StepReport{Integrated: len(moving)}
	for _, ids := range degenerate {
		report.Degenerate = append(report.Degenerate, ids...)
	}
	for _, id := range report.Degenerate {
		b := idx[id]
		it.logger.Warn("DegenerateOrbit: acceleration clamped",
			"body_id", id,
			"parent_id", b.ParentID,
			"separation", b.LocalPosition.Len(),
			"max_acceleration", cfg.MaxAcceleration,
		)
	}
	return report
}

// advance reads only the body and its parent's mass and kind, which the
// tick never writes.
func (it *Integrator) advance(b, parent *spatial.CelestialBody, cfg Config) bool {
	accel, clamped := Gravity(b.LocalPosition, parent.Mass, cfg)
	for _, src := range it.sources {
		accel = accel.Add(src.Acceleration(b, parent, cfg))
	}

	b.Velocity = b.Velocity.Add(accel.Mul(cfg.Dt))
	b.LocalPosition = b.LocalPosition.Add(b.Velocity.Mul(cfg.Dt))
	return clamped
}
