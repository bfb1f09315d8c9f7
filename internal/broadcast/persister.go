package broadcast

import (
	"context"
	"log/slog"
	"time"

	"orbit-server/internal/spatial"
)

// Store is the durable side of the broadcaster.
type Store interface {
	SaveSnapshot(ctx context.Context, snap *spatial.Snapshot) error
}

// Alerter is told when persistence keeps failing.
type Alerter interface {
	Alert(ctx context.Context, err error, failures int)
}

type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) Alert(ctx context.Context, err error, failures int) {
	a.Logger.ErrorContext(ctx, "Snapshot persistence failing",
		"alert", true,
		"consecutive_failures", failures,
		"error", err,
	)
}

type PersistSettings struct {
	Timeout    time.Duration
	RetryBase  time.Duration
	RetryMax   time.Duration
	AlertAfter int
}

// Persister writes snapshots off the tick path. It keeps only the newest
// pending snapshot: a write that falls behind skips straight to the latest
// state instead of queueing stale ones.
type Persister struct {
	store    Store
	alerter  Alerter
	settings PersistSettings
	slot     chan *spatial.Snapshot
	saved    chan uint64
	logger   *slog.Logger
}

func NewPersister(store Store, alerter Alerter, settings PersistSettings, logger *slog.Logger) *Persister {
	if settings.Timeout <= 0 {
		settings.Timeout = 5 * time.Second
	}
	if settings.RetryBase <= 0 {
		settings.RetryBase = 250 * time.Millisecond
	}
	if settings.RetryMax < settings.RetryBase {
		settings.RetryMax = settings.RetryBase
	}
	if settings.AlertAfter < 1 {
		settings.AlertAfter = 3
	}
	logger = logger.With("component", "persister")
	if alerter == nil {
		alerter = LogAlerter{Logger: logger}
	}
	return &Persister{
		store:    store,
		alerter:  alerter,
		settings: settings,
		slot:     make(chan *spatial.Snapshot, 1),
		saved:    make(chan uint64, 16),
		logger:   logger,
	}
}

// Submit hands snap to the writer without blocking, replacing any snapshot
// still waiting to be written.
func (p *Persister) Submit(snap *spatial.Snapshot) {
	for {
		select {
		case p.slot <- snap:
			return
		default:
		}
		select {
		case old := <-p.slot:
			p.logger.Debug("Pending snapshot superseded", "tick", old.Tick, "by_tick", snap.Tick)
		default:
		}
	}
}

// Saved reports ticks as they are durably written. Slow readers miss
// notifications.
func (p *Persister) Saved() <-chan uint64 {
	return p.saved
}

// Run writes snapshots until ctx is done, then makes one last attempt to
// write whatever is still pending.
func (p *Persister) Run(ctx context.Context) {
	var pending *spatial.Snapshot
	var retry <-chan time.Time
	failures := 0

	for {
		select {
		case <-ctx.Done():
			select {
			case snap := <-p.slot:
				pending = snap
			default:
			}
			if pending != nil {
				flushCtx, cancel := context.WithTimeout(context.Background(), p.settings.Timeout)
				if err := p.save(flushCtx, pending); err != nil {
					p.logger.Error("Final snapshot flush failed", "tick", pending.Tick, "error", err)
				}
				cancel()
			}
			return
		case snap := <-p.slot:
			pending = snap
		case <-retry:
		}

		if pending == nil {
			continue
		}

		if err := p.save(ctx, pending); err != nil {
			failures++
			wait := p.backoff(failures)
			p.logger.Error("Failed to persist snapshot",
				"tick", pending.Tick,
				"attempt", failures,
				"retry_in", wait,
				"error", err,
			)
			if failures%p.settings.AlertAfter == 0 {
				p.alerter.Alert(ctx, err, failures)
			}
			retry = time.After(wait)
			continue
		}

		if failures > 0 {
			p.logger.Info("Snapshot persistence recovered", "tick", pending.Tick, "failed_attempts", failures)
		}
		select {
		case p.saved <- pending.Tick:
		default:
		}
		failures = 0
		pending = nil
		retry = nil
	}
}

func (p *Persister) save(ctx context.Context, snap *spatial.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, p.settings.Timeout)
	defer cancel()
	return p.store.SaveSnapshot(ctx, snap)
}

func (p *Persister) backoff(failures int) time.Duration {
	wait := p.settings.RetryBase
	for i := 1; i < failures && wait < p.settings.RetryMax; i++ {
		wait *= 2
	}
	if wait > p.settings.RetryMax {
		wait = p.settings.RetryMax
	}
	return wait
}
