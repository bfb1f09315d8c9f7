package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit-server/internal/physics"
	"orbit-server/internal/protocol"
	"orbit-server/internal/spatial"
)

func testUniverse() *spatial.Snapshot {
	return &spatial.Snapshot{
		Tick: 10,
		Bodies: []spatial.CelestialBody{
			{ID: "a1", Kind: spatial.BodyKindAnomaly, Mass: 1e6, Radius: 50},
			{ID: "g1", Kind: spatial.BodyKindGalaxy, ParentID: "a1", LocalPosition: spatial.Vec3{1000, 0, 0}, Velocity: spatial.Vec3{0, 7.0710678, 0}, Mass: 1e4, Radius: 20},
			{ID: "s1", Kind: spatial.BodyKindStar, ParentID: "g1", LocalPosition: spatial.Vec3{100, 0, 0}, Velocity: spatial.Vec3{0, 2.236068, 0}, Mass: 1e3, Radius: 5},
			{ID: "p1", Kind: spatial.BodyKindPlanet, ParentID: "s1", LocalPosition: spatial.Vec3{10, 0, 0}, Velocity: spatial.Vec3{0, 2.236068, 0}, Mass: 1, Radius: 1},
		},
	}
}

func newTestBroadcaster(t *testing.T) (*Broadcaster, *Hub) {
	t.Helper()
	cfg := physics.DefaultConfig()
	cfg.Workers = 2
	hub := NewHub(64, discardLogger())
	b := New(cfg, Settings{}, hub, nil, discardLogger())
	b.Load(testUniverse())
	return b, hub
}

func nextFrame(t *testing.T, sub *Subscriber) protocol.Frame {
	t.Helper()
	for {
		select {
		case msg := <-sub.Messages():
			env, err := protocol.DecodeEnvelope(msg)
			require.NoError(t, err)
			if env.T != protocol.MsgFrame {
				continue
			}
			frame, err := protocol.DecodePayload[protocol.Frame](env)
			require.NoError(t, err)
			return frame
		case <-time.After(time.Second):
			t.Fatal("no frame received")
		}
	}
}

func drainRejections(sub *Subscriber) []protocol.Event {
	var out []protocol.Event
	for {
		select {
		case msg := <-sub.Messages():
			env, err := protocol.DecodeEnvelope(msg)
			if err != nil || env.T != protocol.MsgRejected {
				continue
			}
			ev, err := protocol.DecodePayload[protocol.Event](env)
			if err == nil {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func eventsOf(frame protocol.Frame, typ protocol.EventType) []protocol.Event {
	var out []protocol.Event
	for _, ev := range frame.Events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func bodyByID(t *testing.T, snap *spatial.Snapshot, id string) spatial.CelestialBody {
	t.Helper()
	for _, b := range snap.Bodies {
		if b.ID == id {
			return b
		}
	}
	t.Fatalf("body %s not in snapshot", id)
	return spatial.CelestialBody{}
}

func entityByID(t *testing.T, snap *spatial.Snapshot, id string) spatial.MovableEntity {
	t.Helper()
	for _, e := range snap.Entities {
		if e.ID == id {
			return e
		}
	}
	t.Fatalf("entity %s not in snapshot", id)
	return spatial.MovableEntity{}
}

func assertVecNear(t *testing.T, want, got spatial.Vec3) {
	t.Helper()
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9, "axis %d", i)
	}
}

func TestStepAdvancesTickAndPublishesOneFrame(t *testing.T) {
	b, hub := newTestBroadcaster(t)
	sub := hub.Subscribe()

	for want := uint64(11); want <= 15; want++ {
		snap := b.Step()
		assert.Equal(t, want, snap.Tick)
		frame := nextFrame(t, sub)
		assert.Equal(t, want, frame.Tick)
		for _, ev := range frame.Events {
			assert.Equal(t, want, ev.Tick)
		}
		assert.Len(t, eventsOf(frame, protocol.EventBodyUpdate), 4)
	}
	assert.Equal(t, uint64(15), b.Tick())
}

func TestDockedEntityFollowsBodyWithinTick(t *testing.T) {
	b, hub := newTestBroadcaster(t)
	sub := hub.Subscribe()

	b.Submit(JoinEntity{From: sub.ID, EntityID: "e1", Position: spatial.Vec3{5, 5, 0}})
	b.Submit(Dock{From: sub.ID, EntityID: "e1", BodyID: "p1"})

	for i := 0; i < 3; i++ {
		snap := b.Step()
		p1 := bodyByID(t, snap, "p1")
		e1 := entityByID(t, snap, "e1")
		assert.Equal(t, spatial.DockStateDocked, e1.DockState)
		assertVecNear(t, p1.UniversalPosition.Add(b.Config().DockOffset), e1.UniversalPosition)
	}

	frame := nextFrame(t, sub)
	require.Len(t, eventsOf(frame, protocol.EventEntityDocked), 1)
	updates := eventsOf(frame, protocol.EventPositionUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "p1", updates[0].BodyID)
	assert.NotZero(t, updates[0].Velocity.Len(), "docked entity carries its body's velocity")
}

func TestDockCommandsAreLastWriteWinsPerTick(t *testing.T) {
	b, hub := newTestBroadcaster(t)
	sub := hub.Subscribe()

	b.Submit(JoinEntity{From: sub.ID, EntityID: "e1"})
	b.Step()
	nextFrame(t, sub)

	b.Submit(Dock{From: sub.ID, EntityID: "e1", BodyID: "p1"})
	b.Submit(Undock{From: sub.ID, EntityID: "e1"})
	b.Submit(Dock{From: sub.ID, EntityID: "e1", BodyID: "s1"})
	snap := b.Step()

	e1 := entityByID(t, snap, "e1")
	assert.Equal(t, "s1", e1.DockedBodyID)

	rejected := drainRejections(sub)
	require.Len(t, rejected, 2)
	for _, ev := range rejected {
		assert.Equal(t, protocol.EventCommandRejected, ev.Type)
		assert.Equal(t, ErrSuperseded.Error(), ev.Reason)
	}
}

func TestRejectionGoesOnlyToSender(t *testing.T) {
	b, hub := newTestBroadcaster(t)
	sender, other := hub.Subscribe(), hub.Subscribe()

	b.Submit(Dock{From: sender.ID, EntityID: "ghost", BodyID: "p1"})
	b.Step()

	rejected := drainRejections(sender)
	require.Len(t, rejected, 1)
	assert.Equal(t, protocol.MsgDock, rejected[0].Command)
	assert.Contains(t, rejected[0].Reason, ErrUnknownEntity.Error())
	assert.Empty(t, drainRejections(other))
}

func TestConcurrentSubmitAppliesEverything(t *testing.T) {
	b, _ := newTestBroadcaster(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Submit(JoinEntity{EntityID: fmt.Sprintf("e%02d", i)})
		}(i)
	}
	wg.Wait()

	snap := b.Step()
	assert.Len(t, snap.Entities, 50)
}

func TestSnapshotsAreNeverHalfApplied(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	b.Submit(JoinEntity{EntityID: "e1"})
	b.Submit(Dock{EntityID: "e1", BodyID: "p1"})
	b.Step()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var reads atomic.Int64
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for ctx.Err() == nil {
				snap := b.Snapshot()
				assert.GreaterOrEqual(t, snap.Tick, last)
				last = snap.Tick
				p1 := bodyByID(t, snap, "p1")
				e1 := entityByID(t, snap, "e1")
				assertVecNear(t, p1.UniversalPosition.Add(spatial.Vec3{0, 0, 10}), e1.UniversalPosition)
				reads.Add(1)
			}
		}()
	}

	for i := 0; i < 200; i++ {
		b.Submit(MoveEntity{EntityID: "nobody"})
		b.Step()
	}
	cancel()
	wg.Wait()
	assert.Positive(t, reads.Load())
}

func TestRemoveBodyReparentsChildren(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	before := *b.bodies["p1"]
	beforeVel, err := spatial.UniversalVelocity(b.bodies["p1"], b.bodies)
	require.NoError(t, err)

	cfg := b.Config()
	tc := &tickContext{tick: 11, now: time.Now(), cfg: &cfg}
	require.NoError(t, RemoveBody{BodyID: "s1"}.apply(b, tc))

	p1 := b.bodies["p1"]
	assert.Equal(t, "g1", p1.ParentID)
	got, err := spatial.ToUniversal(p1, b.bodies)
	require.NoError(t, err)
	assertVecNear(t, before.UniversalPosition, got)
	afterVel, err := spatial.UniversalVelocity(p1, b.bodies)
	require.NoError(t, err)
	assertVecNear(t, beforeVel, afterVel)

	require.Len(t, tc.events, 1)
	assert.Equal(t, protocol.EventBodyRemoved, tc.events[0].Type)
}

func TestRemoveBodyLeavesStateUntouchedWhenAChildCannotMove(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	b.bodies["p2"] = &spatial.CelestialBody{ID: "p2", Kind: spatial.BodyKindPlanet, ParentID: "p1", LocalPosition: spatial.Vec3{1, 0, 0}, Mass: 1, Radius: 1}
	b.bodies["x1"] = &spatial.CelestialBody{ID: "x1", Kind: spatial.BodyKindGalaxy, ParentID: "p1", LocalPosition: spatial.Vec3{2, 0, 0}, Mass: 1, Radius: 1}
	p2Before := *b.bodies["p2"]

	cfg := b.Config()
	tc := &tickContext{tick: 11, now: time.Now(), cfg: &cfg}
	err := RemoveBody{BodyID: "p1"}.apply(b, tc)
	require.ErrorIs(t, err, spatial.ErrInvalidBody)

	assert.Contains(t, b.bodies, "p1")
	assert.Equal(t, p2Before, *b.bodies["p2"])
	assert.Equal(t, "p1", b.bodies["x1"].ParentID)
	assert.Empty(t, tc.events)
}

func TestRemoveBodyCascadeUndocksEntities(t *testing.T) {
	b, hub := newTestBroadcaster(t)
	sub := hub.Subscribe()
	b.Submit(JoinEntity{EntityID: "e1"})
	b.Submit(Dock{EntityID: "e1", BodyID: "p1"})
	b.Step()
	nextFrame(t, sub)
	dockedAt := entityByID(t, b.Snapshot(), "e1").UniversalPosition

	b.Submit(RemoveBody{BodyID: "g1", Cascade: true})
	snap := b.Step()

	assert.Len(t, snap.Bodies, 1)
	e1 := entityByID(t, snap, "e1")
	assert.Equal(t, spatial.DockStateFree, e1.DockState)
	assert.Equal(t, dockedAt, e1.UniversalPosition)

	frame := nextFrame(t, sub)
	assert.Len(t, eventsOf(frame, protocol.EventBodyRemoved), 3)
	undocked := eventsOf(frame, protocol.EventEntityUndocked)
	require.Len(t, undocked, 1)
	assert.Equal(t, "body removed", undocked[0].Reason)
}

func TestReplaceBodiesSeedsCircularOrbit(t *testing.T) {
	b, hub := newTestBroadcaster(t)
	sub := hub.Subscribe()

	b.Submit(ReplaceBodies{Bodies: []spatial.CelestialBody{
		{ID: "p2", Kind: spatial.BodyKindPlanet, ParentID: "s1", LocalPosition: spatial.Vec3{20, 0, 0}, Mass: 1, Radius: 1},
	}})
	b.Step()

	p2 := b.bodies["p2"]
	speed := physics.CircularSpeed(b.Config().G, 1e3, 20)
	assert.InDelta(t, speed, p2.Velocity.Len(), speed*0.1)

	created := eventsOf(nextFrame(t, sub), protocol.EventBodyCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "p2", created[0].BodyID)
}

func TestBrokenHierarchyIsFlaggedNotIntegrated(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	snap := testUniverse()
	snap.Bodies = append(snap.Bodies,
		spatial.CelestialBody{ID: "x1", Kind: spatial.BodyKindStar, ParentID: "x2", LocalPosition: spatial.Vec3{1, 0, 0}, Mass: 1, Radius: 1},
		spatial.CelestialBody{ID: "x2", Kind: spatial.BodyKindStar, ParentID: "x1", LocalPosition: spatial.Vec3{1, 0, 0}, Mass: 1, Radius: 1},
	)
	b.Load(snap)

	out := b.Step()
	assert.Equal(t, []string{"x1", "x2"}, out.Flagged)
	assert.Equal(t, spatial.Vec3{1, 0, 0}, bodyByID(t, out, "x1").LocalPosition)
	assert.NotEqual(t, spatial.Vec3{10, 0, 0}, bodyByID(t, out, "p1").LocalPosition)
}

func TestUpdateConfigAppliesAtTickBoundary(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	speed := 4.0
	b.Submit(UpdateConfig{Patch: physics.Patch{CycleSpeed: &speed}})

	assert.Equal(t, time.Second, b.Config().TickPeriod())
	b.Step()
	assert.Equal(t, 250*time.Millisecond, b.Config().TickPeriod())

	select {
	case p := <-b.periodCh:
		assert.Equal(t, 250*time.Millisecond, p)
	default:
		t.Fatal("tick loop was not told about the new period")
	}
}

func TestMoveIsCappedAndIntegrated(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	b.Submit(JoinEntity{EntityID: "e1"})
	b.Submit(MoveEntity{EntityID: "e1", Velocity: spatial.Vec3{1000, 0, 0}})

	e1 := entityByID(t, b.Step(), "e1")
	max := b.Config().MaxEntitySpeed
	assert.InDelta(t, max, e1.Velocity.Len(), 1e-9)
	assert.InDelta(t, max, e1.UniversalPosition.X(), 1e-9)

	e1 = entityByID(t, b.Step(), "e1")
	assert.InDelta(t, 2*max, e1.UniversalPosition.X(), 1e-9)
}

type flakyStore struct {
	mu    sync.Mutex
	fails int
	calls int
	saved []uint64
}

func (s *flakyStore) SaveSnapshot(_ context.Context, snap *spatial.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.fails {
		return errors.New("database unavailable")
	}
	s.saved = append(s.saved, snap.Tick)
	return nil
}

type countingAlerter struct {
	alerts atomic.Int64
}

func (a *countingAlerter) Alert(context.Context, error, int) {
	a.alerts.Add(1)
}

func TestPersistenceFailureDoesNotStopBroadcast(t *testing.T) {
	store := &flakyStore{fails: 4}
	alerter := &countingAlerter{}
	persister := NewPersister(store, alerter, PersistSettings{
		RetryBase:  time.Millisecond,
		RetryMax:   2 * time.Millisecond,
		AlertAfter: 2,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go persister.Run(ctx)

	hub := NewHub(8, discardLogger())
	sub := hub.Subscribe()
	b := New(physics.DefaultConfig(), Settings{}, hub, persister, discardLogger())
	b.Load(testUniverse())

	snap := b.Step()
	assert.Equal(t, snap.Tick, nextFrame(t, sub).Tick)

	select {
	case tick := <-persister.Saved():
		assert.Equal(t, snap.Tick, tick)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot never persisted")
	}
	assert.Equal(t, int64(2), alerter.alerts.Load())
}

func TestSnapshotCacheEncoding(t *testing.T) {
	snap := testUniverse()
	snap.TakenAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snap.Entities = []spatial.MovableEntity{{ID: "e1", DockState: spatial.DockStateDocked, DockedBodyID: "p1"}}

	blob, err := EncodeSnapshot(snap)
	require.NoError(t, err)
	got, err := DecodeSnapshot(blob)
	require.NoError(t, err)

	assert.Equal(t, snap.Tick, got.Tick)
	assert.True(t, snap.TakenAt.Equal(got.TakenAt))
	assert.Equal(t, snap.Bodies, got.Bodies)
	assert.Equal(t, snap.Entities[0].DockedBodyID, got.Entities[0].DockedBodyID)

	_, err = DecodeSnapshot([]byte("not lz4"))
	assert.Error(t, err)
}

func TestPositionUpdateCarriesPosition(t *testing.T) {
	b, hub := newTestBroadcaster(t)
	sub := hub.Subscribe()

	b.Submit(JoinEntity{From: sub.ID, EntityID: "e1", Position: spatial.Vec3{5, 5, 0}})
	b.Step()

	var msg []byte
	select {
	case msg = <-sub.Messages():
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}
	var raw struct {
		P struct {
			Events []map[string]json.RawMessage `json:"events"`
		} `json:"p"`
	}
	require.NoError(t, json.Unmarshal(msg, &raw))

	var found bool
	for _, ev := range raw.P.Events {
		if string(ev["type"]) != `"positionUpdate"` {
			continue
		}
		found = true
		require.Contains(t, ev, "position")
		assert.JSONEq(t, `[5,5,0]`, string(ev["position"]))
		assert.Contains(t, ev, "velocity")
		assert.JSONEq(t, `"e1"`, string(ev["entityId"]))
	}
	assert.True(t, found)
}
