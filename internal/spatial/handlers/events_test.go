package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit-server/internal/auth"
	"orbit-server/internal/broadcast"
	"orbit-server/internal/physics"
	"orbit-server/internal/protocol"
	"orbit-server/internal/spatial"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type eventsFixture struct {
	engine *broadcast.Broadcaster
	server *httptest.Server
	wsURL  string
}

func newEventsFixture(t *testing.T) *eventsFixture {
	t.Helper()
	t.Setenv("JWT_SECRET", testSecret)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := broadcast.NewHub(64, logger)
	engine := broadcast.New(physics.DefaultConfig(), broadcast.Settings{}, hub, nil, logger)
	engine.Load(&spatial.Snapshot{Bodies: []spatial.CelestialBody{
		{ID: "a1", Kind: spatial.BodyKindAnomaly, Mass: 1e6, Radius: 10},
		{ID: "g1", Kind: spatial.BodyKindGalaxy, ParentID: "a1", LocalPosition: spatial.Vec3{1000, 0, 0}, Velocity: spatial.Vec3{0, 7.07, 0}, Mass: 1e4, Radius: 5},
	}})

	mux := http.NewServeMux()
	mux.Handle("/spatial/events", NewEventsHandler(engine, hub, EventsConfig{CommandsPerSecond: 1000, CommandBurst: 1000}))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &eventsFixture{
		engine: engine,
		server: server,
		wsURL:  "ws" + strings.TrimPrefix(server.URL, "http") + "/spatial/events",
	}
}

func (f *eventsFixture) dial(t *testing.T, token string) (*websocket.Conn, protocol.Welcome) {
	t.Helper()
	target := f.wsURL
	if token != "" {
		target += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.MsgWelcome, env.T)
	welcome, err := protocol.DecodePayload[protocol.Welcome](env)
	require.NoError(t, err)
	return conn, welcome
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	return env
}

// readUntil skips messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) protocol.Envelope {
	t.Helper()
	for {
		if env := readEnvelope(t, conn); env.T == typ {
			return env
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	msg, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))
}

// stepUntil ticks the engine until cond holds for the current snapshot.
func stepUntil(t *testing.T, engine *broadcast.Broadcaster, cond func(*spatial.Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(engine.Step()) }, 2*time.Second, 5*time.Millisecond)
}

func hasEntity(id string) func(*spatial.Snapshot) bool {
	return func(s *spatial.Snapshot) bool {
		for _, e := range s.Entities {
			if e.ID == id {
				return true
			}
		}
		return false
	}
}

func TestWelcomeCarriesPlayerEntity(t *testing.T) {
	f := newEventsFixture(t)
	token, err := auth.GenerateJWT(7, "pilot", "player", time.Hour)
	require.NoError(t, err)

	_, welcome := f.dial(t, token)
	assert.Equal(t, "player_7", welcome.EntityID)
	assert.NotEmpty(t, welcome.ConnectionID)

	_, anon := f.dial(t, "")
	assert.Empty(t, anon.EntityID)
	assert.NotEqual(t, welcome.ConnectionID, anon.ConnectionID)
}

func TestInvalidTokenIsRefused(t *testing.T) {
	f := newEventsFixture(t)
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL+"?token=bogus", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinDockAndDisconnect(t *testing.T) {
	f := newEventsFixture(t)
	token, err := auth.GenerateJWT(7, "pilot", "player", time.Hour)
	require.NoError(t, err)
	conn, _ := f.dial(t, token)
	watcher, _ := f.dial(t, "")

	send(t, conn, protocol.MsgJoin, protocol.JoinCommand{Name: "pilot", Position: spatial.Vec3{1, 2, 3}})
	stepUntil(t, f.engine, hasEntity("player_7"))

	var joined *protocol.Event
	for joined == nil {
		frame, err := protocol.DecodePayload[protocol.Frame](readUntil(t, watcher, protocol.MsgFrame))
		require.NoError(t, err)
		for _, ev := range frame.Events {
			if ev.Type == protocol.EventEntityJoined && ev.EntityID == "player_7" {
				joined = &ev
			}
		}
	}
	assert.Equal(t, "pilot", joined.Name)
	assert.Equal(t, spatial.Vec3{1, 2, 3}, *joined.UniversalPosition)

	send(t, conn, protocol.MsgDock, protocol.DockCommand{EntityID: "player_7", BodyID: "g1"})
	stepUntil(t, f.engine, func(s *spatial.Snapshot) bool {
		for _, e := range s.Entities {
			if e.ID == "player_7" {
				return e.DockedBodyID == "g1"
			}
		}
		return false
	})

	require.NoError(t, conn.Close())
	stepUntil(t, f.engine, func(s *spatial.Snapshot) bool { return !hasEntity("player_7")(s) })
}

func TestCommandsForForeignEntitiesAreRejected(t *testing.T) {
	f := newEventsFixture(t)
	anon, _ := f.dial(t, "")

	send(t, anon, protocol.MsgJoin, protocol.JoinCommand{EntityID: "x"})
	ev, err := protocol.DecodePayload[protocol.Event](readUntil(t, anon, protocol.MsgRejected))
	require.NoError(t, err)
	assert.Equal(t, "authentication required", ev.Reason)

	send(t, anon, protocol.MsgDock, protocol.DockCommand{EntityID: "player_7", BodyID: "g1"})
	ev, err = protocol.DecodePayload[protocol.Event](readUntil(t, anon, protocol.MsgRejected))
	require.NoError(t, err)
	assert.Equal(t, protocol.EventCommandRejected, ev.Type)
	assert.Equal(t, "player_7", ev.EntityID)
	assert.Equal(t, protocol.MsgDock, ev.Command)

	send(t, anon, "warp", struct{}{})
	ev, err = protocol.DecodePayload[protocol.Event](readUntil(t, anon, protocol.MsgRejected))
	require.NoError(t, err)
	assert.Equal(t, "unknown message type", ev.Reason)
}

func TestEngineRejectionReachesSender(t *testing.T) {
	f := newEventsFixture(t)
	token, err := auth.GenerateJWT(7, "pilot", "player", time.Hour)
	require.NoError(t, err)
	conn, _ := f.dial(t, token)

	send(t, conn, protocol.MsgJoin, protocol.JoinCommand{})
	stepUntil(t, f.engine, hasEntity("player_7"))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.engine.Step()
			}
		}
	}()

	send(t, conn, protocol.MsgUndock, protocol.UndockCommand{EntityID: "player_7"})
	ev, err := protocol.DecodePayload[protocol.Event](readUntil(t, conn, protocol.MsgRejected))
	require.NoError(t, err)
	assert.Equal(t, "player_7", ev.EntityID)
	assert.Contains(t, ev.Reason, "not docked")
}
