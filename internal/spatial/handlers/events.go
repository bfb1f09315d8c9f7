package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"orbit-server/internal/auth"
	"orbit-server/internal/broadcast"
	"orbit-server/internal/protocol"
	"orbit-server/internal/shared/cookies"
	"orbit-server/internal/shared/errors"
	"orbit-server/internal/shared/response"
)

type EventsConfig struct {
	CommandsPerSecond float64
	CommandBurst      int
	AllowedOrigins    []string
	MaxMessageSize    int64
	PongWait          time.Duration
	WriteWait         time.Duration
}

func (c EventsConfig) withDefaults() EventsConfig {
	if c.CommandsPerSecond <= 0 {
		c.CommandsPerSecond = 20
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = 40
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 << 10
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	return c
}

// EventsHandler serves the websocket event channel. Every connection
// receives every frame; connections carrying a player token may also join
// and steer that player's entity.
type EventsHandler struct {
	engine   Engine
	hub      *broadcast.Hub
	config   EventsConfig
	upgrader websocket.Upgrader
}

func NewEventsHandler(engine Engine, hub *broadcast.Hub, config EventsConfig) *EventsHandler {
	config = config.withDefaults()
	h := &EventsHandler{
		engine: engine,
		hub:    hub,
		config: config,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin allows non-browser clients, which send no Origin, and the
// configured frontends.
func (h *EventsHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.config.AllowedOrigins {
		if a, err := url.Parse(allowed); err == nil && a.Scheme == u.Scheme && a.Host == u.Host {
			return true
		}
	}
	return false
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := slog.With("handler", "spatial_events", "remote_addr", r.RemoteAddr)

	var claims *auth.Claims
	if token := cookies.AuthToken(r); token != "" {
		c, err := auth.ValidateJWT(token)
		if err != nil {
			response.Error(w, r, logger, errors.Unauthorized("invalid token"))
			return
		}
		claims = c
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	sub := h.hub.Subscribe()
	s := &session{
		handler: h,
		conn:    conn,
		sub:     sub,
		claims:  claims,
		limiter: rate.NewLimiter(rate.Limit(h.config.CommandsPerSecond), h.config.CommandBurst),
		owned:   make(map[string]struct{}),
		logger:  logger.With("connection_id", sub.ID),
	}
	s.run()
}

type session struct {
	handler *EventsHandler
	conn    *websocket.Conn
	sub     *broadcast.Subscriber
	claims  *auth.Claims
	limiter *rate.Limiter
	owned   map[string]struct{}
	logger  *slog.Logger
}

func (s *session) run() {
	welcome := protocol.Welcome{ConnectionID: s.sub.ID, Tick: s.handler.engine.Snapshot().Tick}
	if s.claims != nil {
		welcome.EntityID = s.claims.EntityID()
	}
	msg, err := protocol.Encode(protocol.MsgWelcome, welcome)
	if err == nil {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.handler.config.WriteWait))
		err = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
	if err != nil {
		s.logger.Warn("Failed to send welcome", "error", err)
		s.handler.hub.Unsubscribe(s.sub.ID)
		s.conn.Close()
		return
	}
	s.logger.Info("Event channel connected", "entity_id", welcome.EntityID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()

	s.readPump()

	for id := range s.owned {
		s.handler.engine.Submit(broadcast.LeaveEntity{EntityID: id})
	}
	s.handler.hub.Unsubscribe(s.sub.ID)
	s.conn.Close()
	<-writerDone
	s.logger.Info("Event channel disconnected", "left_entities", len(s.owned))
}

func (s *session) writePump() {
	cfg := s.handler.config
	ping := time.NewTicker(cfg.PongWait * 9 / 10)
	defer ping.Stop()

	for {
		select {
		case <-s.sub.Done():
			return
		case msg := <-s.sub.Messages():
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("Write failed", "error", err)
				s.conn.Close()
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteWait)); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}

func (s *session) readPump() {
	cfg := s.handler.config
	s.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Event channel read error", "error", err)
			}
			return
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			s.reject("", "", err.Error())
			continue
		}
		if !s.limiter.Allow() {
			s.reject(env.T, "", "rate limit exceeded")
			continue
		}
		s.handle(env)
	}
}

func (s *session) handle(env protocol.Envelope) {
	switch env.T {
	case protocol.MsgJoin:
		cmd, err := protocol.DecodePayload[protocol.JoinCommand](env)
		if err != nil {
			s.reject(env.T, "", err.Error())
			return
		}
		if s.claims == nil {
			s.reject(env.T, cmd.EntityID, "authentication required")
			return
		}
		if cmd.EntityID == "" {
			cmd.EntityID = s.claims.EntityID()
		}
		if cmd.EntityID != s.claims.EntityID() && !s.claims.IsAdmin() {
			s.reject(env.T, cmd.EntityID, "cannot join as another player")
			return
		}
		if cmd.Name == "" {
			cmd.Name = s.claims.Username
		}
		s.owned[cmd.EntityID] = struct{}{}
		s.submit(broadcast.JoinEntity{From: s.sub.ID, EntityID: cmd.EntityID, Label: cmd.Name, Position: cmd.Position})

	case protocol.MsgLeave:
		cmd, err := protocol.DecodePayload[protocol.LeaveCommand](env)
		if err != nil {
			s.reject(env.T, "", err.Error())
			return
		}
		if s.controls(env.T, cmd.EntityID) {
			delete(s.owned, cmd.EntityID)
			s.submit(broadcast.LeaveEntity{From: s.sub.ID, EntityID: cmd.EntityID})
		}

	case protocol.MsgDock:
		cmd, err := protocol.DecodePayload[protocol.DockCommand](env)
		if err != nil {
			s.reject(env.T, "", err.Error())
			return
		}
		if s.controls(env.T, cmd.EntityID) {
			s.submit(broadcast.Dock{From: s.sub.ID, EntityID: cmd.EntityID, BodyID: cmd.BodyID})
		}

	case protocol.MsgUndock:
		cmd, err := protocol.DecodePayload[protocol.UndockCommand](env)
		if err != nil {
			s.reject(env.T, "", err.Error())
			return
		}
		if s.controls(env.T, cmd.EntityID) {
			s.submit(broadcast.Undock{From: s.sub.ID, EntityID: cmd.EntityID})
		}

	case protocol.MsgMove:
		cmd, err := protocol.DecodePayload[protocol.MoveCommand](env)
		if err != nil {
			s.reject(env.T, "", err.Error())
			return
		}
		if s.controls(env.T, cmd.EntityID) {
			s.submit(broadcast.MoveEntity{From: s.sub.ID, EntityID: cmd.EntityID, Velocity: cmd.Velocity})
		}

	default:
		s.reject(env.T, "", "unknown message type")
	}
}

func (s *session) controls(command, entityID string) bool {
	if _, ok := s.owned[entityID]; ok {
		return true
	}
	s.reject(command, entityID, "entity not controlled by this connection")
	return false
}

func (s *session) submit(cmd broadcast.Command) {
	s.logger.Debug("Command queued", "command", cmd.Name())
	s.handler.engine.Submit(cmd)
}

// reject answers on this connection only, through the subscriber queue so
// writes stay on the writer goroutine.
func (s *session) reject(command, entityID, reason string) {
	msg, err := protocol.Encode(protocol.MsgRejected, protocol.Event{
		Type:     protocol.EventCommandRejected,
		Tick:     s.handler.engine.Snapshot().Tick,
		EntityID: entityID,
		Command:  command,
		Reason:   reason,
	})
	if err != nil {
		s.logger.Error("Failed to encode rejection", "error", err)
		return
	}
	s.handler.hub.SendTo(s.sub.ID, msg)
}
