package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"orbit-server/internal/shared/response"
)

type HealthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Database    string `json:"database"`
	Redis       string `json:"redis"`
	Tick        uint64 `json:"tick"`
	Subscribers int    `json:"subscribers"`
}

type DatabasePinger interface {
	PingContext(ctx context.Context) error
}

type RedisStatus interface {
	Status(ctx context.Context) string
}

type TickSource interface {
	Tick() uint64
}

type SubscriberCounter interface {
	Count() int
}

type HealthHandler struct {
	db     DatabasePinger
	redis  RedisStatus
	engine TickSource
	hub    SubscriberCounter
}

func NewHealthHandler(db DatabasePinger, redis RedisStatus, engine TickSource, hub SubscriberCounter) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, engine: engine, hub: hub}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := slog.With("handler", "health")

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "disconnected"
	if err := h.db.PingContext(ctx); err == nil {
		dbStatus = "connected"
	} else {
		logger.Warn("Database ping failed", "error", err)
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "degraded"
	}

	resp := HealthResponse{
		Status:      status,
		Timestamp:   time.Now().Format(time.RFC3339),
		Database:    dbStatus,
		Redis:       h.redis.Status(ctx),
		Tick:        h.engine.Tick(),
		Subscribers: h.hub.Count(),
	}

	response.Success(w, http.StatusOK, resp)
}
