package server

import (
	"log/slog"
	"net/http"

	"orbit-server/internal/broadcast"
	"orbit-server/internal/middleware"
	serverHandlers "orbit-server/internal/server/handlers"
	"orbit-server/internal/shared/config"
	"orbit-server/internal/shared/database"
	"orbit-server/internal/shared/redis"
	spatialHandlers "orbit-server/internal/spatial/handlers"
)

type Routes struct {
	db          *database.DB
	redis       *redis.Client
	broadcaster *broadcast.Broadcaster
	hub         *broadcast.Hub
	logger      *slog.Logger
}

func NewRoutes(db *database.DB, redisClient *redis.Client, broadcaster *broadcast.Broadcaster, hub *broadcast.Hub, logger *slog.Logger) *Routes {
	return &Routes{
		db:          db,
		redis:       redisClient,
		broadcaster: broadcaster,
		hub:         hub,
		logger:      logger,
	}
}

func (r *Routes) Setup() *http.ServeMux {
	logger := slog.With("component", "routes", "operation", "setup")
	logger.Debug("Setting up application routes")

	cfg := config.GlobalConfig
	mux := http.NewServeMux()

	healthHandler := serverHandlers.NewHealthHandler(r.db, r.redis, r.broadcaster, r.hub)
	spatialHandler := spatialHandlers.NewSpatialHandler(r.broadcaster)
	eventsHandler := spatialHandlers.NewEventsHandler(r.broadcaster, r.hub, spatialHandlers.EventsConfig{
		CommandsPerSecond: cfg.Broadcast.CommandsPerSecond,
		CommandBurst:      cfg.Broadcast.CommandBurst,
		AllowedOrigins:    middleware.AllowedOrigins(),
	})

	// Public endpoints
	mux.Handle("/api/server/health", healthHandler)
	mux.HandleFunc("GET /spatial/bodies", spatialHandler.GetBodies)
	mux.HandleFunc("GET /spatial/config", spatialHandler.GetConfig)
	mux.Handle("/spatial/events", eventsHandler)

	// Admin-only endpoints (authenticated + admin role)
	mux.Handle("POST /spatial/bodies", middleware.RequireAdmin(http.HandlerFunc(spatialHandler.ReplaceBodies)))
	mux.Handle("DELETE /spatial/bodies/{id}", middleware.RequireAdmin(http.HandlerFunc(spatialHandler.RemoveBody)))
	mux.Handle("POST /spatial/config", middleware.RequireAdmin(http.HandlerFunc(spatialHandler.UpdateConfig)))

	logger.Info("Routes configured successfully",
		"public_endpoints", []string{"/api/server/health", "GET /spatial/bodies", "GET /spatial/config"},
		"websocket_endpoints", []string{"/spatial/events"},
		"admin_endpoints", []string{"POST /spatial/bodies", "DELETE /spatial/bodies/{id}", "POST /spatial/config"},
	)

	return mux
}
