package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"orbit-server/internal/physics"
	"orbit-server/internal/shared/utils"
	"orbit-server/internal/spatial"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Frontend   FrontendConfig
	Logging    LoggingConfig
	RateLimit  RateLimitConfig
	Simulation physics.Config
	Broadcast  BroadcastConfig
	Monitor    MonitorConfig
}

type RedisConfig struct {
	Enabled      bool
	URL          string
	Host         string
	Port         string
	Password     string
	DB           int
	FrameChannel string
	SnapshotKey  string
	SnapshotTTL  time.Duration
}

type ServerConfig struct {
	Port            string
	URL             string
	Environment     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsPath  string
}

type AuthConfig struct {
	JWTSecret       string
	TokenExpiration time.Duration
}

type FrontendConfig struct {
	URL       string
	CORSDebug bool
}

type LoggingConfig struct {
	Level      string
	Format     string
	JSONFormat bool
}

type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
	TrustProxy        bool
}

// BroadcastConfig tunes the tick loop's outputs and the event channel.
type BroadcastConfig struct {
	SubscriberQueue   int
	GuardianEvery     uint64
	PersistEvery      uint64
	PersistTimeout    time.Duration
	PersistRetryBase  time.Duration
	PersistRetryMax   time.Duration
	AlertAfter        int
	CommandsPerSecond float64
	CommandBurst      int
}

type MonitorConfig struct {
	ExtrapolateEvery time.Duration
	ReconcileEvery   time.Duration
	ReconcileTimeout time.Duration
}

var GlobalConfig *Config

func Init() error {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using system environment variables")
	}

	config, err := load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := config.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	GlobalConfig = config
	return nil
}

func load() (*Config, error) {
	simulation, err := loadSimulationConfig()
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server:     loadServerConfig(),
		Database:   loadDatabaseConfig(),
		Redis:      loadRedisConfig(),
		Auth:       loadAuthConfig(),
		Frontend:   loadFrontendConfig(),
		Logging:    loadLoggingConfig(),
		RateLimit:  loadRateLimitConfig(),
		Simulation: simulation,
		Broadcast:  loadBroadcastConfig(),
		Monitor:    loadMonitorConfig(),
	}

	return config, nil
}

func loadRedisConfig() RedisConfig {
	enabled := utils.GetEnv("REDIS_ENABLED", "true") == "true"
	redisURL := utils.GetEnv("REDIS_URL", "")

	db, _ := strconv.Atoi(utils.GetEnv("REDIS_DB", "0"))

	return RedisConfig{
		Enabled:      enabled,
		URL:          redisURL,
		Host:         utils.GetEnv("REDIS_HOST", "localhost"),
		Port:         utils.GetEnv("REDIS_PORT", "6379"),
		Password:     utils.GetEnv("REDIS_PASSWORD", ""),
		DB:           db,
		FrameChannel: utils.GetEnv("REDIS_FRAME_CHANNEL", "spatial:frames"),
		SnapshotKey:  utils.GetEnv("REDIS_SNAPSHOT_KEY", "spatial:snapshot"),
		SnapshotTTL:  utils.GetEnvDuration("REDIS_SNAPSHOT_TTL", 10*time.Minute),
	}
}

func loadServerConfig() ServerConfig {
	readTimeout, _ := strconv.Atoi(utils.GetEnv("SERVER_READ_TIMEOUT_SECONDS", "15"))
	writeTimeout, _ := strconv.Atoi(utils.GetEnv("SERVER_WRITE_TIMEOUT_SECONDS", "15"))
	idleTimeout, _ := strconv.Atoi(utils.GetEnv("SERVER_IDLE_TIMEOUT_SECONDS", "60"))

	return ServerConfig{
		Port:            utils.GetEnv("SERVER_PORT", "8080"),
		URL:             utils.GetEnv("SERVER_URL", "http://localhost:8080"),
		Environment:     utils.GetEnv("ENVIRONMENT", "development"),
		ReadTimeout:     time.Duration(readTimeout) * time.Second,
		WriteTimeout:    time.Duration(writeTimeout) * time.Second,
		IdleTimeout:     time.Duration(idleTimeout) * time.Second,
		ShutdownTimeout: utils.GetEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	maxOpenConns, _ := strconv.Atoi(utils.GetEnv("DB_MAX_OPEN_CONNS", "25"))
	maxIdleConns, _ := strconv.Atoi(utils.GetEnv("DB_MAX_IDLE_CONNS", "5"))
	connMaxLifetime, _ := strconv.Atoi(utils.GetEnv("DB_CONN_MAX_LIFETIME_MINUTES", "5"))

	return DatabaseConfig{
		Host:            utils.GetEnv("DB_HOST", "localhost"),
		Port:            utils.GetEnv("DB_PORT", "5432"),
		User:            utils.GetEnv("DB_USER", "postgres"),
		Password:        utils.GetEnv("DB_PASSWORD", "postgres"),
		Name:            utils.GetEnv("DB_NAME", "orbit"),
		SSLMode:         utils.GetEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    maxOpenConns,
		MaxIdleConns:    maxIdleConns,
		ConnMaxLifetime: time.Duration(connMaxLifetime) * time.Minute,
		MigrationsPath:  utils.GetEnv("DB_MIGRATIONS_PATH", "migrations"),
	}
}

func loadAuthConfig() AuthConfig {
	tokenExpiration, _ := strconv.Atoi(utils.GetEnv("JWT_EXPIRATION_HOURS", "24"))

	return AuthConfig{
		JWTSecret:       utils.GetEnv("JWT_SECRET", ""),
		TokenExpiration: time.Duration(tokenExpiration) * time.Hour,
	}
}

func loadFrontendConfig() FrontendConfig {
	corsDebug := utils.GetEnv("CORS_DEBUG", "") == "true"

	return FrontendConfig{
		URL:       utils.GetEnv("FRONTEND_URL", "http://localhost:3000"),
		CORSDebug: corsDebug,
	}
}

func loadLoggingConfig() LoggingConfig {
	environment := utils.GetEnv("ENVIRONMENT", "development")
	jsonFormat := environment == "production" || utils.GetEnv("LOG_FORMAT", "text") == "json"

	return LoggingConfig{
		Level:      utils.GetEnv("LOG_LEVEL", "debug"),
		Format:     utils.GetEnv("LOG_FORMAT", "text"),
		JSONFormat: jsonFormat,
	}
}

func loadRateLimitConfig() RateLimitConfig {
	enabled := utils.GetEnv("RATE_LIMIT_ENABLED", "true") == "true"
	requestsPerSecond, _ := strconv.ParseFloat(utils.GetEnv("RATE_LIMIT_REQUESTS_PER_SECOND", "10"), 64)
	burstSize, _ := strconv.Atoi(utils.GetEnv("RATE_LIMIT_BURST_SIZE", "20"))

	return RateLimitConfig{
		Enabled:           enabled,
		RequestsPerSecond: requestsPerSecond,
		BurstSize:         burstSize,
		TrustProxy:        utils.GetEnv("RATE_LIMIT_TRUST_PROXY", "false") == "true",
	}
}

// loadSimulationConfig overlays SIM_* variables on the physics defaults.
func loadSimulationConfig() (physics.Config, error) {
	sim := physics.DefaultConfig()

	sim.G = utils.GetEnvFloat("SIM_G", sim.G)
	sim.Dt = utils.GetEnvFloat("SIM_DT", sim.Dt)
	sim.TickBase = utils.GetEnvDuration("SIM_TICK_BASE", sim.TickBase)
	sim.CycleSpeed = utils.GetEnvFloat("SIM_CYCLE_SPEED", sim.CycleSpeed)
	sim.DegenerateEpsilon = utils.GetEnvFloat("SIM_DEGENERATE_EPSILON", sim.DegenerateEpsilon)
	sim.MaxAcceleration = utils.GetEnvFloat("SIM_MAX_ACCELERATION", sim.MaxAcceleration)
	sim.Bounds.Extent = utils.GetEnvFloat("SIM_BOUNDS_EXTENT", sim.Bounds.Extent)
	sim.ResetMargin = utils.GetEnvFloat("SIM_RESET_MARGIN", sim.ResetMargin)
	sim.ResetMinDistance = utils.GetEnvFloat("SIM_RESET_MIN_DISTANCE", sim.ResetMinDistance)
	sim.ResetMaxDistance = utils.GetEnvFloat("SIM_RESET_MAX_DISTANCE", sim.ResetMaxDistance)
	sim.ResetVelocityScale = utils.GetEnvFloat("SIM_RESET_VELOCITY_SCALE", sim.ResetVelocityScale)
	sim.ForceField.Enabled = utils.GetEnv("SIM_FORCE_FIELD_ENABLED", "true") == "true"
	sim.ForceField.RepulsionFactor = utils.GetEnvFloat("SIM_REPULSION_FACTOR", sim.ForceField.RepulsionFactor)
	sim.MaxEntitySpeed = utils.GetEnvFloat("SIM_MAX_ENTITY_SPEED", sim.MaxEntitySpeed)
	sim.Workers = utils.GetEnvInt("SIM_WORKERS", sim.Workers)
	sim.Seed = int64(utils.GetEnvInt("SIM_SEED", int(sim.Seed)))

	if raw := utils.GetEnv("SIM_GUARDED_KINDS", ""); raw != "" {
		sim.GuardedKinds = nil
		for _, part := range strings.Split(raw, ",") {
			kind := spatial.BodyKind(strings.TrimSpace(part))
			if !kind.Valid() {
				return physics.Config{}, fmt.Errorf("SIM_GUARDED_KINDS: unknown body kind %q", kind)
			}
			sim.GuardedKinds = append(sim.GuardedKinds, kind)
		}
	}

	return sim, nil
}

func loadBroadcastConfig() BroadcastConfig {
	return BroadcastConfig{
		SubscriberQueue:   utils.GetEnvInt("BROADCAST_SUBSCRIBER_QUEUE", 64),
		GuardianEvery:     uint64(utils.GetEnvInt("BROADCAST_GUARDIAN_EVERY", 1)),
		PersistEvery:      uint64(utils.GetEnvInt("BROADCAST_PERSIST_EVERY", 5)),
		PersistTimeout:    utils.GetEnvDuration("BROADCAST_PERSIST_TIMEOUT", 5*time.Second),
		PersistRetryBase:  utils.GetEnvDuration("BROADCAST_PERSIST_RETRY_BASE", 500*time.Millisecond),
		PersistRetryMax:   utils.GetEnvDuration("BROADCAST_PERSIST_RETRY_MAX", 30*time.Second),
		AlertAfter:        utils.GetEnvInt("BROADCAST_ALERT_AFTER", 3),
		CommandsPerSecond: utils.GetEnvFloat("BROADCAST_COMMANDS_PER_SECOND", 20),
		CommandBurst:      utils.GetEnvInt("BROADCAST_COMMAND_BURST", 40),
	}
}

func loadMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ExtrapolateEvery: utils.GetEnvDuration("MONITOR_EXTRAPOLATE_EVERY", 25*time.Millisecond),
		ReconcileEvery:   utils.GetEnvDuration("MONITOR_RECONCILE_EVERY", 5*time.Second),
		ReconcileTimeout: utils.GetEnvDuration("MONITOR_RECONCILE_TIMEOUT", 2*time.Second),
	}
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long")
	}

	if c.Server.Port == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("DB_HOST is required")
	}

	if c.Database.Name == "" {
		return fmt.Errorf("DB_NAME is required")
	}

	if err := c.Simulation.Validate(); err != nil {
		return fmt.Errorf("simulation: %w", err)
	}

	if c.Broadcast.SubscriberQueue < 1 {
		return fmt.Errorf("BROADCAST_SUBSCRIBER_QUEUE must be at least 1")
	}

	if c.Broadcast.GuardianEvery < 1 || c.Broadcast.PersistEvery < 1 {
		return fmt.Errorf("BROADCAST_GUARDIAN_EVERY and BROADCAST_PERSIST_EVERY must be at least 1")
	}

	return nil
}

func (c *Config) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}
