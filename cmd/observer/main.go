package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"orbit-server/internal/monitor"
	"orbit-server/internal/physics"
	"orbit-server/internal/protocol"
	"orbit-server/internal/shared/logger"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "base URL of the orbit server")
	token := flag.String("token", "", "player token; joins the player's entity when set")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	jsonLogs := flag.Bool("json", false, "log as JSON")
	reportEvery := flag.Duration("report", 10*time.Second, "interval between state summaries")
	reconcileEvery := flag.Duration("reconcile", 5*time.Second, "snapshot poll interval, 0 disables")
	flag.Parse()

	log := logger.New(os.Stdout, *logLevel, *jsonLogs).With("service", "orbit-observer")
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *serverURL, *token, *reportEvery, *reconcileEvery, log); err != nil {
		log.Error("Observer exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, serverURL, token string, reportEvery, reconcileEvery time.Duration, log *slog.Logger) error {
	base, err := url.Parse(strings.TrimSuffix(serverURL, "/"))
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	settings := monitor.DefaultSettings()
	settings.ReconcileEvery = reconcileEvery
	cfg, err := fetchConfig(ctx, base.String()+"/spatial/config", header)
	if err != nil {
		log.Warn("Using default tick period", "error", err)
	} else {
		settings.TickPeriod = cfg.TickPeriod()
		settings.Dt = cfg.Dt
	}

	wsURL := *base
	switch base.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/spatial/events"

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ch, err := monitor.Dial(dialCtx, wsURL.String(), base.String()+"/spatial/bodies", header, log)
	cancel()
	if err != nil {
		return err
	}
	defer ch.Close()

	welcome := ch.Welcome()
	log.Info("Connected",
		"connection_id", welcome.ConnectionID,
		"tick", welcome.Tick,
		"entity_id", welcome.EntityID,
	)

	if welcome.EntityID != "" {
		if err := ch.Send(protocol.MsgJoin, protocol.JoinCommand{EntityID: welcome.EntityID}); err != nil {
			return fmt.Errorf("failed to join: %w", err)
		}
	}

	m := monitor.New(settings, log)
	for _, t := range []protocol.EventType{protocol.EventEntityJoined, protocol.EventEntityLeft, protocol.EventEntityDocked, protocol.EventEntityUndocked, monitor.EventStateSync} {
		unsubscribe := m.Subscribe(t, func(ev protocol.Event) {
			log.Info("Entity event",
				"type", ev.Type,
				"tick", ev.Tick,
				"entity_id", ev.EntityID,
				"body_id", ev.BodyID,
			)
		})
		defer unsubscribe()
	}

	if err := m.Init(ctx, ch, welcome.EntityID); err != nil {
		return err
	}
	defer m.Shutdown()

	ticker := time.NewTicker(reportEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Observer stopping", "last_tick", m.LastTick())
			return nil
		case ev, ok := <-ch.Rejections():
			if !ok {
				return fmt.Errorf("event channel closed")
			}
			log.Warn("Command rejected", "command", ev.Command, "entity_id", ev.EntityID, "reason", ev.Reason)
		case <-ticker.C:
			report(m, log)
		}
	}
}

func report(m *monitor.Monitor, log *slog.Logger) {
	entities := m.Entities()
	log.Info("State summary", "last_tick", m.LastTick(), "entities", len(entities))
	for _, e := range entities {
		log.Debug("Entity",
			"entity_id", e.ID,
			"name", e.Name,
			"docked_body_id", e.DockedBodyID,
			"estimated", e.Estimated,
			"tick", e.Tick,
		)
	}
}

func fetchConfig(ctx context.Context, target string, header http.Header) (physics.Config, error) {
	var cfg physics.Config
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return cfg, err
	}
	req.Header = header.Clone()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return cfg, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return cfg, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}
