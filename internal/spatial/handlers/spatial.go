package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"orbit-server/internal/broadcast"
	"orbit-server/internal/middleware"
	"orbit-server/internal/physics"
	"orbit-server/internal/shared/errors"
	"orbit-server/internal/shared/response"
	"orbit-server/internal/spatial"
)

const maxBodyBytes = 8 << 20

// Engine is the running simulation as seen by the HTTP surface.
type Engine interface {
	Snapshot() *spatial.Snapshot
	Config() physics.Config
	Submit(cmd broadcast.Command)
}

type SpatialHandler struct {
	engine Engine
}

func NewSpatialHandler(engine Engine) *SpatialHandler {
	return &SpatialHandler{engine: engine}
}

type ReplaceBodiesRequest struct {
	Bodies []spatial.CelestialBody `json:"bodies"`
}

type AcceptedResponse struct {
	Accepted    int    `json:"accepted"`
	ApplyAfter  uint64 `json:"applyAfterTick"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// requestedBy names the admin behind a request, or "" when the route is not
// authenticated.
func requestedBy(r *http.Request) string {
	if claims := middleware.GetUserFromContext(r); claims != nil {
		return claims.Username
	}
	return ""
}

func (h *SpatialHandler) GetBodies(w http.ResponseWriter, r *http.Request) {
	logger := slog.With("handler", "get_bodies")

	if r.Method != http.MethodGet {
		response.Error(w, r, logger, errors.MethodNotAllowed(r.Method))
		return
	}

	response.Success(w, http.StatusOK, h.engine.Snapshot())
}

// ReplaceBodies accepts either {"bodies": [...]} or a bare array. Bodies are
// checked against the current state and queued for the next tick.
func (h *SpatialHandler) ReplaceBodies(w http.ResponseWriter, r *http.Request) {
	admin := requestedBy(r)
	logger := slog.With("handler", "replace_bodies", "requested_by", admin)

	if r.Method != http.MethodPost {
		response.Error(w, r, logger, errors.MethodNotAllowed(r.Method))
		return
	}

	bodies, err := decodeBodies(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		response.Error(w, r, logger, err)
		return
	}
	if len(bodies) == 0 {
		response.Error(w, r, logger, errors.Validation("at least one body is required"))
		return
	}

	snap := h.engine.Snapshot()
	if err := checkReplacement(bodies, snap); err != nil {
		response.Error(w, r, logger, err)
		return
	}

	h.engine.Submit(broadcast.ReplaceBodies{Bodies: bodies})
	logger.Info("Body replacement queued", "bodies", len(bodies), "tick", snap.Tick)

	response.Success(w, http.StatusAccepted, AcceptedResponse{
		Accepted:    len(bodies),
		ApplyAfter:  snap.Tick,
		RequestedBy: admin,
	})
}

func decodeBodies(body io.Reader) ([]spatial.CelestialBody, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, errors.WrapValidation("invalid request body", err)
	}

	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		var bodies []spatial.CelestialBody
		if err := json.Unmarshal(trimmed, &bodies); err != nil {
			return nil, errors.WrapValidation("invalid body list", err)
		}
		return bodies, nil
	}

	var req ReplaceBodiesRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errors.WrapValidation("invalid request body", err)
	}
	return req.Bodies, nil
}

// checkReplacement rejects batches that could never apply: invalid bodies,
// duplicate ids and parents that exist neither now nor in the batch.
func checkReplacement(bodies []spatial.CelestialBody, snap *spatial.Snapshot) error {
	known := make(map[string]bool, len(snap.Bodies)+len(bodies))
	for _, b := range snap.Bodies {
		known[b.ID] = true
	}

	seen := make(map[string]bool, len(bodies))
	for i := range bodies {
		b := &bodies[i]
		if err := spatial.Validate(b); err != nil {
			return errors.WrapValidation("invalid body "+strconv.Quote(b.ID), err)
		}
		if seen[b.ID] {
			return errors.Validationf("duplicate body id %q", b.ID)
		}
		seen[b.ID] = true
		known[b.ID] = true
	}

	for _, b := range bodies {
		if !b.IsRoot() && !known[b.ParentID] {
			return errors.WrapValidation("invalid body "+strconv.Quote(b.ID), spatial.ErrUnknownParent)
		}
	}
	return nil
}

func (h *SpatialHandler) RemoveBody(w http.ResponseWriter, r *http.Request) {
	admin := requestedBy(r)
	logger := slog.With("handler", "remove_body", "requested_by", admin)

	if r.Method != http.MethodDelete {
		response.Error(w, r, logger, errors.MethodNotAllowed(r.Method))
		return
	}

	bodyID := r.PathValue("id")
	if bodyID == "" {
		response.Error(w, r, logger, errors.Validation("body ID is required"))
		return
	}

	cascade := false
	if raw := r.URL.Query().Get("cascade"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(w, r, logger, errors.WrapValidation("invalid cascade flag", err))
			return
		}
		cascade = parsed
	}

	snap := h.engine.Snapshot()
	found := false
	for _, b := range snap.Bodies {
		if b.ID == bodyID {
			found = true
			break
		}
	}
	if !found {
		response.Error(w, r, logger, errors.WrapNotFound("body "+strconv.Quote(bodyID), spatial.ErrBodyNotFound))
		return
	}

	h.engine.Submit(broadcast.RemoveBody{BodyID: bodyID, Cascade: cascade})
	logger.Info("Body removal queued", "body_id", bodyID, "cascade", cascade)

	response.Success(w, http.StatusAccepted, AcceptedResponse{Accepted: 1, ApplyAfter: snap.Tick, RequestedBy: admin})
}

func (h *SpatialHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	logger := slog.With("handler", "get_config")

	if r.Method != http.MethodGet {
		response.Error(w, r, logger, errors.MethodNotAllowed(r.Method))
		return
	}

	response.Success(w, http.StatusOK, h.engine.Config())
}

// UpdateConfig validates a partial update against the running configuration
// and queues it for the next tick. The response previews the result.
func (h *SpatialHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	admin := requestedBy(r)
	logger := slog.With("handler", "update_config", "requested_by", admin)

	if r.Method != http.MethodPost {
		response.Error(w, r, logger, errors.MethodNotAllowed(r.Method))
		return
	}

	var patch physics.Patch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		response.Error(w, r, logger, errors.WrapValidation("invalid config patch", err))
		return
	}

	next, err := patch.Apply(h.engine.Config())
	if err != nil {
		response.Error(w, r, logger, errors.WrapValidation("config rejected", err))
		return
	}

	h.engine.Submit(broadcast.UpdateConfig{Patch: patch})
	logger.Info("Config update queued",
		"g", next.G,
		"dt", next.Dt,
		"cycle_speed", next.CycleSpeed,
		"bounds_extent", next.Bounds.Extent,
	)

	response.Success(w, http.StatusAccepted, next)
}
