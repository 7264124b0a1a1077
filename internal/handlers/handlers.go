// Package handlers serves the JSON decision and read endpoints consumed by
// renderers. Subscriptions are configured at startup, not over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"verdict/internal/events"
	"verdict/internal/moderation"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler contains all HTTP handler methods and their dependencies.
type Handler struct {
	coordinator *moderation.Coordinator
}

// NewHandler creates a new Handler backed by the given coordinator.
func NewHandler(coordinator *moderation.Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// CheckRequest asks for a decision on one event from one viewer's perspective
type CheckRequest struct {
	Caller string        `json:"caller"`
	Event  *events.Event `json:"event"`
}

// HandleCheck computes a moderation decision. It never fails on engine state;
// only malformed requests are rejected.
func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	if !isJSONRequest(r) {
		writeError(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Event == nil || req.Event.ID == "" {
		writeError(w, "event with an id is required", http.StatusBadRequest)
		return
	}

	d := h.coordinator.CheckContent(r.Context(), req.Caller, *req.Event)
	zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Str("caller", req.Caller).
			Str("target", d.TargetID).
			Str("action", d.Action.String()).
			Bool("degraded", d.Degraded)
	})
	writeJSON(w, d, "decision")
}

// IngestResponse reports what happened to a pushed event
type IngestResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HandleIngest accepts a single signed event pushed by a renderer or relay
// bridge. Unsupported kinds are accepted and ignored.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if !isJSONRequest(r) {
		writeError(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	var evt events.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	err := h.coordinator.Ingest(r.Context(), evt)
	outcome := "failed"
	var malformed *events.MalformedEventError
	switch {
	case err == nil:
		outcome = "accepted"
		writeJSONStatus(w, http.StatusAccepted, IngestResponse{Status: outcome}, "ingest")
	case errors.Is(err, events.ErrUnsupportedKind):
		outcome = "ignored"
		writeJSON(w, IngestResponse{Status: outcome}, "ingest")
	case errors.As(err, &malformed):
		outcome = "rejected"
		writeJSONStatus(w, http.StatusUnprocessableEntity, IngestResponse{Status: outcome, Error: malformed.Error()}, "ingest")
	default:
		log.Error().Err(err).Str("id", evt.ID).Msg("handlers: ingest failed")
		writeError(w, "Failed to ingest event", http.StatusInternalServerError)
	}

	zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Int("kind", evt.Kind).Str("event_id", evt.ID).Str("outcome", outcome)
	})
}

// HandleReports returns the report aggregation for a target
func (h *Handler) HandleReports(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("target")
	if target == "" {
		writeError(w, "target is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, h.coordinator.Reports().GetReportsForEvent(target), "report aggregation")
}

// LabelsResponse carries distinct-labeler counts and the consensus value
type LabelsResponse struct {
	TargetID  string                    `json:"target_id"`
	Namespace string                    `json:"namespace"`
	Counts    map[string]int            `json:"counts"`
	Consensus moderation.LabelConsensus `json:"consensus"`
}

// HandleLabels returns label counts for a target within a namespace
func (h *Handler) HandleLabels(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("target")
	namespace := r.PathValue("namespace")
	if target == "" || namespace == "" {
		writeError(w, "target and namespace are required", http.StatusBadRequest)
		return
	}

	labels := h.coordinator.Labels()
	counts := labels.GetLabelCounts(target, namespace)
	if counts == nil {
		counts = map[string]int{}
	}
	writeJSON(w, LabelsResponse{
		TargetID:  target,
		Namespace: namespace,
		Counts:    counts,
		Consensus: labels.Consensus(target, namespace),
	}, "labels")
}

// HandleMutes lists an owner's personal mutes
func (h *Handler) HandleMutes(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	if owner == "" {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}
	mutes := h.coordinator.Mutes().PersonalMutes(owner)
	if mutes == nil {
		mutes = []moderation.MuteEntry{}
	}
	writeJSON(w, mutes, "mutes")
}

// HealthResponse is the body of /healthz
type HealthResponse struct {
	Status string           `json:"status"`
	Stats  moderation.Stats `json:"stats"`
}

// HandleHealthz reports liveness and engine counts. Unavailable sources
// degrade the status but never fail the check.
func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := h.coordinator.Stats()
	status := "ok"
	if len(stats.Unavailable) > 0 {
		status = "degraded"
	}
	writeJSON(w, HealthResponse{Status: status, Stats: stats}, "health")
}

// isJSONRequest checks if the request Content-Type is JSON
func isJSONRequest(r *http.Request) bool {
	contentType := r.Header.Get("Content-Type")
	return strings.Contains(contentType, "application/json")
}

// writeJSON encodes and writes a JSON response
func writeJSON(w http.ResponseWriter, v interface{}, entityName string) {
	writeJSONStatus(w, http.StatusOK, v, entityName)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}, entityName string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode " + entityName + " response")
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSONStatus(w, status, map[string]string{"error": message}, "error")
}
