package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rescuegrid/movement-simulator/core"
	"github.com/rescuegrid/movement-simulator/internal/logging"
	"github.com/rescuegrid/movement-simulator/internal/movement"
	"github.com/rescuegrid/movement-simulator/model"
)

// startMovementRequest is the body for POST /api/v1/movements. Speed can be
// given in m/s or km/h; a positive speed_mps wins.
type startMovementRequest struct {
	EntityID   string           `json:"entity_id"`
	EntityType model.EntityType `json:"entity_type"`
	ResourceID string           `json:"resource_id,omitempty"`
	Route      []model.GeoPoint `json:"route"`
	SpeedMps   float64          `json:"speed_mps,omitempty"`
	SpeedKmh   float64          `json:"speed_kmh,omitempty"`
	Waypoints  []model.Waypoint `json:"waypoints,omitempty"`
}

func (req startMovementRequest) toStartRequest() movement.StartRequest {
	speed := req.SpeedMps
	if speed <= 0 && req.SpeedKmh > 0 {
		speed = core.KmhToMps(req.SpeedKmh)
	}
	return movement.StartRequest{
		EntityID:   req.EntityID,
		EntityType: req.EntityType,
		ResourceID: req.ResourceID,
		Route:      req.Route,
		SpeedMps:   speed,
		Waypoints:  req.Waypoints,
	}
}

func (s *Server) handleStartMovement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req startMovementRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(ctx, w, err)
		return
	}

	status, err := s.manager.StartMovement(ctx, req.toStartRequest())
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusCreated, status)
}

// controlHandler adapts a manager control operation into a handler keyed by
// the {id} path variable.
func (s *Server) controlHandler(op string, apply func(context.Context, string) (*movement.Status, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := mux.Vars(r)["id"]

		status, err := apply(ctx, id)
		if err != nil {
			s.writeError(ctx, w, err)
			return
		}
		logging.LoggerFromContext(ctx).Debug(ctx, "movement control applied",
			logging.String("op", op), logging.String("session_id", id))
		s.writeJSON(ctx, w, http.StatusOK, status)
	}
}

func (s *Server) handleMovementStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status, err := s.manager.GetStatus(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, status)
}

func (s *Server) handleListMovements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.writeJSON(ctx, w, http.StatusOK, s.manager.ListActive(ctx))
}

type speedResponse struct {
	EntityType model.EntityType `json:"entity_type"`
	ResourceID string           `json:"resource_id,omitempty"`
	SpeedMps   float64          `json:"speed_mps"`
	SpeedKmh   float64          `json:"speed_kmh"`
	Label      string           `json:"label"`
}

// handleResolveSpeed reports the speed a movement for the given entity type
// would run at, consulting the attribute record when resource_id is given.
func (s *Server) handleResolveSpeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entityType := model.EntityType(mux.Vars(r)["entityType"])
	resourceID := r.URL.Query().Get("resource_id")

	mps := s.resolver.Resolve(ctx, entityType, resourceID, 0)
	s.writeJSON(ctx, w, http.StatusOK, speedResponse{
		EntityType: entityType,
		ResourceID: resourceID,
		SpeedMps:   mps,
		SpeedKmh:   core.MpsToKmh(mps),
		Label:      core.SpeedLabel(mps),
	})
}
