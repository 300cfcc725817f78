package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rescuegrid/movement-simulator/internal/movement"
	"github.com/rescuegrid/movement-simulator/model"
)

// startBatchRequest is the body for POST /api/v1/batches. A zero launch
// interval takes the service default for CONVOY and STAGGERED formations.
type startBatchRequest struct {
	Formation      model.Formation        `json:"formation"`
	LaunchInterval time.Duration          `json:"launch_interval_ns,omitempty"`
	Movements      []startMovementRequest `json:"movements"`
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req startBatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(ctx, w, err)
		return
	}

	movements := make([]movement.StartRequest, len(req.Movements))
	for i, mv := range req.Movements {
		movements[i] = mv.toStartRequest()
	}

	batch, err := s.batches.StartBatch(ctx, movement.BatchStartRequest{
		Formation:      req.Formation,
		LaunchInterval: req.LaunchInterval,
		Movements:      movements,
	})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	// Members join the batch as the launch plan runs, so the record is
	// returned before its session list is final.
	s.writeJSON(ctx, w, http.StatusAccepted, batch)
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status, err := s.batches.GetBatchStatus(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, status)
}

// batchControlHandler adapts a batch fan-out operation into a handler keyed
// by the {id} path variable.
func (s *Server) batchControlHandler(apply func(context.Context, string) (*movement.BatchControlResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		result, err := apply(ctx, mux.Vars(r)["id"])
		if err != nil {
			s.writeError(ctx, w, err)
			return
		}
		s.writeJSON(ctx, w, http.StatusOK, result)
	}
}

func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.batches.DeleteBatch(ctx, mux.Vars(r)["id"]); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, nil)
}
