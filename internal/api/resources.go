package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rescuegrid/movement-simulator/internal/resource"
	"github.com/rescuegrid/movement-simulator/model"
)

func (s *Server) handlePutResource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	var attrs resource.Attributes
	if err := decodeBody(w, r, &attrs); err != nil {
		s.writeError(ctx, w, err)
		return
	}

	record, err := s.registry.Put(ctx, model.EntityType(vars["entityType"]), vars["resourceID"], attrs)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, record)
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	record, err := s.registry.Get(ctx, model.EntityType(vars["entityType"]), vars["resourceID"])
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, record)
}

func (s *Server) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	if err := s.registry.Delete(ctx, model.EntityType(vars["entityType"]), vars["resourceID"]); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, nil)
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entityType := model.EntityType(r.URL.Query().Get("entity_type"))
	s.writeJSON(ctx, w, http.StatusOK, s.registry.List(ctx, entityType))
}
