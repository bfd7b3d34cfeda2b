package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/gate"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/store"
)

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	Token contracts.Token `json:"token"`
}

// EntityRequest is the body of PUT /entities/{id}. The entity must not
// exist yet.
type EntityRequest struct {
	Version    int64                `json:"version"`
	Attributes contracts.Attributes `json:"attributes"`
}

type gateServer struct {
	gate      *gate.Gate
	logger    *slog.Logger
	version   string
	allowSeed bool
}

// NewGateHandler serves the Gate: token execution plus the entity and
// record endpoints a context provider and operators use.
func NewGateHandler(g *gate.Gate, opts ServerOptions) http.Handler {
	s := &gateServer{gate: g, logger: opts.logger("gate-api"), version: opts.Version, allowSeed: opts.AllowSeed}
	r := newRouter(opts)
	r.Get("/health", s.health)
	r.Post("/execute", s.execute)
	r.Route("/entities", func(r chi.Router) {
		r.Get("/{entityID}", s.getEntity)
		r.Put("/{entityID}", s.putEntity)
	})
	r.Route("/records", func(r chi.Router) {
		r.Get("/", s.listRecords)
		r.Get("/{intentID}", s.getRecord)
	})
	return instrument("cda-gate", r)
}

func (s *gateServer) health(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.Store().Ping(r.Context()); err != nil {
		s.logger.WarnContext(r.Context(), "store unreachable", "error", err)
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "service": "gate", "version": s.version})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":        "ok",
		"service":       "gate",
		"version":       s.version,
		"replay_policy": string(s.gate.ReplayPolicy()),
	})
}

func (s *gateServer) execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if req.Token == "" {
		WriteBadRequest(w, r, "token is required")
		return
	}
	res, err := s.gate.Execute(r.Context(), req.Token)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *gateServer) getEntity(w http.ResponseWriter, r *http.Request) {
	snap, err := s.gate.Snapshot(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

func (s *gateServer) putEntity(w http.ResponseWriter, r *http.Request) {
	if !s.allowSeed {
		s.logger.WarnContext(r.Context(), "entity seeding is disabled", "event", "security_violation", "entity_id", chi.URLParam(r, "entityID"))
		WriteProblem(w, r, http.StatusForbidden, "", "entity seeding is disabled")
		return
	}
	var req EntityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	state, err := s.gate.Seed(r.Context(), chi.URLParam(r, "entityID"), req.Version, req.Attributes)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, state)
}

func (s *gateServer) listRecords(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteBadRequest(w, r, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs, err := s.gate.Store().Records(r.Context(), limit)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if recs == nil {
		recs = []*contracts.ExecutedIntentRecord{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *gateServer) getRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "intentID")
	rec, err := s.gate.Store().Record(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteProblem(w, r, http.StatusNotFound, "", "intent "+id+" has not been executed")
		return
	}
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}
