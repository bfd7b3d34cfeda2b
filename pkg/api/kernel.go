package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/kernel"
)

// AuthorizeRequest is the body of POST /authorize.
type AuthorizeRequest struct {
	Intent  *contracts.Intent          `json:"intent"`
	Context *contracts.ContextSnapshot `json:"context"`
}

type kernelServer struct {
	kernel  *kernel.Kernel
	logger  *slog.Logger
	version string
}

// NewKernelHandler serves GET /health and POST /authorize.
func NewKernelHandler(k *kernel.Kernel, opts ServerOptions) http.Handler {
	s := &kernelServer{kernel: k, logger: opts.logger("kernel-api"), version: opts.Version}
	r := newRouter(opts)
	r.Get("/health", s.health)
	r.Post("/authorize", s.authorize)
	return instrument("cda-kernel", r)
}

func (s *kernelServer) health(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "kernel", "version": s.version})
}

func (s *kernelServer) authorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	req.FillDefaults()

	auth, err := s.kernel.Authorize(r.Context(), req.Intent, req.Context)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, auth)
}

// FillDefaults assigns ids and timestamps the caller left out.
func (r *AuthorizeRequest) FillDefaults() {
	fillIntentDefaults(r.Intent)
	fillSnapshotDefaults(r.Context)
}

// fillIntentDefaults assigns an id and creation time when the caller left
// them out.
func fillIntentDefaults(in *contracts.Intent) {
	if in == nil {
		return
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	if in.Params == nil {
		in.Params = contracts.Attributes{}
	}
}

func fillSnapshotDefaults(s *contracts.ContextSnapshot) {
	if s == nil {
		return
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	if s.State == nil {
		s.State = contracts.Attributes{}
	}
}
