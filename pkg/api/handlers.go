package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/findyourwork/toolgate/pkg/actionlog"
	"github.com/findyourwork/toolgate/pkg/kernel"
	"github.com/findyourwork/toolgate/pkg/proposal"
	"github.com/findyourwork/toolgate/pkg/registry"
)

// Server wires the orchestration kernel to HTTP.
type Server struct {
	kernel   *kernel.Service
	registry *registry.Registry
	auth     *Authenticator
	limiter  *RateLimiter
}

// NewServer creates the HTTP server facade.
func NewServer(k *kernel.Service, reg *registry.Registry, auth *Authenticator, limiter *RateLimiter) *Server {
	return &Server{kernel: k, registry: reg, auth: auth, limiter: limiter}
}

// Handler assembles the route table and middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/readiness", s.HandleHealth)
	mux.HandleFunc("/api/v1/tools", s.HandleListTools)
	mux.HandleFunc("/api/v1/tools/propose", s.HandlePropose)
	mux.HandleFunc("/api/v1/tools/confirm", s.HandleConfirm)
	mux.HandleFunc("/api/v1/tools/proposals/", s.HandleGetProposal)
	mux.HandleFunc("/api/v1/tools/", s.HandleInvoke)

	var h http.Handler = mux
	h = s.auth.Middleware(h)
	h = s.limiter.Middleware(h)
	h = RequestLogger(h)
	h = RequestID(h)
	return h
}

// HandleHealth handles /health and /readiness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// toolSummary is the public view of a registered tool.
type toolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Mutating    bool   `json:"mutating"`
	Fingerprint string `json:"fingerprint"`
}

// HandleListTools handles GET /api/v1/tools.
func (s *Server) HandleListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	names := s.registry.List()
	tools := make([]toolSummary, 0, len(names))
	for _, name := range names {
		d, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		fp, err := d.Fingerprint()
		if err != nil {
			WriteInternal(w, err)
			return
		}
		tools = append(tools, toolSummary{
			Name:        d.Name,
			Description: d.Description,
			Mutating:    d.Mutating,
			Fingerprint: fp,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tools": tools})
}

// HandleInvoke handles POST /api/v1/tools/{action}. The confirm query
// parameter selects the mode: absent is a direct call, false a preview,
// true a commit. Commits carry the Idempotency-Key header.
func (s *Server) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	action := strings.TrimPrefix(r.URL.Path, "/api/v1/tools/")
	if action == "" || strings.Contains(action, "/") {
		WriteNotFound(w, "Unknown tools endpoint")
		return
	}

	var confirm *bool
	if raw := r.URL.Query().Get("confirm"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			WriteBadRequest(w, "confirm must be true or false")
			return
		}
		confirm = &v
	}

	params, ok := decodeParams(w, r)
	if !ok {
		return
	}

	result, err := s.kernel.Invoke(r.Context(), kernel.InvokeRequest{
		Action:         action,
		Params:         params,
		Confirm:        confirm,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Actor:          ActorFrom(r.Context()),
	})
	if err != nil {
		writeKernelError(w, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == kernel.OutcomeCreated {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Toolgate-Outcome", string(result.Outcome))
	w.WriteHeader(status)
	_, _ = w.Write(result.Payload)
}

// proposeRequest is the body of POST /api/v1/tools/propose.
type proposeRequest struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// HandlePropose handles POST /api/v1/tools/propose.
func (s *Server) HandlePropose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Tool == "" {
		WriteBadRequest(w, "Missing required field: tool")
		return
	}

	result, err := s.kernel.Propose(r.Context(), req.Tool, req.Params)
	if err != nil {
		writeKernelError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// confirmRequest is the body of POST /api/v1/tools/confirm.
type confirmRequest struct {
	ProposalID string `json:"proposal_id"`
}

// HandleConfirm handles POST /api/v1/tools/confirm.
func (s *Server) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.ProposalID == "" {
		WriteBadRequest(w, "Missing required field: proposal_id")
		return
	}

	result, err := s.kernel.Confirm(r.Context(), req.ProposalID)
	if err != nil {
		writeKernelError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(result)
}

// HandleGetProposal handles GET /api/v1/tools/proposals/{id}.
func (s *Server) HandleGetProposal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/tools/proposals/")
	if id == "" || strings.Contains(id, "/") {
		WriteNotFound(w, "Proposal not found or expired")
		return
	}

	p, err := s.kernel.GetProposal(r.Context(), id)
	if err != nil {
		writeKernelError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p)
}

// decodeParams reads the optional JSON object body. An empty body means
// no params.
func decodeParams(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, true
		}
		WriteBadRequest(w, "Invalid request body")
		return nil, false
	}
	return params, true
}

// writeKernelError maps kernel errors onto Problem Detail responses.
func writeKernelError(w http.ResponseWriter, err error) {
	var toolErr *registry.ToolError
	switch {
	case errors.As(err, &toolErr):
		if toolErr.Status != 0 {
			// Pass the collaborator's status through so clients see the
			// real cause (409 date conflict, 422 validation, ...).
			WriteError(w, toolErr.Status, "Tool Call Failed", toolErr.Body)
			return
		}
		WriteBadRequest(w, toolErr.Message)
	case errors.Is(err, proposal.ErrNotFound):
		WriteNotFound(w, "Proposal not found or expired")
	case errors.Is(err, actionlog.ErrConflict):
		WriteConflict(w, "Concurrent request for the same idempotency key; retry shortly")
	default:
		WriteInternal(w, err)
	}
}
