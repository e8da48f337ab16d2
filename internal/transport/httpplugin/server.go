package httpplugin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flowcore/runtime/internal/domain"
)

// Invoker executes one node body against an envelope, the server-side
// counterpart of client.Invoke. internal/nodeexec/native.Executor and
// internal/pipeline both satisfy the shape needed to adapt to this.
type Invoker interface {
	Invoke(nodeType string, in *domain.Envelope) ([]*domain.Envelope, error)
}

// NewServer builds the HTTP handler a RemotePipeline endpoint hosts for
// inbound invoke calls, routed with chi the way the rest of the pack's
// HTTP-facing services do.
func NewServer(invoker Invoker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Post("/invoke", func(w http.ResponseWriter, req *http.Request) {
		var wreq wireRequest
		if err := json.NewDecoder(req.Body).Decode(&wreq); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}

		start := time.Now()
		outs, err := invoker.Invoke(wreq.NodeType, wreq.Envelope)
		resp := domain.InvokeResponse{DurationMs: time.Since(start).Milliseconds()}
		if err != nil {
			resp.Error = err.Error()
			w.Header().Set("content-type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(resp)
			return
		}

		output, err := json.Marshal(outs)
		if err != nil {
			http.Error(w, "marshal output", http.StatusInternalServerError)
			return
		}
		resp.Output = output

		w.Header().Set("content-type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	return r
}
