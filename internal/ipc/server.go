package ipc

import (
	"context"
	"net/http"
)

// Server wraps an HTTP server with engine-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	mux := http.NewServeMux()

	// Health endpoint.
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Session lifecycle.
	mux.HandleFunc("POST /api/v1/review", h.CreateReview)
	mux.HandleFunc("GET /api/v1/review/{sessionID}", h.GetReview)
	mux.HandleFunc("POST /api/v1/review/{sessionID}/resume", h.ResumeReview)
	mux.HandleFunc("POST /api/v1/review/{sessionID}/cancel", h.CancelReview)

	// Diff ledger.
	mux.HandleFunc("GET /api/v1/review/{sessionID}/diffs", h.ListDiffs)
	mux.HandleFunc("POST /api/v1/review/{sessionID}/diffs/decide", h.DecideBatch)
	mux.HandleFunc("POST /api/v1/review/{sessionID}/diffs/{diffID}/decide", h.Decide)
	mux.HandleFunc("POST /api/v1/review/{sessionID}/diffs/{diffID}/revert", h.Revert)

	// Derived views.
	mux.HandleFunc("GET /api/v1/review/{sessionID}/summary", h.GetSummary)
	mux.HandleFunc("GET /api/v1/review/{sessionID}/draft", h.GetDraft)

	// Event feed.
	mux.HandleFunc("GET /api/v1/review/{sessionID}/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/review/{sessionID}/events/stream", h.StreamEvents)

	srv := &http.Server{
		Addr:    listenAddr,
		Handler: corsMiddleware(mux),
	}

	return &Server{
		httpServer: srv,
	}
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for local front-end access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
