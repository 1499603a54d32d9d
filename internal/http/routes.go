package httpx

import (
	"io"
	"log/slog"
	"net/http"
)

const healthResponse = `{"status":"ok"}`

// healthHandler returns a simple 200 OK status for readiness checks.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.WriteString(w, healthResponse); err != nil {
		// Nothing more to do if the client connection is gone.
		return
	}
}

// RouterServices holds the dependencies for building the admin router.
type RouterServices struct {
	Operations Operations
	Verifier   TokenVerifier
	Logger     *slog.Logger
}

// NewRouter builds the admin API router: a public health check and the
// token-protected form-sender operations.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	api := NewAPIHandlers(services.Operations)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/form-sender/start", api.Start)
	apiMux.HandleFunc("POST /api/form-sender/stop", api.Stop)
	apiMux.HandleFunc("GET /api/form-sender/executions", api.Executions)
	apiMux.HandleFunc("POST /api/form-sender/queue/build", api.QueueBuild)
	apiMux.HandleFunc("POST /api/form-sender/queue/reset", api.QueueReset)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.HandleFunc("HEAD /healthz", healthHandler)
	mux.Handle("/api/", RequireAuth(services.Verifier)(apiMux))

	return Chain(mux, Recover(logger), Logging(logger))
}
