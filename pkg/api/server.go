package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/zapguard/guardrail/pkg/health"
	"github.com/zapguard/guardrail/pkg/instance"
	"github.com/zapguard/guardrail/pkg/intent"
	"github.com/zapguard/guardrail/pkg/jobs"
	"github.com/zapguard/guardrail/pkg/media"
	"github.com/zapguard/guardrail/pkg/metering"
	"github.com/zapguard/guardrail/pkg/operators"
)

const (
	maxBodyBytes  = 1 << 20
	maxMediaBytes = 16 << 20
)

// Deps are the services behind the API.
type Deps struct {
	Instances *instance.Service
	Evaluator *health.Evaluator
	Signals   *health.SignalCollector
	Pipeline  *intent.Pipeline
	Jobs      *jobs.Runner
	Queue     *operators.Queue
	Meter     metering.Meter
	Media     media.Store
}

// Options configure the HTTP surface.
type Options struct {
	JWTSecret []byte
	RateLimit float64 // requests per second per client IP; <= 0 disables
	RateBurst int
}

// Server routes API requests to the services.
type Server struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

func NewServer(deps Deps, opts Options) *Server {
	return &Server{deps: deps, opts: opts, logger: slog.Default().With("component", "api")}
}

// Handler returns the routed handler wrapped in logging, rate limiting and
// organization binding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/instances", s.handleListInstances)
	mux.HandleFunc("POST /api/v1/instances", s.handleProvision)
	mux.HandleFunc("GET /api/v1/instances/{id}", s.handleGetInstance)
	mux.HandleFunc("GET /api/v1/instances/{id}/health", s.handleInstanceHealth)
	mux.HandleFunc("POST /api/v1/instances/{id}/evaluate", s.handleEvaluate)
	mux.HandleFunc("POST /api/v1/instances/{id}/connection", s.handleConnectionEvent)
	mux.HandleFunc("POST /api/v1/instances/{id}/block-reports", s.handleBlockReport)
	mux.HandleFunc("POST /api/v1/instances/{id}/ban", s.handleBan)
	mux.HandleFunc("POST /api/v1/instances/{id}/reactivate", s.handleReactivate)
	mux.HandleFunc("GET /api/v1/gate", s.handleGate)

	mux.HandleFunc("POST /api/v1/intents", s.handleDecide)
	mux.HandleFunc("GET /api/v1/intents", s.handleListIntents)
	mux.HandleFunc("GET /api/v1/intents/{id}", s.handleGetIntent)
	mux.HandleFunc("POST /api/v1/intents/{id}/cancel", s.handleCancelIntent)
	mux.HandleFunc("GET /api/v1/intents/{id}/timeline", s.handleIntentTimeline)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", s.handleCancelJob)

	mux.HandleFunc("GET /api/v1/operators", s.handleListOperators)
	mux.HandleFunc("POST /api/v1/operators", s.handleAddOperator)
	mux.HandleFunc("POST /api/v1/operators/{id}/status", s.handleOperatorStatus)
	mux.HandleFunc("GET /api/v1/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/v1/conversations", s.handleOpenConversation)
	mux.HandleFunc("POST /api/v1/conversations/{id}/claim", s.handleClaim)
	mux.HandleFunc("POST /api/v1/conversations/{id}/release", s.handleRelease)
	mux.HandleFunc("POST /api/v1/conversations/{id}/transfer", s.handleTransfer)
	mux.HandleFunc("POST /api/v1/conversations/{id}/inbound", s.handleInbound)
	mux.HandleFunc("POST /api/v1/conversations/{id}/reply", s.handleReply)
	mux.HandleFunc("POST /api/v1/conversations/{id}/close", s.handleCloseConversation)

	mux.HandleFunc("GET /api/v1/metrics", s.handleMetrics)
	mux.HandleFunc("POST /api/v1/media", s.handleUploadMedia)

	var h http.Handler = mux
	h = NewAuthMiddleware(s.opts.JWTSecret)(h)
	if s.opts.RateLimit > 0 {
		h = NewRateLimiter(s.opts.RateLimit, s.opts.RateBurst).Middleware(h)
	}
	return RequestLogger(s.logger)(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON body. An empty body leaves v untouched when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return true
	}
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "Invalid request body")
		return false
	}
	return true
}
