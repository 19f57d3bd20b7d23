package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/roastops/company-kernel/pkg/auth"
	"github.com/roastops/company-kernel/pkg/command"
	"github.com/roastops/company-kernel/pkg/governance"
	"github.com/roastops/company-kernel/pkg/governor"
	"github.com/roastops/company-kernel/pkg/mission"
	"github.com/roastops/company-kernel/pkg/observability"
	"github.com/roastops/company-kernel/pkg/ratelimit"
	"github.com/roastops/company-kernel/pkg/registry"
	"github.com/roastops/company-kernel/pkg/store"
	"github.com/roastops/company-kernel/pkg/trace"
)

// Server holds the handler dependencies.
type Server struct {
	missions *mission.Service
	commands *command.Service
	engine   *governance.Engine
	governor *governor.Store
	agents   *registry.Registry
	traces   *trace.Store
	db       *store.Store
	obs      *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time
}

// ServerDeps wires the server.
type ServerDeps struct {
	Missions *mission.Service
	Commands *command.Service
	Engine   *governance.Engine
	Governor *governor.Store
	Agents   *registry.Registry
	Traces   *trace.Store
	DB       *store.Store
	Obs      *observability.Provider
	Logger   *slog.Logger
	Clock    func() time.Time
}

// NewServer builds the HTTP server facade.
func NewServer(d ServerDeps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Server{
		missions: d.Missions,
		commands: d.Commands,
		engine:   d.Engine,
		governor: d.Governor,
		agents:   d.Agents,
		traces:   d.Traces,
		db:       d.DB,
		obs:      d.Obs,
		logger:   logger,
		clock:    clock,
	}
}

func (s *Server) now() time.Time { return s.clock().UTC() }

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Mission queue.
	mux.HandleFunc("POST /missions", s.handleCreateMission)
	mux.HandleFunc("GET /missions", s.handleListMissions)
	mux.HandleFunc("GET /missions/metrics", s.handleMissionMetrics)
	mux.HandleFunc("POST /missions/claim", s.handleClaim)
	mux.HandleFunc("GET /missions/{id}", s.handleGetMission)
	mux.HandleFunc("POST /missions/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /missions/{id}/complete", s.handleComplete)
	mux.HandleFunc("POST /missions/{id}/fail", s.handleFail)
	mux.HandleFunc("POST /missions/{id}/approve", s.handleApproveMission)
	mux.HandleFunc("POST /missions/{id}/cancel", s.handleCancelMission)
	mux.HandleFunc("POST /missions/{id}/retryNow", s.handleRetryNow)

	// Governor.
	mux.HandleFunc("GET /governor/config", s.handleGetGovernorConfig)
	mux.HandleFunc("PUT /governor/config", s.handlePutGovernorConfig)
	mux.HandleFunc("POST /policy/check", s.handlePolicyCheck)

	// Command approval pipeline.
	mux.HandleFunc("POST /proposals", s.handlePropose)
	mux.HandleFunc("GET /proposals", s.handleListProposals)
	mux.HandleFunc("GET /proposals/pending", s.handlePendingProposals)
	mux.HandleFunc("GET /proposals/{id}", s.handleGetProposal)
	mux.HandleFunc("POST /proposals/{id}/approve", s.handleApproveProposal)
	mux.HandleFunc("POST /proposals/{id}/reject", s.handleRejectProposal)
	mux.HandleFunc("POST /proposals/{id}/abort", s.handleAbortProposal)
	mux.HandleFunc("GET /proposals/{id}/audit", s.handleProposalAudit)
	mux.HandleFunc("POST /execute/{id}", s.handleExecute)
	mux.HandleFunc("POST /execute/{id}/result", s.handleExecuteResult)
	mux.HandleFunc("GET /audit/verify", s.handleAuditVerify)

	// Registry and traces.
	mux.HandleFunc("POST /agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("POST /tools", s.handleRegisterTool)
	mux.HandleFunc("GET /tools", s.handleListTools)
	mux.HandleFunc("POST /traces", s.handlePostTrace)
	mux.HandleFunc("GET /traces", s.handleListTraces)
	mux.HandleFunc("GET /traces/{missionId}", s.handleMissionTraces)

	// Device keys.
	mux.HandleFunc("POST /devices/keys", s.handleRegisterDeviceKey)
	mux.HandleFunc("GET /devices/keys", s.handleListDeviceKeys)
	mux.HandleFunc("DELETE /devices/keys/{id}", s.handleRevokeDeviceKey)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleReadiness)

	return mux
}

// HandlerConfig selects the middleware for the assembled handler.
type HandlerConfig struct {
	AuthMode     string
	Validator    *auth.Validator
	CORSOrigins  []string
	Backpressure ratelimit.BackpressureStore
	Policy       ratelimit.BackpressurePolicy
}

// Handler wraps the routes in the middleware chain. The observability
// middleware sits innermost so it sees the matched route pattern.
func (s *Server) Handler(cfg HandlerConfig) http.Handler {
	var h http.Handler = s.Routes()
	if s.obs != nil {
		h = s.obs.Middleware(h)
	}
	h = Backpressure(cfg.Backpressure, cfg.Policy)(h)
	h = Authenticate(cfg.AuthMode, cfg.Validator)(h)
	h = RequestID(h)
	h = CORS(cfg.CORSOrigins)(h)
	return h
}
