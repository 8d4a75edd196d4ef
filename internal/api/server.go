// Package api serves the admission and administration surface: agent
// lifecycle, action attempts, sponsor economics, environment constraints.
package api

import (
	"database/sql"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ox/substrate/internal/agents"
	"github.com/ox/substrate/internal/engine"
	"github.com/ox/substrate/internal/environment"
	"github.com/ox/substrate/internal/locality"
	"github.com/ox/substrate/internal/readapi"
	"github.com/ox/substrate/internal/sponsor"
)

// Server wires every handler onto one router.
type Server struct {
	db          *sql.DB
	agents      *agents.Store
	engine      *engine.Engine
	wallets     *sponsor.Wallets
	pressures   *sponsor.Pressures
	policies    *sponsor.PolicyStore
	environment *environment.Store
	localities  *locality.Store
	inbox       *ErrorInbox
	readAPI     *readapi.Server
	logger      *log.Logger
}

type Deps struct {
	DB          *sql.DB
	Agents      *agents.Store
	Engine      *engine.Engine
	Wallets     *sponsor.Wallets
	Pressures   *sponsor.Pressures
	Policies    *sponsor.PolicyStore
	Environment *environment.Store
	Localities  *locality.Store
	Inbox       *ErrorInbox
	ReadAPI     *readapi.Server
}

func NewServer(d Deps) *Server {
	return &Server{
		db:          d.DB,
		agents:      d.Agents,
		engine:      d.Engine,
		wallets:     d.Wallets,
		pressures:   d.Pressures,
		policies:    d.Policies,
		environment: d.Environment,
		localities:  d.Localities,
		inbox:       d.Inbox,
		readAPI:     d.ReadAPI,
		logger:      log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router assembles middleware and routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Agent lifecycle.
	r.HandleFunc("/agents", s.handleCreateAgent).Methods("POST")
	r.HandleFunc("/agents/{id}", s.handleGetAgent).Methods("GET")
	r.HandleFunc("/agents/{id}/archive", s.handleArchiveAgent).Methods("POST")
	r.HandleFunc("/agents/{id}/redeploy", s.handleRedeploy).Methods("POST")
	r.HandleFunc("/agents/{id}/sponsor", s.handleReassignSponsor).Methods("POST")
	r.HandleFunc("/agents/{id}/provider", s.handleSetProvider).Methods("POST")
	r.HandleFunc("/agents/{id}/profile", s.handleSetProfile).Methods("POST")
	r.HandleFunc("/agents/{id}/config", s.handleGetConfig).Methods("GET")
	r.HandleFunc("/agents/{id}/config", s.handleUpdateConfig).Methods("PUT")

	// Admission.
	r.HandleFunc("/agents/{id}/attempt", s.handleAttempt).Methods("POST")
	r.HandleFunc("/agents/{id}/capacity/allocate", s.handleAllocateCapacity).Methods("POST")

	// Sponsor economics.
	r.HandleFunc("/sponsor/{s}/credits/purchase", s.handlePurchase).Methods("POST")
	r.HandleFunc("/sponsor/{s}/credits", s.handleWalletBalance).Methods("GET")
	r.HandleFunc("/sponsor/{s}/agents/{a}/credits/allocate", s.handleAllocateCredits).Methods("POST")
	r.HandleFunc("/sponsor/{s}/pressures", s.handleIssuePressure).Methods("POST")
	r.HandleFunc("/sponsor/{s}/pressures/{id}", s.handleCancelPressure).Methods("DELETE")
	r.HandleFunc("/sponsor/{s}/policies", s.handleCreatePolicy).Methods("POST")
	r.HandleFunc("/sponsor/{s}/policies", s.handleListPolicies).Methods("GET")
	r.HandleFunc("/sponsor/{s}/policies/{id}/activate", s.handlePolicyActive(true)).Methods("POST")
	r.HandleFunc("/sponsor/{s}/policies/{id}/deactivate", s.handlePolicyActive(false)).Methods("POST")
	r.HandleFunc("/sponsor/{s}/policies/{id}/runs", s.handlePolicyRuns).Methods("GET")

	// Ops surface.
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(requireOpsRole)
	admin.HandleFunc("/environment/{target}", s.handleSetEnvironment).Methods("PUT")
	admin.HandleFunc("/environment/{target}", s.handleGetEnvironment).Methods("GET")
	admin.HandleFunc("/environment/{target}", s.handleRemoveEnvironment).Methods("DELETE")
	admin.HandleFunc("/localities", s.handleCreateLocality).Methods("POST")
	admin.HandleFunc("/localities", s.handleListLocalities).Methods("GET")
	admin.HandleFunc("/localities/{id}", s.handleDeactivateLocality).Methods("DELETE")
	admin.HandleFunc("/localities/{id}/members", s.handleJoinLocality).Methods("POST")
	admin.HandleFunc("/localities/{id}/members/{agent}", s.handleLeaveLocality).Methods("DELETE")
	admin.HandleFunc("/localities/{id}/members", s.handleListMembers).Methods("GET")

	// Observer surface.
	if s.readAPI != nil {
		s.readAPI.Mount(r)
	}

	var handler http.Handler = r
	handler = withLogging(handler)
	handler = withCorrelation(handler)
	return handler
}

// internalError records the failure in the inbox and answers 500.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Printf("❌ %s %s: %v", r.Method, r.URL.Path, err)
	s.inbox.Record(r.Context(), r.Method, r.URL.Path, err.Error())
	writeError(w, http.StatusInternalServerError, "internal_error")
}
