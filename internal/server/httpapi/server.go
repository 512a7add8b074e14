// Package httpapi exposes the HTTP surface of the server: the JSON
// administration API, the anonymous endpoints reachable before a device
// exists, the authenticated server-sent-events stream, and the signed
// device command endpoints. The handlers delegate every decision to the
// service layer and only translate outcomes to statuses.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dmitrijs2005/parsecd/internal/logging"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/certif"
	"github.com/dmitrijs2005/parsecd/internal/server/config"
	"github.com/dmitrijs2005/parsecd/internal/server/events"
	"github.com/dmitrijs2005/parsecd/internal/server/blocks"
	"github.com/dmitrijs2005/parsecd/internal/server/invites"
	"github.com/dmitrijs2005/parsecd/internal/server/organizations"
	"github.com/dmitrijs2005/parsecd/internal/server/realms"
	"github.com/dmitrijs2005/parsecd/internal/server/sequester"
	"github.com/dmitrijs2005/parsecd/internal/server/shamirx"
	"github.com/dmitrijs2005/parsecd/internal/server/store"
	"github.com/dmitrijs2005/parsecd/internal/server/users"
	"github.com/dmitrijs2005/parsecd/internal/server/vlobs"
)

// Anonymous endpoints are throttled per organization: enough for a
// legitimate bootstrap or claimer, useless for token guessing.
const (
	anonymousRate  = rate.Limit(1)
	anonymousBurst = 5
)

type Server struct {
	address   string
	log       logging.Logger
	config    *config.Config
	store     store.Store
	bus       *events.Bus
	validator *certif.Validator

	organizations *organizations.Service
	users         *users.Service
	realms        *realms.Service
	vlobs         *vlobs.Service
	blocks        *blocks.Service
	invites       *invites.Service
	sequester     *sequester.Service
	shamir        *shamirx.Service

	adminSecret []byte

	mu       sync.Mutex
	limiters map[protocol.OrganizationID]*rate.Limiter
}

func NewServer(cfg *config.Config, l logging.Logger, st store.Store, bus *events.Bus, validator *certif.Validator,
	os *organizations.Service, us *users.Service, rls *realms.Service, vs *vlobs.Service, bks *blocks.Service,
	is *invites.Service, ss *sequester.Service, rs *shamirx.Service) *Server {
	return &Server{
		address:       cfg.EndpointAddrHTTP,
		log:           l.With("module", "http_server"),
		config:        cfg,
		store:         st,
		bus:           bus,
		validator:     validator,
		organizations: os,
		users:         us,
		realms:        rls,
		vlobs:         vs,
		blocks:        bks,
		invites:       is,
		sequester:     ss,
		shamir:        rs,
		adminSecret:   []byte(cfg.AdminSecretKey),
		limiters:      make(map[protocol.OrganizationID]*rate.Limiter),
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /administration/organizations", s.adminAuth(s.adminCreateOrganization))
	mux.HandleFunc("GET /administration/organizations/{organization}", s.adminAuth(s.adminGetOrganization))
	mux.HandleFunc("PATCH /administration/organizations/{organization}", s.adminAuth(s.adminUpdateOrganization))
	mux.HandleFunc("GET /administration/organizations/{organization}/stats", s.adminAuth(s.adminOrganizationStats))
	mux.HandleFunc("POST /administration/organizations/{organization}/users/freeze", s.adminAuth(s.adminFreezeUser))
	mux.HandleFunc("GET /administration/organizations/{organization}/sequester/services", s.adminAuth(s.adminListSequesterServices))
	mux.HandleFunc("POST /administration/organizations/{organization}/sequester/services", s.adminAuth(s.adminCreateSequesterService))
	mux.HandleFunc("POST /administration/organizations/{organization}/sequester/services/{service}/revoke", s.adminAuth(s.adminRevokeSequesterService))
	mux.HandleFunc("PUT /administration/organizations/{organization}/sequester/services/{service}/webhook", s.adminAuth(s.adminUpdateSequesterWebhook))
	mux.HandleFunc("GET /administration/organizations/{organization}/sequester/services/{service}/dump/{realm}", s.adminAuth(s.adminDumpSequesterRealm))

	mux.HandleFunc("POST /anonymous/{organization}/organization_bootstrap", s.rateLimited(s.anonymousBootstrap))
	mux.HandleFunc("GET /anonymous/{organization}/invitations/{token}", s.rateLimited(s.anonymousInvitationInfo))
	mux.HandleFunc("POST /anonymous/{organization}/shamir_recovery_reveal", s.rateLimited(s.anonymousShamirReveal))

	mux.HandleFunc("GET /authenticated/{organization}/events", s.deviceAuth(s.eventsStream))
	mux.HandleFunc("POST /authenticated/{organization}/ping", s.deviceAuth(s.ping))
	mux.HandleFunc("POST /authenticated/{organization}/realms", s.deviceAuth(s.realmCreate))
	mux.HandleFunc("POST /authenticated/{organization}/vlobs/poll_changes", s.deviceAuth(s.vlobPollChanges))
	mux.HandleFunc("POST /authenticated/{organization}/blocks", s.deviceAuth(s.blockCreate))
	mux.HandleFunc("GET /authenticated/{organization}/blocks/{block}", s.deviceAuth(s.blockRead))

	return mux
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {

	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error(ctx, "shutdown error", "error", err)
		}
	}()

	s.log.Info(ctx, "Starting HTTP server", "address", s.address)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (s *Server) limiter(org protocol.OrganizationID) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[org]
	if !ok {
		l = rate.NewLimiter(anonymousRate, anonymousBurst)
		s.limiters[org] = l
	}
	return l
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		org := protocol.OrganizationID(r.PathValue("organization"))
		if !s.limiter(org).Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
