// Package ia implements the Identity Authority HTTP service. The authority
// verifies eligibility against the census roster, rate-limits credential
// issuance per user and scope, and evaluates blinded credential requests.
// It never sees unblinded tokens and keeps no state that could link a
// credential to a cast vote.
package ia

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/choice-protocol/choice/api"
	"github.com/choice-protocol/choice/census"
	"github.com/choice-protocol/choice/crypto/voprf"
	"github.com/choice-protocol/choice/log"
	"github.com/choice-protocol/choice/tokenstore"
)

// Config represents the configuration for the Identity Authority server.
type Config struct {
	Host     string
	Port     int
	Store    *tokenstore.Store
	Roster   *census.Roster
	Signer   *voprf.Signer
	TokenTTL time.Duration
}

// IA is the Identity Authority HTTP server.
type IA struct {
	router *chi.Mux
	store  *tokenstore.Store
	roster *census.Roster
	signer *voprf.Signer
	ttl    time.Duration
}

// New creates a new IA instance with the given configuration and starts the
// HTTP server.
func New(conf *Config) (*IA, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing IA configuration")
	}
	if conf.Store == nil || conf.Roster == nil || conf.Signer == nil {
		return nil, fmt.Errorf("missing store, roster or signer instance")
	}
	ttl := conf.TokenTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	a := &IA{
		store:  conf.Store,
		roster: conf.Roster,
		signer: conf.Signer,
		ttl:    ttl,
	}
	a.initRouter()
	go func() {
		log.Infow("starting IA server", "host", conf.Host, "port", conf.Port)
		if err := http.ListenAndServe(fmt.Sprintf("%s:%d", conf.Host, conf.Port), a.router); err != nil {
			log.Fatalf("failed to start the IA server: %v", err)
		}
	}()
	return a, nil
}

// Router returns the chi router for testing purposes
func (a *IA) Router() *chi.Mux {
	return a.router
}

// registerHandlers registers all the IA handlers.
func (a *IA) registerHandlers() {
	log.Infow("register handler", "endpoint", api.PingEndpoint, "method", "GET")
	a.router.Get(api.PingEndpoint, func(w http.ResponseWriter, r *http.Request) {
		api.WriteOK(w)
	})
	log.Infow("register handler", "endpoint", api.ChallengeEndpoint, "method", "POST")
	a.router.Post(api.ChallengeEndpoint, a.challenge)
	log.Infow("register handler", "endpoint", api.SignEndpoint, "method", "POST")
	a.router.Post(api.SignEndpoint, a.sign)
	log.Infow("register handler", "endpoint", api.KeyEndpoint, "method", "GET")
	a.router.Get(api.KeyEndpoint, a.key)
	log.Infow("register handler", "endpoint", api.PoliciesEndpoint, "method", "POST")
	a.router.Post(api.PoliciesEndpoint, a.setPolicy)
	log.Infow("register handler", "endpoint", api.PoliciesEndpoint, "method", "GET")
	a.router.Get(api.PoliciesEndpoint, a.listPolicies)
	log.Infow("register handler", "endpoint", api.CensusEndpoint, "method", "POST")
	a.router.Post(api.CensusEndpoint, a.addParticipants)
	log.Infow("register handler", "endpoint", api.CensusEndpoint, "method", "GET")
	a.router.Get(api.CensusEndpoint, a.censusInfo)
}

// initRouter creates the router with all the routes and middleware.
func (a *IA) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}).Handler)
	a.router.Use(middleware.Logger)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))
	a.router.Use(middleware.ThrottleBacklog(5000, 40000, 60*time.Second))
	a.router.Use(middleware.Timeout(45 * time.Second))

	a.registerHandlers()
}
