// Package po implements the Poll Orchestrator HTTP service. The
// orchestrator accepts votes backed by issuer credentials, prevents double
// voting through the spent-token set, records commitments in the
// append-only ledger and serves tallies and inclusion proofs over sealed
// roots. It holds no user identities: credentials are verified with the
// issuer's public key alone.
package po

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/choice-protocol/choice/api"
	"github.com/choice-protocol/choice/crypto/voprf"
	"github.com/choice-protocol/choice/ledger"
	"github.com/choice-protocol/choice/log"
	"github.com/choice-protocol/choice/tally"
	"github.com/choice-protocol/choice/tokenstore"
)

// Config represents the configuration for the Poll Orchestrator server.
type Config struct {
	Host string
	Port int
	// IssuerKey is the credential issuer's public key, configured out of
	// band. The orchestrator never talks to the issuer at runtime.
	IssuerKey *voprf.PublicKey
	Store     *tokenstore.Store
	Ledger    *ledger.Ledger
	Tally     *tally.Engine
}

// PO is the Poll Orchestrator HTTP server.
type PO struct {
	router    *chi.Mux
	issuerKey *voprf.PublicKey
	store     *tokenstore.Store
	ledger    *ledger.Ledger
	tally     *tally.Engine
}

// New creates a new PO instance with the given configuration and starts
// the HTTP server.
func New(conf *Config) (*PO, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing PO configuration")
	}
	if conf.IssuerKey == nil {
		return nil, fmt.Errorf("missing issuer public key")
	}
	if conf.Store == nil || conf.Ledger == nil || conf.Tally == nil {
		return nil, fmt.Errorf("missing store, ledger or tally instance")
	}
	p := &PO{
		issuerKey: conf.IssuerKey,
		store:     conf.Store,
		ledger:    conf.Ledger,
		tally:     conf.Tally,
	}
	p.initRouter()
	go func() {
		log.Infow("starting PO server", "host", conf.Host, "port", conf.Port)
		if err := http.ListenAndServe(fmt.Sprintf("%s:%d", conf.Host, conf.Port), p.router); err != nil {
			log.Fatalf("failed to start the PO server: %v", err)
		}
	}()
	return p, nil
}

// Router returns the chi router for testing purposes
func (p *PO) Router() *chi.Mux {
	return p.router
}

// registerHandlers registers all the PO handlers.
func (p *PO) registerHandlers() {
	log.Infow("register handler", "endpoint", api.PingEndpoint, "method", "GET")
	p.router.Get(api.PingEndpoint, func(w http.ResponseWriter, r *http.Request) {
		api.WriteOK(w)
	})
	log.Infow("register handler", "endpoint", api.VotesEndpoint, "method", "POST")
	p.router.Post(api.VotesEndpoint, p.vote)
	log.Infow("register handler", "endpoint", api.PollsEndpoint, "method", "POST")
	p.router.Post(api.PollsEndpoint, p.newPoll)
	log.Infow("register handler", "endpoint", api.PollsEndpoint, "method", "GET")
	p.router.Get(api.PollsEndpoint, p.listPolls)
	log.Infow("register handler", "endpoint", api.PollEndpoint, "method", "GET")
	p.router.Get(api.PollEndpoint, p.poll)
	log.Infow("register handler", "endpoint", api.SealEndpoint, "method", "POST")
	p.router.Post(api.SealEndpoint, p.seal)
	log.Infow("register handler", "endpoint", api.TallyEndpoint, "method", "GET")
	p.router.Get(api.TallyEndpoint, p.pollTally)
	log.Infow("register handler", "endpoint", api.ProofEndpoint, "method", "GET")
	p.router.Get(api.ProofEndpoint, p.proof)
	// Flat forms of the same handlers, poll ID in the query or body.
	log.Infow("register handler", "endpoint", api.VoteEndpoint, "method", "POST")
	p.router.Post(api.VoteEndpoint, p.vote)
	log.Infow("register handler", "endpoint", api.TallyFlatEndpoint, "method", "GET")
	p.router.Get(api.TallyFlatEndpoint, p.pollTally)
	log.Infow("register handler", "endpoint", api.ProofFlatEndpoint, "method", "GET")
	p.router.Get(api.ProofFlatEndpoint, p.proof)
	log.Infow("register handler", "endpoint", api.SealFlatEndpoint, "method", "POST")
	p.router.Post(api.SealFlatEndpoint, p.seal)
}

// initRouter creates the router with all the routes and middleware.
func (p *PO) initRouter() {
	p.router = chi.NewRouter()
	p.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}).Handler)
	p.router.Use(middleware.Logger)
	p.router.Use(middleware.Recoverer)
	p.router.Use(middleware.Throttle(100))
	p.router.Use(middleware.ThrottleBacklog(5000, 40000, 60*time.Second))
	p.router.Use(middleware.Timeout(45 * time.Second))

	p.registerHandlers()
}
