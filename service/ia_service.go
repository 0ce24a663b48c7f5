// Package service wires the long-running pieces of the system: the two
// HTTP servers and the background sealer. Each service has an idempotent
// Start/Stop pair so the commands can manage them uniformly.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/choice-protocol/choice/ia"
)

// IAService represents a service that manages the Identity Authority
// HTTP server.
type IAService struct {
	conf   *ia.Config
	server *ia.IA
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewIA creates a new IAService instance.
func NewIA(conf *ia.Config) *IAService {
	return &IAService{conf: conf}
}

// Start begins the IA server. It returns an error if the service is
// already running or if it fails to start.
func (s *IAService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("service already running")
	}
	_, s.cancel = context.WithCancel(ctx)

	var err error
	s.server, err = ia.New(s.conf)
	if err != nil {
		s.cancel = nil
		return fmt.Errorf("failed to start IA server: %w", err)
	}
	return nil
}

// Stop halts the IA server and wipes the signing key.
func (s *IAService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.conf.Signer.Zeroize()
	s.conf.Store.Close()
}
