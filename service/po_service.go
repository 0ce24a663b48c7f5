package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/choice-protocol/choice/po"
)

// POService represents a service that manages the Poll Orchestrator
// HTTP server.
type POService struct {
	conf   *po.Config
	server *po.PO
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewPO creates a new POService instance.
func NewPO(conf *po.Config) *POService {
	return &POService{conf: conf}
}

// Start begins the PO server. It returns an error if the service is
// already running or if it fails to start.
func (s *POService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("service already running")
	}
	_, s.cancel = context.WithCancel(ctx)

	var err error
	s.server, err = po.New(s.conf)
	if err != nil {
		s.cancel = nil
		return fmt.Errorf("failed to start PO server: %w", err)
	}
	return nil
}

// Stop halts the PO server.
func (s *POService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.conf.Store.Close()
}
