// Package dns runs the UDP and TCP listeners and the per-query resolve
// pipeline.
package dns

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"

	"sentinel/pkg/logging"
	"sentinel/pkg/telemetry"
)

// Server runs paired UDP and TCP listeners on one address.
type Server struct {
	addr    string
	handler *Handler
	logger  *logging.Logger
	metrics *telemetry.Metrics

	udpServer *dns.Server
	tcpServer *dns.Server
	running   bool
	mu        sync.RWMutex
}

// NewServer creates the server. Start binds the sockets.
func NewServer(addr string, handler *Handler, logger *logging.Logger, metrics *telemetry.Metrics) *Server {
	return &Server{
		addr:    addr,
		handler: handler,
		logger:  logger,
		metrics: metrics,
	}
}

// Start runs both listeners until the context is cancelled or a listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true

	wrapped := &wrappedHandler{
		handler: s.handler,
		logger:  s.logger,
		metrics: s.metrics,
	}
	s.udpServer = &dns.Server{
		Addr:    s.addr,
		Net:     "udp",
		Handler: dns.HandlerFunc(wrapped.serveDNS),
	}
	s.tcpServer = &dns.Server{
		Addr:    s.addr,
		Net:     "tcp",
		Handler: dns.HandlerFunc(wrapped.serveDNS),
	}
	s.mu.Unlock()

	errChan := make(chan error, 2)
	go func() {
		s.logger.Info("Starting UDP DNS listener", "address", s.addr)
		if err := s.udpServer.ListenAndServe(); err != nil {
			errChan <- fmt.Errorf("UDP listener failed: %w", err)
		}
	}()
	go func() {
		s.logger.Info("Starting TCP DNS listener", "address", s.addr)
		if err := s.tcpServer.ListenAndServe(); err != nil {
			errChan <- fmt.Errorf("TCP listener failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("DNS server shutting down")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.logger.Error("DNS server error", "error", err)
		return err
	}
}

// Shutdown stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	var errs []error
	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("UDP shutdown: %w", err))
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("TCP shutdown: %w", err))
		}
	}
	s.running = false

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// IsRunning reports whether Start has bound the listeners.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// wrappedHandler adds the observability envelope around the resolve
// pipeline: query counters, in-flight gauge, and duration histogram.
type wrappedHandler struct {
	handler *Handler
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

func (w *wrappedHandler) serveDNS(rw dns.ResponseWriter, r *dns.Msg) {
	start := time.Now()
	ctx := context.Background()

	if w.metrics != nil {
		w.metrics.DNSQueriesTotal.Add(ctx, 1)
		w.metrics.ActiveQueries.Add(ctx, 1)
		defer w.metrics.ActiveQueries.Add(ctx, -1)
	}

	w.handler.ServeDNS(ctx, rw, r)

	if w.metrics != nil {
		w.metrics.DNSQueryDuration.Record(ctx,
			float64(time.Since(start).Microseconds())/1000)
	}
}
