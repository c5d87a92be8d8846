package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server hosts the health and metrics endpoints.
type Server struct {
	config     Config
	httpServer *http.Server
	mux        *http.ServeMux
	mu         sync.RWMutex
	started    bool
}

// NewServer creates a health server with its routes registered but not
// yet listening.
func NewServer(config Config) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", Handler(config))
	mux.HandleFunc("/health", Handler(config))
	mux.HandleFunc("/health/readiness", Handler(config))
	mux.HandleFunc("/health/liveness", SimpleHandler())
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		config: config,
		mux:    mux,
	}
}

func (s *Server) newHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Start listens on addr and blocks until the server is shut down.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("health server already started")
	}
	s.httpServer = s.newHTTPServer(addr)
	s.started = true
	s.mu.Unlock()

	slog.Info("Starting health check server", "address", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("health server failed: %w", err)
	}
	return nil
}

// StartAsync listens on addr in the background.
func (s *Server) StartAsync(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("health server already started")
	}
	s.httpServer = s.newHTTPServer(addr)
	s.started = true

	go func() {
		slog.Info("Starting health check server", "address", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Health server failed", "error", err)
			s.mu.Lock()
			s.started = false
			s.mu.Unlock()
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.httpServer == nil {
		return nil
	}
	slog.Info("Stopping health check server")
	err := s.httpServer.Shutdown(ctx)
	s.started = false
	return err
}

// IsStarted reports whether the server is currently running.
func (s *Server) IsStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// GetHealthPort derives the health address from the main server
// address by adding 1000 to the port, keeping the two listeners from
// colliding.
func GetHealthPort(mainAddr string) (string, error) {
	host, port, err := net.SplitHostPort(mainAddr)
	if err != nil {
		return "", fmt.Errorf("invalid address format: %w", err)
	}
	var mainPort int
	if _, err := fmt.Sscanf(port, "%d", &mainPort); err != nil {
		return "", fmt.Errorf("invalid port number: %w", err)
	}
	return fmt.Sprintf("%s:%d", host, mainPort+1000), nil
}

// GetAvailablePort asks the kernel for a free TCP port.
func GetAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// GenerateHealthAddr returns the predictable +1000 health address when
// the main address parses, falling back to any available port.
func GenerateHealthAddr(mainAddr string) string {
	if healthAddr, err := GetHealthPort(mainAddr); err == nil {
		return healthAddr
	}

	host, _, err := net.SplitHostPort(mainAddr)
	if err != nil {
		host = "localhost"
	}
	if port, err := GetAvailablePort(); err == nil {
		return fmt.Sprintf("%s:%d", host, port)
	}
	return "localhost:9001"
}
