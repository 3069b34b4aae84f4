package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/raft-sessions/internal/node"
	"github.com/ChuLiYu/raft-sessions/internal/protocol"
	"github.com/ChuLiYu/raft-sessions/internal/raft"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

var log = slog.With("component", "server")

// Config holds listen addresses. An empty address disables that listener.
type Config struct {
	GRPCAddr          string
	HTTPAddr          string
	Gatherer          prometheus.Gatherer // nil serves the default registry
	ShutdownTimeout   time.Duration
	SessionMinTimeout time.Duration // applied when a client omits timeouts
	SessionMaxTimeout time.Duration
}

// Server exposes a node over gRPC (recovery protocol and raft RPCs)
// and over the HTTP session gateway.
type Server struct {
	config   Config
	node     *node.Node
	protocol *protocol.Server
	raftNode *raft.Raft
	gateway  *Gateway

	mu         sync.Mutex
	grpcServer *grpc.Server
	grpcLis    net.Listener
	httpServer *http.Server
	httpLis    net.Listener
	wg         sync.WaitGroup
}

// NewServer creates a server. rf may be nil when the node runs without peers.
func NewServer(n *node.Node, ps *protocol.Server, rf *raft.Raft, config Config) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	gw := NewGateway(n, ps, config.Gatherer).
		WithSessionDefaults(config.SessionMinTimeout, config.SessionMaxTimeout)
	return &Server{
		config:   config,
		node:     n,
		protocol: ps,
		raftNode: rf,
		gateway:  gw,
	}
}

// Gateway returns the HTTP handler, useful for embedding in tests.
func (s *Server) Gateway() *Gateway { return s.gateway }

// Start binds the configured listeners and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.config.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", s.config.GRPCAddr, err)
		}
		s.grpcLis = lis
		s.grpcServer = grpc.NewServer()
		protocol.RegisterGRPC(s.grpcServer, s.protocol)
		if s.raftNode != nil {
			raft.RegisterGRPC(s.grpcServer, s.raftNode)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error("gRPC server failed", "error", err)
			}
		}()
		log.Info("gRPC server listening", "addr", lis.Addr().String(), "raft", s.raftNode != nil)
	}

	if s.config.HTTPAddr != "" {
		lis, err := net.Listen("tcp", s.config.HTTPAddr)
		if err != nil {
			s.stopGRPCLocked()
			return fmt.Errorf("listen http %s: %w", s.config.HTTPAddr, err)
		}
		s.httpLis = lis
		s.httpServer = &http.Server{
			Handler:           s.gateway,
			ReadHeaderTimeout: 5 * time.Second,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("HTTP gateway failed", "error", err)
			}
		}()
		log.Info("HTTP gateway listening", "addr", lis.Addr().String())
	}
	return nil
}

// GRPCAddr returns the bound gRPC address, or "" when disabled.
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// HTTPAddr returns the bound HTTP address, or "" when disabled.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLis == nil {
		return ""
	}
	return s.httpLis.Addr().String()
}

// Stop closes event streams, drains HTTP requests and stops gRPC.
func (s *Server) Stop() {
	s.mu.Lock()
	s.gateway.Close()
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Warn("HTTP gateway shutdown", "error", err)
		}
		cancel()
		s.httpServer = nil
	}
	s.stopGRPCLocked()
	s.mu.Unlock()

	s.wg.Wait()
	log.Info("Server stopped")
}

func (s *Server) stopGRPCLocked() {
	if s.grpcServer == nil {
		return
	}
	s.grpcServer.GracefulStop()
	s.grpcServer = nil
}
