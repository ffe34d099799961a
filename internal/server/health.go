package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ProbeFunc reports whether a dependency is currently usable.
type ProbeFunc func(ctx context.Context) error

// HealthService exposes the standard gRPC health protocol. The empty service name
// reflects the daemon as a whole; named services track individual probes.
type HealthService struct {
	addr   string
	logger *zap.Logger
	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	ctx      context.Context
	wg       sync.WaitGroup
}

// NewHealthService creates a health endpoint that will listen on addr.
//
// Precondition: logger must be non-nil.
// Postcondition: The overall status is SERVING until Stop is called.
func NewHealthService(addr string, logger *zap.Logger) *HealthService {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthService{
		addr:   addr,
		logger: logger,
		grpc:   srv,
		health: hs,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetServing records the status of one named service.
func (h *HealthService) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(service, status)
}

// Watch runs probe every interval until Stop and mirrors its result into the named
// service's status. The first probe runs immediately.
//
// Precondition: interval must be positive.
func (h *HealthService) Watch(service string, interval, timeout time.Duration, probe ProbeFunc) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			ctx, cancel := context.WithTimeout(h.ctx, timeout)
			err := probe(ctx)
			cancel()
			if err != nil && h.ctx.Err() == nil {
				h.logger.Warn("health probe failed", zap.String("service", service), zap.Error(err))
			}
			h.SetServing(service, err == nil)
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Start listens on the configured address and serves until Stop.
func (h *HealthService) Start() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}
	h.mu.Lock()
	h.listener = lis
	h.mu.Unlock()
	h.logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	return h.grpc.Serve(lis)
}

// Addr returns the bound address, or empty string before Start has listened.
func (h *HealthService) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stop marks every service NOT_SERVING, stops probes, and drains in-flight RPCs.
func (h *HealthService) Stop() {
	h.health.Shutdown()
	h.cancel()
	h.wg.Wait()
	h.grpc.GracefulStop()
}
