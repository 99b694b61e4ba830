package grpc

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceGateway reports whether the Discord gateway connection is up.
const ServiceGateway = "discord.gateway"

// HealthServer exposes the standard gRPC health service for liveness probes.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	addr   string
	logger *zap.Logger
}

// NewHealthServer creates a health server. Every service starts NOT_SERVING.
func NewHealthServer(addr string, logger *zap.Logger) *HealthServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceGateway, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{server: srv, health: hs, addr: addr, logger: logger}
}

// Start listens on the configured address and serves in the background.
func (h *HealthServer) Start() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}
	go func() {
		if err := h.Serve(lis); err != nil {
			h.logger.Error("health server stopped", zap.Error(err))
		}
	}()
	h.logger.Info("health server listening", zap.String("addr", lis.Addr().String()))
	return nil
}

// Serve blocks serving lis until Stop.
func (h *HealthServer) Serve(lis net.Listener) error {
	return h.server.Serve(lis)
}

// SetServing updates the status of a service. An empty name is the overall status.
func (h *HealthServer) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(service, status)
}

// Stop marks every service NOT_SERVING and stops the server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
