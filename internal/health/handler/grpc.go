// Package handler reports service readiness over gRPC (grpc.health.v1) and
// HTTP. A service is ready when the database answers a ping and the access
// policy evaluates.
package handler

import (
	"context"
	"net/http"

	"google.golang.org/grpc/health/grpc_health_v1"

	"authsession/internal/log"
)

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// PolicyChecker checks that the access policy engine can evaluate.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server implements grpc_health_v1.HealthServer and http.Handler. Nil
// dependencies are skipped.
type Server struct {
	grpc_health_v1.UnimplementedHealthServer

	pinger Pinger
	policy PolicyChecker
}

// NewServer returns a health server over the given checks.
func NewServer(pinger Pinger, policy PolicyChecker) *Server {
	return &Server{pinger: pinger, policy: policy}
}

// Ready runs every configured check and returns the first failure.
func (s *Server) Ready(ctx context.Context) error {
	if s.pinger != nil {
		if err := s.pinger.Ping(ctx); err != nil {
			return err
		}
	}
	if s.policy != nil {
		if err := s.policy.HealthCheck(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Check reports SERVING or NOT_SERVING. A failing dependency is never a gRPC
// error; load balancers read the status.
func (s *Server) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	st := grpc_health_v1.HealthCheckResponse_SERVING
	if err := s.Ready(ctx); err != nil {
		log.Warn(ctx).Err(err).Str("service", req.GetService()).Msg("health check failed")
		st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return &grpc_health_v1.HealthCheckResponse{Status: st}, nil
}

// ServeHTTP answers 200 {"status":"ok"} or 503 {"status":"unavailable"}.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.Ready(r.Context()); err != nil {
		log.Warn(r.Context()).Err(err).Msg("health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
