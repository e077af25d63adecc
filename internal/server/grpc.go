package server

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"authsession/internal/log"
)

// NewGRPCServer returns a gRPC server exposing grpc.health.v1, traced with
// otelgrpc and with a request logger on every call context.
func NewGRPCServer(health grpc_health_v1.HealthServer) *grpc.Server {
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(loggerUnary()),
	)
	grpc_health_v1.RegisterHealthServer(s, health)
	return s
}

func loggerUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		l := log.Logger().With().Str("grpc_method", info.FullMethod).Logger()
		return handler(l.WithContext(ctx), req)
	}
}
