package grpcapi

import (
	"log/slog"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewServer builds a gRPC server with the auth interceptors installed and
// the health service registered.
func NewServer(resolver Resolver, ready ReadyProbe, log *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	authn := NewAuthenticator(resolver, log)
	opts = append(opts,
		grpc.ChainUnaryInterceptor(authn.Unary()),
		grpc.ChainStreamInterceptor(authn.Stream()),
	)
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, NewHealthServer(ready))
	return srv
}
