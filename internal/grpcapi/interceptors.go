package grpcapi

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"neurobank.org/internal/auth"
	"neurobank.org/internal/obs"
)

// Resolver turns request credentials into an authentication outcome.
type Resolver interface {
	Resolve(ctx context.Context, creds auth.Credentials) (auth.Outcome, error)
}

var publicMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
}

// Authenticator resolves call metadata through the same resolver as HTTP.
type Authenticator struct {
	resolver Resolver
	log      *slog.Logger
}

func NewAuthenticator(resolver Resolver, log *slog.Logger) *Authenticator {
	if log == nil {
		log = obs.Discard()
	}
	return &Authenticator{resolver: resolver, log: log}
}

func (a *Authenticator) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := a.authorize(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (a *Authenticator) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := a.authorize(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

func (a *Authenticator) authorize(ctx context.Context, method string) (context.Context, error) {
	if publicMethods[method] {
		return ctx, nil
	}
	outcome, err := a.resolver.Resolve(ctx, credentialsFrom(ctx))
	if err != nil {
		a.log.Error("authentication error", slog.String("method", method), obs.Err(err))
		return nil, status.Error(codes.Internal, "authentication error")
	}
	obs.RecordAuthOutcome("grpc", outcome.State.String(), string(outcome.Reason))
	if !outcome.Allowed() {
		a.log.Info("call denied", slog.String("method", method), slog.String("reason", string(outcome.Reason)))
		return nil, status.Error(codeFor(outcome.Reason), string(outcome.Reason))
	}
	return auth.ContextWithOutcome(ctx, outcome), nil
}

func codeFor(reason auth.Reason) codes.Code {
	switch reason {
	case auth.ReasonUnauthorized, auth.ReasonWrongCredential:
		return codes.PermissionDenied
	default:
		return codes.Unauthenticated
	}
}

func credentialsFrom(ctx context.Context) auth.Credentials {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return auth.Credentials{}
	}
	var creds auth.Credentials
	if v := md.Get("authorization"); len(v) > 0 {
		h := strings.TrimSpace(v[0])
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			creds.Bearer = strings.TrimSpace(h[7:])
		}
	}
	if v := md.Get("x-api-key"); len(v) > 0 {
		creds.APIKey = strings.TrimSpace(v[0])
	}
	return creds
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }
