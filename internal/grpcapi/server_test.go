package grpcapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"neurobank.org/internal/auth"
	"neurobank.org/internal/rbac"
	"neurobank.org/internal/store/memory"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *grpc.Server) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		srv.Stop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return conn
}

type realAuth struct {
	resolver *auth.Resolver
	token    string
}

func newRealAuth(t *testing.T) realAuth {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, rbac.Bootstrap(ctx, store))
	u, err := store.InsertUser(ctx, rbac.User{Username: "ops", Email: "ops@example.com", PasswordHash: "x", IsActive: true}, nil)
	require.NoError(t, err)

	codec, err := auth.NewCodec([]byte("grpc-test-secret-0123456789abcdef"))
	require.NoError(t, err)
	issued, err := codec.IssueAccess(u.Username, nil, 0)
	require.NoError(t, err)

	resolver, err := auth.NewResolver(codec, store, auth.WithAPIKey("svc-key"))
	require.NoError(t, err)
	return realAuth{resolver: resolver, token: issued.Token}
}

func TestHealthCheckIsPublic(t *testing.T) {
	ra := newRealAuth(t)
	conn := startBufGRPC(t, NewServer(ra.resolver, nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	_, err = healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "other"})
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestHealthCheckReflectsReadiness(t *testing.T) {
	ra := newRealAuth(t)
	notReady := func(context.Context) error { return errors.New("db down") }
	conn := startBufGRPC(t, NewServer(ra.resolver, notReady, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestProtectedMethodsRequireCredentials(t *testing.T) {
	ra := newRealAuth(t)
	conn := startBufGRPC(t, NewServer(ra.resolver, nil, nil))
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.List(ctx, &healthpb.HealthListRequest{})
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	wrongKey := metadata.AppendToOutgoingContext(ctx, "x-api-key", "nope")
	_, err = client.List(wrongKey, &healthpb.HealthListRequest{})
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	withKey := metadata.AppendToOutgoingContext(ctx, "x-api-key", "svc-key")
	resp, err := client.List(withKey, &healthpb.HealthListRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatuses()[ServiceName].GetStatus())

	withToken := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+ra.token)
	_, err = client.List(withToken, &healthpb.HealthListRequest{})
	require.NoError(t, err)
}

func TestWatchStreamIsAuthenticated(t *testing.T) {
	ra := newRealAuth(t)
	conn := startBufGRPC(t, NewServer(ra.resolver, nil, nil))
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := client.Watch(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	_, err = stream.Recv()
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+ra.token)
	stream, err = client.Watch(authed, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	resp, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

type stubResolver struct {
	outcome auth.Outcome
	err     error
	seen    auth.Credentials
}

func (s *stubResolver) Resolve(_ context.Context, creds auth.Credentials) (auth.Outcome, error) {
	s.seen = creds
	return s.outcome, s.err
}

func TestUnaryInterceptorOutcomes(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/neurobank.v1.Users/List"}
	handler := func(ctx context.Context, _ any) (any, error) {
		o, ok := auth.OutcomeFromContext(ctx)
		if !ok {
			return nil, errors.New("outcome missing")
		}
		return o.State.String(), nil
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
		"authorization", "bearer abc.def.ghi",
		"x-api-key", "k",
	))

	cases := []struct {
		name string
		stub *stubResolver
		code codes.Code
		want any
	}{
		{"api key", &stubResolver{outcome: auth.Outcome{State: auth.StateAPIKey}}, codes.OK, "api_key"},
		{"expired", &stubResolver{outcome: auth.Outcome{State: auth.StateDenied, Reason: auth.ReasonExpired}}, codes.Unauthenticated, nil},
		{"wrong key", &stubResolver{outcome: auth.Outcome{State: auth.StateDenied, Reason: auth.ReasonWrongCredential}}, codes.PermissionDenied, nil},
		{"store failure", &stubResolver{err: errors.New("db")}, codes.Internal, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NewAuthenticator(tc.stub, nil).Unary()(ctx, nil, info, handler)
			require.Equal(t, tc.code, status.Code(err))
			require.Equal(t, tc.want, got)
			require.Equal(t, auth.Credentials{Bearer: "abc.def.ghi", APIKey: "k"}, tc.stub.seen)
		})
	}
}
