package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/authbridge/internal/cache"
	"github.com/and161185/authbridge/internal/config"
	abcrypto "github.com/and161185/authbridge/internal/crypto"
	"github.com/and161185/authbridge/internal/keyvault"
	"github.com/and161185/authbridge/internal/limiter"
	"github.com/and161185/authbridge/internal/model"
	"github.com/and161185/authbridge/internal/repository/memory"
	"github.com/and161185/authbridge/internal/service"
	"github.com/and161185/authbridge/internal/token"
	"github.com/and161185/authbridge/internal/trust"
)

const (
	bufSize  = 1 << 20
	adminKey = "admin-key-000000000001"
)

func deref[T any](get func(context.Context, string) (*T, error)) cache.Loader[T] {
	return func(ctx context.Context, id string) (T, error) {
		v, err := get(ctx, id)
		if err != nil {
			var zero T
			return zero, err
		}
		return *v, nil
	}
}

// newStack wires the full in-memory server the way cmd/authbridge does.
func newStack(t *testing.T, limits limiter.Limits) *grpc.ClientConn {
	t.Helper()
	log := zaptest.NewLogger(t)
	clk := clock.WallClock
	store := memory.New(clk)
	shared := cache.NewMemoryTier(clk)
	opts := cache.Options{LocalTTL: time.Minute, SharedTTL: time.Minute, Clock: clk, Logger: log}

	services, err := cache.New(model.KindService, deref(store.GetService), func(s model.Service) int64 { return s.Version }, shared, opts)
	require.NoError(t, err)
	workspaces, err := cache.New(model.KindWorkspace, deref(store.GetWorkspace), func(w model.Workspace) int64 { return w.Version }, shared, opts)
	require.NoError(t, err)

	sealer, err := abcrypto.NewSealer([]byte("0123456789abcdef0123456789abcdef"), []byte("salt"))
	require.NoError(t, err)
	vault := keyvault.New(store, sealer, keyvault.Options{RetirementWindow: time.Hour, MaxRetired: 2, Clock: clk, Logger: log})
	graph := trust.New(store, services, workspaces, log)
	tokens := token.New(services, workspaces, graph, vault,
		token.Options{TTL: 10 * time.Minute, MaxTTL: time.Hour, Leeway: 30 * time.Second, Clock: clk, Logger: log})

	cfg := config.Default()
	cfg.MasterSecret = "0123456789abcdef0123456789abcdef"
	cfg.AdminAPIKeys = []string{adminKey}
	cfg.ServiceTypes = config.DefaultServiceTypes
	holder := config.NewHolder("", cfg)

	lim, err := limiter.NewMemory(limits, 128, clk)
	require.NoError(t, err)

	reg := service.NewRegistry(store, vault, services, workspaces, graph, config.NewTypeSet(cfg.ServiceTypes), log)
	sys := service.NewSystem(holder, store, shared, map[string]service.Sizer{"service": services, "workspace": workspaces}, clk, log)
	srv := New(reg, tokens, vault, sys, log)

	access := service.NewAccess(holder, store, lim, log)
	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoverUnary(log),
		LoggingUnary(log),
		IdentityUnary(access, srv.Buckets()),
	))
	srv.Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(func() { gs.Stop(); _ = lis.Close() })

	return dialBuf(t, lis)
}

func dialBuf(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()
	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

// invoke calls method with body under apiKey ("" sends no key).
func invoke(t *testing.T, cc *grpc.ClientConn, apiKey, method string, body map[string]any) (map[string]any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, APIKeyHeader, apiKey)
	}
	in, err := structpb.NewStruct(body)
	require.NoError(t, err)
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func mustInvoke(t *testing.T, cc *grpc.ClientConn, apiKey, method string, body map[string]any) map[string]any {
	t.Helper()
	out, err := invoke(t, cc, apiKey, method, body)
	require.NoError(t, err, method)
	return out
}
