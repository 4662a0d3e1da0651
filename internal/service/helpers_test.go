package service

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/authbridge/internal/cache"
	"github.com/and161185/authbridge/internal/config"
	abcrypto "github.com/and161185/authbridge/internal/crypto"
	"github.com/and161185/authbridge/internal/keyvault"
	"github.com/and161185/authbridge/internal/model"
	"github.com/and161185/authbridge/internal/repository/memory"
	"github.com/and161185/authbridge/internal/trust"
)

var (
	epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	admin = model.Identity{Admin: true}
)

type env struct {
	reg        *Registry
	store      *memory.Store
	vault      *keyvault.Vault
	shared     *cache.MemoryTier
	services   *cache.Cache[model.Service]
	workspaces *cache.Cache[model.Workspace]
	clock      *testclock.Clock
}

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

func newEnv(t *testing.T) env {
	t.Helper()
	clk := testclock.NewClock(epoch)
	log := zaptest.NewLogger(t)
	store := memory.New(clk)
	shared := cache.NewMemoryTier(clk)
	metrics := cache.NewMetricsCollector()
	opts := cache.Options{LocalTTL: time.Minute, SharedTTL: time.Minute, Clock: clk, Logger: log, Metrics: metrics}

	services, err := cache.New(model.KindService, deref(store.GetService), func(s model.Service) int64 { return s.Version }, shared, opts)
	require.NoError(t, err)
	workspaces, err := cache.New(model.KindWorkspace, deref(store.GetWorkspace), func(w model.Workspace) int64 { return w.Version }, shared, opts)
	require.NoError(t, err)

	sealer, err := abcrypto.NewSealer([]byte("0123456789abcdef0123456789abcdef"), []byte("salt"))
	require.NoError(t, err)
	vault := keyvault.New(store, sealer, keyvault.Options{RetirementWindow: time.Hour, MaxRetired: 2, Clock: clk, Logger: log})
	graph := trust.New(store, services, workspaces, log)

	reg := NewRegistry(store, vault, services, workspaces, graph, config.NewTypeSet(config.DefaultServiceTypes), log)
	return env{reg: reg, store: store, vault: vault, shared: shared, services: services, workspaces: workspaces, clock: clk}
}

func (e env) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"svc-a", "svc-b"} {
		_, err := e.reg.CreateService(ctx, admin, NewService{ID: id, Name: id, Type: "AI"})
		require.NoError(t, err)
	}
	_, err := e.reg.CreateWorkspace(ctx, admin, NewWorkspace{ID: "ws1", Name: "Workspace 1"})
	require.NoError(t, err)
}

func lk(ws, iss, aud string) model.Link {
	return model.Link{LinkKey: model.LinkKey{WorkspaceID: ws, IssuerID: iss, AudienceID: aud}}
}
