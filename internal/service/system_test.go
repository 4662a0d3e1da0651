package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/authbridge/internal/config"
	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
)

const secret = "0123456789abcdef0123456789abcdef"

func newSystem(t *testing.T, e env) (*System, string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte("environment: qa\nbuild_version: 1.2.3\nmaster_secret: "+secret+"\n"), 0o600))
	cfg, err := config.Load(p)
	require.NoError(t, err)
	sys := NewSystem(config.NewHolder(p, cfg), e.store, e.shared,
		map[string]Sizer{"service": e.services, "workspace": e.workspaces}, e.clock, nil)
	return sys, p
}

func TestSystem_VersionAndDiagnostics(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t)
	ctx := context.Background()
	sys, _ := newSystem(t, e)

	_, err := e.reg.UpdateServiceInfo(ctx, admin, "svc-b", 0, model.Document{"a": 1})
	require.NoError(t, err)
	_, err = e.reg.GetService(ctx, admin, "svc-a", 0)
	require.NoError(t, err)

	v, err := sys.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, map[model.Kind]int64{model.KindService: 2, model.KindWorkspace: 1}, v)

	d, err := sys.Diagnostics(ctx, admin)
	require.NoError(t, err)
	require.True(t, d.StoreOK)
	require.True(t, d.SharedOK)
	require.Empty(t, d.Problems)
	require.Equal(t, int64(2), d.Services)
	require.Equal(t, int64(1), d.Workspaces)
	require.Equal(t, int64(2), d.Keys)
	require.Equal(t, 1, d.CacheEntries["service"])

	_, err = sys.Diagnostics(ctx, model.Identity{ServiceID: "svc-a"})
	require.ErrorIs(t, err, errs.ErrForbidden)
}

func TestSystem_Heartbeat(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	sys, _ := newSystem(t, e)

	e.clock.Advance(90 * time.Second)
	hb := sys.Heartbeat()
	require.Equal(t, "ok", hb.Status)
	require.Equal(t, "qa", hb.Environment)
	require.Equal(t, "1.2.3", hb.BuildVersion)
	require.Equal(t, 90*time.Second, hb.Uptime)
}

func TestSystem_ReloadConfig(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	sys, p := newSystem(t, e)

	require.NoError(t, os.WriteFile(p, []byte("environment: prod\nmaster_secret: "+secret+"\n"), 0o600))
	require.ErrorIs(t, sys.ReloadConfig(model.Identity{ServiceID: "x"}), errs.ErrForbidden)
	require.NoError(t, sys.ReloadConfig(admin))
	require.Equal(t, "prod", sys.Heartbeat().Environment)

	require.NoError(t, os.WriteFile(p, []byte("environment: mars\n"), 0o600))
	require.ErrorIs(t, sys.ReloadConfig(admin), errs.ErrInvalid)
	require.Equal(t, "prod", sys.Heartbeat().Environment)
}
