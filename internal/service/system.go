package service

import (
	"context"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/and161185/authbridge/internal/cache"
	"github.com/and161185/authbridge/internal/config"
	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
	"github.com/and161185/authbridge/internal/repository"
)

// Sizer reports the number of locally cached entries.
type Sizer interface{ Len() int }

// Heartbeat is the liveness answer.
type Heartbeat struct {
	Status       string
	Environment  string
	BuildVersion string
	Time         time.Time
	Uptime       time.Duration
}

// Diagnostics describes the state of the process and its backends.
type Diagnostics struct {
	Services     int64
	Workspaces   int64
	Keys         int64
	CacheEntries map[string]int
	StoreOK      bool
	SharedOK     bool
	Problems     []string
}

// System answers operational questions and reloads configuration.
type System struct {
	cfg     *config.Holder
	store   repository.Store
	shared  cache.Shared
	caches  map[string]Sizer
	clock   clock.Clock
	started time.Time
	log     *zap.Logger
}

// NewSystem wires a System. shared may be nil when no shared tier is configured.
func NewSystem(cfg *config.Holder, store repository.Store, shared cache.Shared, caches map[string]Sizer, clk clock.Clock, log *zap.Logger) *System {
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &System{cfg: cfg, store: store, shared: shared, caches: caches, clock: clk, started: clk.Now(), log: log}
}

// Version returns the highest entity version of each kind.
func (s *System) Version(ctx context.Context) (map[model.Kind]int64, error) {
	out := map[model.Kind]int64{}
	for _, k := range []model.Kind{model.KindService, model.KindWorkspace} {
		v, err := s.store.MaxVersion(ctx, k)
		if err != nil {
			return nil, errs.Unavailable(err)
		}
		out[k] = v
	}
	return out, nil
}

// Heartbeat never touches the backends.
func (s *System) Heartbeat() Heartbeat {
	cfg := s.cfg.Get()
	now := s.clock.Now()
	return Heartbeat{
		Status:       "ok",
		Environment:  string(cfg.Environment),
		BuildVersion: cfg.BuildVersion,
		Time:         now.UTC(),
		Uptime:       now.Sub(s.started),
	}
}

// Diagnostics collects counts and backend reachability. Backend failures are
// reported in the result rather than as an error.
func (s *System) Diagnostics(ctx context.Context, caller model.Identity) (*Diagnostics, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	d := &Diagnostics{CacheEntries: map[string]int{}}
	for name, c := range s.caches {
		d.CacheEntries[name] = c.Len()
	}

	if err := s.store.Ping(ctx); err != nil {
		d.Problems = append(d.Problems, "store: "+err.Error())
	} else {
		d.StoreOK = true
		var err error
		if d.Services, err = s.store.Count(ctx, model.KindService); err != nil {
			d.Problems = append(d.Problems, "count services: "+err.Error())
		}
		if d.Workspaces, err = s.store.Count(ctx, model.KindWorkspace); err != nil {
			d.Problems = append(d.Problems, "count workspaces: "+err.Error())
		}
		if d.Keys, err = s.store.CountKeys(ctx); err != nil {
			d.Problems = append(d.Problems, "count keys: "+err.Error())
		}
	}

	if s.shared != nil {
		if err := s.shared.Ping(ctx); err != nil {
			d.Problems = append(d.Problems, "shared cache: "+err.Error())
		} else {
			d.SharedOK = true
		}
	}
	return d, nil
}

// ReloadConfig re-reads configuration; on error the active one stays in place.
func (s *System) ReloadConfig(caller model.Identity) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	cfg, err := s.cfg.Reload()
	if err != nil {
		s.log.Error("config reload rejected", zap.Error(err))
		return errs.Invalidf("config reload: %v", err)
	}
	s.log.Info("config reloaded", zap.Int("admin_keys", len(cfg.AdminAPIKeys)), zap.String("environment", string(cfg.Environment)))
	return nil
}
