// Package service contains the application services behind the transport:
// caller resolution, the entity registry and system information.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/limiter"
	"github.com/and161185/authbridge/internal/model"
	"github.com/and161185/authbridge/internal/repository"
)

// AdminKeys reports whether a presented key is an admin key; *config.Holder satisfies it.
type AdminKeys interface {
	IsAdminKey(key string) bool
}

// Access resolves a presented API key into a caller identity.
type Access struct {
	admins   AdminKeys
	services repository.ServiceRepository
	lim      limiter.Limiter
	log      *zap.Logger
}

// NewAccess constructs Access. lim may be nil to disable rate limiting.
func NewAccess(admins AdminKeys, services repository.ServiceRepository, lim limiter.Limiter, log *zap.Logger) *Access {
	if log == nil {
		log = zap.NewNop()
	}
	return &Access{admins: admins, services: services, lim: lim, log: log}
}

// Resolve applies the bucket's rate limit to apiKey and maps it to an admin or
// service identity. Unknown keys yield ErrUnauthorized.
func (a *Access) Resolve(ctx context.Context, apiKey, bucket string) (model.Identity, error) {
	if apiKey == "" {
		return model.Identity{}, fmt.Errorf("missing api key: %w", errs.ErrUnauthorized)
	}

	if a.lim != nil {
		allowed, retry, err := a.lim.Allow(ctx, bucket, apiKey)
		if err != nil {
			// limiter outage must not lock everyone out
			a.log.Warn("rate limiter unavailable", zap.String("bucket", bucket), zap.Error(err))
		} else if !allowed {
			return model.Identity{}, fmt.Errorf("retry in %s: %w", retry.Round(time.Second), errs.ErrRateLimited)
		}
	}

	if a.admins.IsAdminKey(apiKey) {
		return model.Identity{Admin: true}, nil
	}
	svc, err := a.services.GetServiceByAPIKey(ctx, apiKey)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return model.Identity{}, fmt.Errorf("unknown api key: %w", errs.ErrUnauthorized)
	case err != nil:
		return model.Identity{}, errs.Unavailable(err)
	}
	return model.Identity{ServiceID: svc.ID}, nil
}

func requireAdmin(caller model.Identity) error {
	if !caller.Admin {
		return fmt.Errorf("admin required: %w", errs.ErrForbidden)
	}
	return nil
}

func requireAdminOr(caller model.Identity, serviceID string) error {
	if caller.Admin || caller.IsService(serviceID) {
		return nil
	}
	return fmt.Errorf("caller may not access service %s: %w", serviceID, errs.ErrForbidden)
}
