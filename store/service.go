package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/artpar/meterd/cache"
	"github.com/artpar/meterd/domain/service"
	"github.com/artpar/meterd/ports"
)

const serviceOwner = "service"

// Services persists services as record-style hashes.
type Services struct {
	kv    ports.KV
	cache *cache.Cache
}

// NewServices creates the service store.
func NewServices(kv ports.KV, c *cache.Cache) *Services {
	return &Services{kv: kv, cache: c}
}

// Load fetches a service, memoized. Returns (nil, nil) when absent; the
// state field is the existence oracle.
func (s *Services) Load(ctx context.Context, id string) (*service.Service, error) {
	return cache.Memoize(s.cache, cache.Key(serviceOwner, "load", id), func() (*service.Service, error) {
		vals, err := s.kv.HMGet(ctx, serviceHashKey(id),
			"state", "user_registration_required", "default_user_plan_id", "default_user_plan_name")
		if err != nil {
			return nil, fmt.Errorf("load service %s: %w", id, err)
		}
		if vals[0] == nil {
			return nil, nil
		}
		svc := &service.Service{ID: id, State: *vals[0]}
		if vals[1] != nil {
			n, _ := strconv.Atoi(*vals[1])
			svc.UserRegistrationRequired = n > 0
		}
		if vals[2] != nil {
			svc.DefaultUserPlanID = *vals[2]
		}
		if vals[3] != nil {
			svc.DefaultUserPlanName = *vals[3]
		}
		return svc, nil
	})
}

// LoadOrFail is Load that fails with ServiceNotFoundError when absent.
func (s *Services) LoadOrFail(ctx context.Context, id string) (*service.Service, error) {
	svc, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, ServiceNotFoundError{ID: id}
	}
	return svc, nil
}

// Save writes the service record and clears its cache entry.
func (s *Services) Save(ctx context.Context, svc service.Service) error {
	key := serviceHashKey(svc.ID)
	state := svc.State
	if state == "" {
		state = "active"
	}
	if err := s.kv.HSet(ctx, key, "state", state); err != nil {
		return fmt.Errorf("save service %s: %w", svc.ID, err)
	}
	if err := s.kv.HSet(ctx, key, "user_registration_required", encodeBool(svc.UserRegistrationRequired)); err != nil {
		return err
	}
	if svc.DefaultUserPlanID != "" {
		if err := s.kv.HSet(ctx, key, "default_user_plan_id", svc.DefaultUserPlanID); err != nil {
			return err
		}
	}
	if svc.DefaultUserPlanName != "" {
		if err := s.kv.HSet(ctx, key, "default_user_plan_name", svc.DefaultUserPlanName); err != nil {
			return err
		}
	}
	s.cache.Clear(cache.Key(serviceOwner, "load", svc.ID))
	return nil
}
