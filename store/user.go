package store

import (
	"context"
	"fmt"

	"github.com/artpar/meterd/cache"
	"github.com/artpar/meterd/domain/service"
	"github.com/artpar/meterd/domain/user"
	"github.com/artpar/meterd/ports"
)

const userOwner = "user"

// Users persists per-service users as record-style hashes, unlike
// applications which spread across independent keys.
type Users struct {
	kv    ports.KV
	cache *cache.Cache
}

// NewUsers creates the user store.
func NewUsers(kv ports.KV, c *cache.Cache) *Users {
	return &Users{kv: kv, cache: c}
}

// Load fetches a user. Returns (nil, nil) when absent.
func (s *Users) Load(ctx context.Context, serviceID, username string) (*user.User, error) {
	vals, err := s.kv.HMGet(ctx, userHashKey(serviceID, username), "state", "plan_id", "plan_name")
	if err != nil {
		return nil, fmt.Errorf("load user %s/%s: %w", serviceID, username, err)
	}
	if vals[0] == nil {
		return nil, nil
	}
	u := &user.User{ServiceID: serviceID, Username: username, State: *vals[0]}
	if vals[1] != nil {
		u.PlanID = *vals[1]
	}
	if vals[2] != nil {
		u.PlanName = *vals[2]
	}
	return u, nil
}

// LoadOrCreate returns the user, creating it on first sight when the
// service allows the open loop. Creation snapshots the service's default
// user plan at that instant instead of referencing the plan live, and the
// result is memoized so concurrent first-lookups in this process converge
// on one consistent snapshot.
func (s *Users) LoadOrCreate(ctx context.Context, svc *service.Service, username string) (*user.User, error) {
	return cache.Memoize(s.cache, cache.Key(userOwner, "load_or_create", svc.ID, username), func() (*user.User, error) {
		u, err := s.Load(ctx, svc.ID, username)
		if err != nil || u != nil {
			return u, err
		}

		if svc.UserRegistrationRequired {
			return nil, ServiceRequiresRegisteredUserError{ServiceID: svc.ID, Username: username}
		}
		if !svc.HasDefaultUserPlan() {
			return nil, ServiceRequiresDefaultUserPlanError{ServiceID: svc.ID}
		}

		u = &user.User{
			ServiceID: svc.ID,
			Username:  username,
			State:     "active",
			PlanID:    svc.DefaultUserPlanID,
			PlanName:  svc.DefaultUserPlanName,
		}
		if err := s.save(ctx, *u); err != nil {
			return nil, err
		}
		return u, nil
	})
}

// Save stores a user and registers it in the service's user set.
func (s *Users) Save(ctx context.Context, u user.User) error {
	if err := s.save(ctx, u); err != nil {
		return err
	}
	s.cache.Clear(cache.Key(userOwner, "load_or_create", u.ServiceID, u.Username))
	return nil
}

func (s *Users) save(ctx context.Context, u user.User) error {
	key := userHashKey(u.ServiceID, u.Username)
	state := u.State
	if state == "" {
		state = "active"
	}
	fields := map[string]string{
		"state":     state,
		"plan_id":   u.PlanID,
		"plan_name": u.PlanName,
	}
	for f, v := range fields {
		if v == "" {
			continue
		}
		if err := s.kv.HSet(ctx, key, f, v); err != nil {
			return fmt.Errorf("save user %s/%s: %w", u.ServiceID, u.Username, err)
		}
	}
	return s.kv.SAdd(ctx, usersSetKey(u.ServiceID), u.Username)
}

// Delete removes a user and its set membership.
func (s *Users) Delete(ctx context.Context, serviceID, username string) error {
	s.cache.Clear(cache.Key(userOwner, "load_or_create", serviceID, username))
	if err := s.kv.SRem(ctx, usersSetKey(serviceID), username); err != nil {
		return err
	}
	return s.kv.Del(ctx, userHashKey(serviceID, username))
}
