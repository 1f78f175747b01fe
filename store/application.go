package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/artpar/meterd/cache"
	"github.com/artpar/meterd/domain/application"
	"github.com/artpar/meterd/ports"
)

const appOwner = "application"

// appAttrs are the per-attribute keys an application is stored under.
var appAttrs = []string{"state", "plan_id", "plan_name", "redirect_url", "user_required", "version"}

// Applications persists applications. Reads memoize through the cache;
// every mutation clears exactly the entries it affects.
type Applications struct {
	kv     ports.KV
	cache  *cache.Cache
	tokens ports.TokenStore
}

// NewApplications creates the application store.
func NewApplications(kv ports.KV, c *cache.Cache, tokens ports.TokenStore) *Applications {
	return &Applications{kv: kv, cache: c, tokens: tokens}
}

// Load fetches an application in one batched read. Returns (nil, nil) when
// absent: the state key is the existence oracle, saving a round trip.
// Legacy rows without a version get one assigned via atomic increment.
func (s *Applications) Load(ctx context.Context, serviceID, id string) (*application.Application, error) {
	if serviceID == "" || id == "" {
		return nil, nil
	}
	return cache.Memoize(s.cache, cache.Key(appOwner, "load", serviceID, id), func() (*application.Application, error) {
		vals, err := s.kv.MGet(ctx,
			appAttrKey(serviceID, id, "state"),
			appAttrKey(serviceID, id, "plan_id"),
			appAttrKey(serviceID, id, "plan_name"),
			appAttrKey(serviceID, id, "redirect_url"),
			appAttrKey(serviceID, id, "user_required"),
			appAttrKey(serviceID, id, "version"),
		)
		if err != nil {
			return nil, fmt.Errorf("load application %s/%s: %w", serviceID, id, err)
		}
		state, planID, planName, redirectURL, userRequired, version := vals[0], vals[1], vals[2], vals[3], vals[4], vals[5]
		if state == nil {
			return nil, nil
		}

		app := &application.Application{
			ServiceID: serviceID,
			ID:        id,
			State:     application.State(*state),
		}
		if planID != nil {
			app.PlanID = *planID
		}
		if planName != nil {
			app.PlanName = *planName
		}
		if redirectURL != nil {
			app.RedirectURL = *redirectURL
		}
		// Booleans are stored as integers on the wire; decode here.
		if userRequired != nil {
			n, _ := strconv.Atoi(*userRequired)
			app.UserRequired = n > 0
		}
		if version != nil {
			app.Version, _ = strconv.ParseInt(*version, 10, 64)
		} else {
			app.Version, err = s.IncrVersion(ctx, serviceID, id)
			if err != nil {
				return nil, err
			}
		}
		return app, nil
	})
}

// LoadOrFail is Load that fails with ApplicationNotFoundError when absent.
func (s *Applications) LoadOrFail(ctx context.Context, serviceID, id string) (*application.Application, error) {
	app, err := s.Load(ctx, serviceID, id)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, ApplicationNotFoundError{ID: id}
	}
	return app, nil
}

// Exists reports whether the application's state key is present.
func (s *Applications) Exists(ctx context.Context, serviceID, id string) (bool, error) {
	return cache.Memoize(s.cache, cache.Key(appOwner, "exists", serviceID, id), func() (bool, error) {
		return s.kv.Exists(ctx, appAttrKey(serviceID, id, "state"))
	})
}

// Save writes the application attributes, adds it to the service's
// application set and bumps the version, all in one pipelined batch.
// Returns the new version.
func (s *Applications) Save(ctx context.Context, app application.Application) (int64, error) {
	var version *ports.IntResult
	err := s.kv.Pipelined(ctx, func(p ports.Pipe) {
		if app.State != "" {
			// The state key doubles as the existence marker; never
			// delete it from Save.
			p.Set(appAttrKey(app.ServiceID, app.ID, "state"), string(app.State))
		}
		setOrClear(p, appAttrKey(app.ServiceID, app.ID, "plan_id"), app.PlanID)
		setOrClear(p, appAttrKey(app.ServiceID, app.ID, "plan_name"), app.PlanName)
		setOrClear(p, appAttrKey(app.ServiceID, app.ID, "redirect_url"), app.RedirectURL)
		p.Set(appAttrKey(app.ServiceID, app.ID, "user_required"), encodeBool(app.UserRequired))
		p.SAdd(appsSetKey(app.ServiceID), app.ID)
		version = p.IncrBy(appAttrKey(app.ServiceID, app.ID, "version"), 1)
	})
	if err != nil {
		return 0, fmt.Errorf("save application %s/%s: %w", app.ServiceID, app.ID, err)
	}
	s.clearLoadCache(app.ServiceID, app.ID)
	return version.Val(), nil
}

// setOrClear writes the attribute, or removes its key so an emptied field
// does not resurrect the stored value on the next load.
func setOrClear(p ports.Pipe, key, val string) {
	if val == "" {
		p.Del(key)
		return
	}
	p.Set(key, val)
}

// Update applies a typed partial update on top of the stored state.
func (s *Applications) Update(ctx context.Context, serviceID, id string, u application.Update) (int64, error) {
	app, err := s.LoadOrFail(ctx, serviceID, id)
	if err != nil {
		return 0, err
	}
	return s.Save(ctx, u.Apply(*app))
}

// Delete removes the application and cascades removal of its tokens.
// Fails with ApplicationNotFoundError when absent.
func (s *Applications) Delete(ctx context.Context, serviceID, id string) error {
	exists, err := s.Exists(ctx, serviceID, id)
	if err != nil {
		return err
	}
	if !exists {
		return ApplicationNotFoundError{ID: id}
	}

	attrKeys := make([]string, 0, len(appAttrs)+2)
	for _, attr := range appAttrs {
		attrKeys = append(attrKeys, appAttrKey(serviceID, id, attr))
	}
	attrKeys = append(attrKeys,
		appAttrKey(serviceID, id, "keys"),
		appAttrKey(serviceID, id, "referrer_filters"))

	err = s.kv.Pipelined(ctx, func(p ports.Pipe) {
		p.SRem(appsSetKey(serviceID), id)
		p.Del(attrKeys...)
	})
	if err != nil {
		return fmt.Errorf("delete application %s/%s: %w", serviceID, id, err)
	}

	s.clearLoadCache(serviceID, id)
	s.cache.Clear(
		cache.Key(appOwner, "keys", serviceID, id),
		cache.Key(appOwner, "referrer_filters", serviceID, id),
	)
	return s.tokens.RemoveTokens(ctx, serviceID, id)
}

// List returns the ids of every application of a service.
func (s *Applications) List(ctx context.Context, serviceID string) ([]string, error) {
	return s.kv.SMembers(ctx, appsSetKey(serviceID))
}

// Version returns the current version token, zero when unset.
func (s *Applications) Version(ctx context.Context, serviceID, id string) (int64, error) {
	v, ok, err := s.kv.Get(ctx, appAttrKey(serviceID, id, "version"))
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// IncrVersion bumps the version token atomically.
func (s *Applications) IncrVersion(ctx context.Context, serviceID, id string) (int64, error) {
	return s.kv.IncrBy(ctx, appAttrKey(serviceID, id, "version"), 1)
}

func (s *Applications) clearLoadCache(serviceID, id string) {
	s.cache.Clear(
		cache.Key(appOwner, "load", serviceID, id),
		cache.Key(appOwner, "exists", serviceID, id),
	)
}

//
// Application keys
//

// Keys returns the application's key collection, memoized.
func (s *Applications) Keys(ctx context.Context, serviceID, id string) ([]string, error) {
	return cache.Memoize(s.cache, cache.Key(appOwner, "keys", serviceID, id), func() ([]string, error) {
		return s.kv.SMembers(ctx, appAttrKey(serviceID, id, "keys"))
	})
}

// CreateKey adds a key to the application's collection, generating a random
// one when value is empty. Bumps the version and invalidates only the key
// collection's cache entry.
func (s *Applications) CreateKey(ctx context.Context, serviceID, id, value string) (string, error) {
	if value == "" {
		value = uuid.NewString()
	}
	if _, err := s.IncrVersion(ctx, serviceID, id); err != nil {
		return "", err
	}
	s.cache.Clear(cache.Key(appOwner, "keys", serviceID, id))
	if err := s.kv.SAdd(ctx, appAttrKey(serviceID, id, "keys"), value); err != nil {
		return "", err
	}
	return value, nil
}

// DeleteKey removes a key from the collection.
func (s *Applications) DeleteKey(ctx context.Context, serviceID, id, value string) error {
	if _, err := s.IncrVersion(ctx, serviceID, id); err != nil {
		return err
	}
	s.cache.Clear(cache.Key(appOwner, "keys", serviceID, id))
	return s.kv.SRem(ctx, appAttrKey(serviceID, id, "keys"), value)
}

// HasKeys reports whether the application defines any keys.
func (s *Applications) HasKeys(ctx context.Context, serviceID, id string) (bool, error) {
	n, err := s.kv.SCard(ctx, appAttrKey(serviceID, id, "keys"))
	return n > 0, err
}

// HasKey reports whether value is one of the application's keys.
func (s *Applications) HasKey(ctx context.Context, serviceID, id, value string) (bool, error) {
	return s.kv.SIsMember(ctx, appAttrKey(serviceID, id, "keys"), value)
}

//
// Referrer filters
//

// ReferrerFilters returns the filter collection, memoized.
func (s *Applications) ReferrerFilters(ctx context.Context, serviceID, id string) ([]string, error) {
	return cache.Memoize(s.cache, cache.Key(appOwner, "referrer_filters", serviceID, id), func() ([]string, error) {
		return s.kv.SMembers(ctx, appAttrKey(serviceID, id, "referrer_filters"))
	})
}

// CreateReferrerFilter adds a filter. Blank filters are inconsistent data.
func (s *Applications) CreateReferrerFilter(ctx context.Context, serviceID, id, value string) error {
	if value == "" {
		return InconsistentDataError{Reason: "referrer filter can't be blank"}
	}
	if _, err := s.IncrVersion(ctx, serviceID, id); err != nil {
		return err
	}
	s.cache.Clear(cache.Key(appOwner, "referrer_filters", serviceID, id))
	return s.kv.SAdd(ctx, appAttrKey(serviceID, id, "referrer_filters"), value)
}

// DeleteReferrerFilter removes a filter.
func (s *Applications) DeleteReferrerFilter(ctx context.Context, serviceID, id, value string) error {
	if _, err := s.IncrVersion(ctx, serviceID, id); err != nil {
		return err
	}
	s.cache.Clear(cache.Key(appOwner, "referrer_filters", serviceID, id))
	return s.kv.SRem(ctx, appAttrKey(serviceID, id, "referrer_filters"), value)
}

// HasReferrerFilters reports whether any filters are defined.
func (s *Applications) HasReferrerFilters(ctx context.Context, serviceID, id string) (bool, error) {
	n, err := s.kv.SCard(ctx, appAttrKey(serviceID, id, "referrer_filters"))
	return n > 0, err
}

//
// Identity resolution
//

// SaveUserKey maps a user key to an application id. Blank identifiers are
// inconsistent data.
func (s *Applications) SaveUserKey(ctx context.Context, serviceID, userKey, id string) error {
	if serviceID == "" || userKey == "" || id == "" {
		return InconsistentDataError{Reason: "user key mapping needs service, key and application id"}
	}
	if err := s.kv.Set(ctx, appIDByUserKeyKey(serviceID, userKey), id); err != nil {
		return err
	}
	s.cache.Put(cache.Key(appOwner, "id_by_user_key", serviceID, userKey), id)
	return nil
}

// LoadIDByUserKey resolves a user key to an application id, memoized.
// Returns empty when unmapped.
func (s *Applications) LoadIDByUserKey(ctx context.Context, serviceID, userKey string) (string, error) {
	return cache.Memoize(s.cache, cache.Key(appOwner, "id_by_user_key", serviceID, userKey), func() (string, error) {
		v, _, err := s.kv.Get(ctx, appIDByUserKeyKey(serviceID, userKey))
		return v, err
	})
}

// DeleteUserKey removes a user key mapping.
func (s *Applications) DeleteUserKey(ctx context.Context, serviceID, userKey string) error {
	s.cache.Clear(cache.Key(appOwner, "id_by_user_key", serviceID, userKey))
	return s.kv.Del(ctx, appIDByUserKeyKey(serviceID, userKey))
}

// resolveID applies the identity precedence: explicit app id (which must
// not be combined with a user key), then user key lookup, then access token
// exchange, else not found.
func (s *Applications) resolveID(ctx context.Context, serviceID, appID, userKey, accessToken string) (string, error) {
	switch {
	case appID != "":
		if userKey != "" {
			return "", AuthenticationError{}
		}
		return appID, nil
	case userKey != "":
		id, err := s.LoadIDByUserKey(ctx, serviceID, userKey)
		if err != nil {
			return "", err
		}
		if id == "" {
			return "", UserKeyInvalidError{UserKey: userKey}
		}
		return id, nil
	case accessToken != "":
		id, _, err := s.tokens.Credentials(ctx, accessToken, serviceID)
		return id, err
	default:
		return "", ApplicationNotFoundError{}
	}
}

// LoadByIDOrUserKey resolves and loads an application from an explicit id
// or a user key.
func (s *Applications) LoadByIDOrUserKey(ctx context.Context, serviceID, appID, userKey string) (*application.Application, error) {
	id, err := s.resolveID(ctx, serviceID, appID, userKey, "")
	if err != nil {
		return nil, err
	}
	return s.LoadOrFail(ctx, serviceID, id)
}

// ExtractID resolves credentials to an application id, verifying existence.
func (s *Applications) ExtractID(ctx context.Context, serviceID, appID, userKey, accessToken string) (string, error) {
	id, err := s.resolveID(ctx, serviceID, appID, userKey, accessToken)
	if err != nil {
		return "", err
	}
	exists, err := s.Exists(ctx, serviceID, id)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ApplicationNotFoundError{ID: id}
	}
	return id, nil
}

func encodeBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
