package app

import (
	"context"
	"strings"
	"time"

	"github.com/artpar/meterd/domain/limits"
	"github.com/artpar/meterd/domain/metric"
	"github.com/artpar/meterd/domain/status"
)

// Params carries the per-request inputs the validators inspect, beyond the
// credentials used to resolve the application itself.
type Params struct {
	AppKey      string
	Referrer    string
	RedirectURI string
	Username    string
	// Usage is the proposed delta per metric name. Authorize-style calls
	// check it without committing; authrep commits it on success.
	Usage map[string]int64
}

// validator is one link of the chain. It inspects the status and either
// passes, rejects the status, or fails with an infrastructure error.
// Rejection stops the chain: later validators never run.
type validator func(ctx context.Context, st *status.Status, p Params, deltas map[string]int64, now time.Time) error

func (t *Transactor) standardChain() []validator {
	return []validator{
		t.validateState,
		t.validateKey,
		t.validateReferrer,
		t.validateUser,
		t.validateLimits,
	}
}

func (t *Transactor) oauthChain() []validator {
	return []validator{
		t.validateState,
		t.validateRedirectURI,
		t.validateReferrer,
		t.validateUser,
		t.validateLimits,
	}
}

func (t *Transactor) runChain(ctx context.Context, chain []validator, st *status.Status, p Params, deltas map[string]int64, now time.Time) error {
	for _, v := range chain {
		if err := v(ctx, st, p, deltas, now); err != nil {
			return err
		}
		if !st.Authorized() {
			return nil
		}
	}
	return nil
}

func (t *Transactor) validateState(_ context.Context, st *status.Status, _ Params, _ map[string]int64, _ time.Time) error {
	if !st.Application.Active() {
		st.Reject(status.ApplicationNotActive)
	}
	return nil
}

// validateKey only applies when the application has keys defined: an
// application without keys accepts any caller.
func (t *Transactor) validateKey(ctx context.Context, st *status.Status, p Params, _ map[string]int64, _ time.Time) error {
	has, err := t.apps.HasKeys(ctx, st.ServiceID, st.Application.ID)
	if err != nil {
		return err
	}
	if !has {
		return nil
	}
	if p.AppKey == "" {
		st.Reject(status.ApplicationKeyInvalid)
		return nil
	}
	ok, err := t.apps.HasKey(ctx, st.ServiceID, st.Application.ID, p.AppKey)
	if err != nil {
		return err
	}
	if !ok {
		st.Reject(status.ApplicationKeyInvalid)
	}
	return nil
}

// validateReferrer only applies when filters are defined. The literal "*"
// referrer bypasses filtering.
func (t *Transactor) validateReferrer(ctx context.Context, st *status.Status, p Params, _ map[string]int64, _ time.Time) error {
	filters, err := t.apps.ReferrerFilters(ctx, st.ServiceID, st.Application.ID)
	if err != nil {
		return err
	}
	if len(filters) == 0 {
		return nil
	}
	if p.Referrer == "*" {
		return nil
	}
	for _, f := range filters {
		if matchReferrer(f, p.Referrer) {
			return nil
		}
	}
	st.Reject(status.ReferrerNotAllowed)
	return nil
}

// matchReferrer matches a referrer against a filter where "*" is a
// wildcard for any run of characters.
func matchReferrer(filter, referrer string) bool {
	if referrer == "" {
		return false
	}
	parts := strings.Split(filter, "*")
	if len(parts) == 1 {
		return filter == referrer
	}
	rest := referrer
	for i, part := range parts {
		if part == "" {
			continue
		}
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		if i == 0 && idx != 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	// A filter not ending in "*" must consume the referrer entirely.
	return parts[len(parts)-1] == "" || rest == ""
}

func (t *Transactor) validateRedirectURI(_ context.Context, st *status.Status, p Params, _ map[string]int64, _ time.Time) error {
	if st.Application.RedirectURL == "" || p.RedirectURI == "" {
		return nil
	}
	if p.RedirectURI != st.Application.RedirectURL {
		st.Reject(status.RedirectURIInvalid)
	}
	return nil
}

// validateUser only applies when the application requires a user.
func (t *Transactor) validateUser(_ context.Context, st *status.Status, _ Params, _ map[string]int64, _ time.Time) error {
	if !st.Application.UserRequired {
		return nil
	}
	if st.User == nil || !st.User.Active() {
		st.Reject(status.UserNotActive)
	}
	return nil
}

// validateLimits is last in every chain so the reports it attaches reflect
// an otherwise-valid request. Deltas must already carry ancestor rollups;
// the comparison uses true signed values, never the floored display ones.
func (t *Transactor) validateLimits(ctx context.Context, st *status.Status, _ Params, deltas map[string]int64, now time.Time) error {
	app := st.Application
	appLims, err := t.limits.LoadAll(ctx, st.ServiceID, app.PlanID)
	if err != nil {
		return err
	}
	current, err := t.counters.ApplicationUsage(ctx, &app, now)
	if err != nil {
		return err
	}
	names, err := t.reportNames(ctx, st.ServiceID, appLims)
	if err != nil {
		return err
	}
	st.UsageReports = limits.Reports(appLims, names, current, now)
	if !limits.CheckLimits(st.UsageReports, deltas) {
		st.Reject(status.LimitsExceeded)
		return nil
	}

	if st.User == nil {
		return nil
	}
	userLims, err := t.limits.LoadAll(ctx, st.ServiceID, st.User.PlanID)
	if err != nil {
		return err
	}
	if len(userLims) == 0 {
		return nil
	}
	userCurrent, err := t.counters.UserUsage(ctx, st.User, now)
	if err != nil {
		return err
	}
	userNames, err := t.reportNames(ctx, st.ServiceID, userLims)
	if err != nil {
		return err
	}
	st.UserUsageReports = limits.Reports(userLims, userNames, userCurrent, now)
	if !limits.CheckLimits(st.UserUsageReports, deltas) {
		st.Reject(status.LimitsExceeded)
	}
	return nil
}

func (t *Transactor) reportNames(ctx context.Context, serviceID string, lims []limits.UsageLimit) (metric.Names, error) {
	ids := make([]string, 0, len(lims))
	seen := map[string]bool{}
	for _, l := range lims {
		if !seen[l.MetricID] {
			seen[l.MetricID] = true
			ids = append(ids, l.MetricID)
		}
	}
	return t.metrics.LoadAllNames(ctx, serviceID, ids)
}
