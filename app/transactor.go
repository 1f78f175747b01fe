// Package app provides the application services that orchestrate the
// domain: the transactor behind report/authorize/authrep and the worker
// that turns queued transactions into counter increments.
package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/metrics"
	"github.com/artpar/meterd/domain/limits"
	"github.com/artpar/meterd/domain/status"
	"github.com/artpar/meterd/domain/user"
	"github.com/artpar/meterd/ports"
	"github.com/artpar/meterd/store"
)

// Backend accounting metric names, notified for billing of calls made
// against this system itself.
const (
	notifyAuthorize    = "transactions/authorize"
	notifyCreateBatch  = "transactions/create_multiple"
	notifyTransactions = "transactions"
)

// Transactor is the produced surface of the backend: every operation the
// transport layer exposes resolves here.
type Transactor struct {
	services *store.Services
	apps     *store.Applications
	users    *store.Users
	metrics  *store.Metrics
	limits   *store.Limits
	counters *store.Counters
	queue    ports.Queue
	clock    ports.Clock
	log      zerolog.Logger
	obs      *metrics.Collector
}

// Deps contains dependencies for Transactor.
type Deps struct {
	Services *store.Services
	Apps     *store.Applications
	Users    *store.Users
	Metrics  *store.Metrics
	Limits   *store.Limits
	Counters *store.Counters
	Queue    ports.Queue
	Clock    ports.Clock
	Log      zerolog.Logger
	Obs      *metrics.Collector
}

// NewTransactor creates the transactor.
func NewTransactor(d Deps) *Transactor {
	return &Transactor{
		services: d.Services,
		apps:     d.Apps,
		users:    d.Users,
		metrics:  d.Metrics,
		limits:   d.Limits,
		counters: d.Counters,
		queue:    d.Queue,
		clock:    d.Clock,
		log:      d.Log,
		obs:      d.Obs,
	}
}

// AuthQuery identifies the subject of an authorization attempt.
type AuthQuery struct {
	ServiceID string
	// Credentials, by precedence: AppID (must not combine with UserKey),
	// UserKey, AccessToken (OAuth operations only).
	AppID       string
	UserKey     string
	AccessToken string

	Params Params
}

// Authorize predicts whether the proposed usage would be accepted. It never
// mutates counters.
func (t *Transactor) Authorize(ctx context.Context, q AuthQuery) (*status.Status, error) {
	q.AccessToken = "" // token credentials are an OAuth-only affordance
	st, _, err := t.authorize(ctx, q, t.standardChain())
	t.notify(ctx, q.ServiceID, notifyAuthorize, 1)
	t.observeAuth("authorize", st, err)
	return st, err
}

// OAuthAuthorize is Authorize accepting access-token credentials and
// validating the redirect URI instead of application keys.
func (t *Transactor) OAuthAuthorize(ctx context.Context, q AuthQuery) (*status.Status, error) {
	st, _, err := t.authorize(ctx, q, t.oauthChain())
	t.notify(ctx, q.ServiceID, notifyAuthorize, 1)
	t.observeAuth("oauth_authorize", st, err)
	return st, err
}

// AuthRep authorizes and, only on success, enqueues the usage for
// asynchronous commit. The authorization-attempted notification goes out
// regardless of outcome, identity failures included: the attempt itself is
// billable. The report-submitted notification only follows an enqueue.
func (t *Transactor) AuthRep(ctx context.Context, q AuthQuery) (*status.Status, error) {
	q.AccessToken = ""
	return t.authRep(ctx, q, t.standardChain(), "authrep")
}

// OAuthAuthRep is AuthRep over the OAuth validator chain.
func (t *Transactor) OAuthAuthRep(ctx context.Context, q AuthQuery) (*status.Status, error) {
	return t.authRep(ctx, q, t.oauthChain(), "oauth_authrep")
}

func (t *Transactor) authRep(ctx context.Context, q AuthQuery, chain []validator, op string) (*status.Status, error) {
	st, appID, err := t.authorize(ctx, q, chain)
	t.notify(ctx, q.ServiceID, notifyAuthorize, 1)
	t.observeAuth(op, st, err)
	if err != nil {
		return nil, err
	}

	if st.Authorized() && len(q.Params.Usage) > 0 {
		tx := ports.Transaction{
			AppID:  appID,
			UserID: q.Params.Username,
			Usage:  q.Params.Usage,
		}
		if err := t.enqueueReport(ctx, q.ServiceID, []ports.Transaction{tx}); err != nil {
			return nil, err
		}
		t.notify(ctx, q.ServiceID, notifyCreateBatch, 1)
		t.notify(ctx, q.ServiceID, notifyTransactions, 1)
	}
	return st, nil
}

// authorize runs the shared authorization flow and returns the status plus
// the resolved application id. Identity-resolution failures return an error
// before any status exists; policy failures come back inside the status.
func (t *Transactor) authorize(ctx context.Context, q AuthQuery, chain []validator) (*status.Status, string, error) {
	// 1. Resolve the owning service.
	svc, err := t.services.LoadOrFail(ctx, q.ServiceID)
	if err != nil {
		return nil, "", err
	}

	// 2. Resolve credentials to an application.
	appID, err := t.apps.ExtractID(ctx, q.ServiceID, q.AppID, q.UserKey, q.AccessToken)
	if err != nil {
		return nil, "", err
	}
	app, err := t.apps.LoadOrFail(ctx, q.ServiceID, appID)
	if err != nil {
		return nil, "", err
	}

	// 3. Resolve the user when the application tracks one. Expected user
	// failures become rejections, not errors: the status must still carry
	// the application's reports.
	var u *user.User
	if app.UserRequired && q.Params.Username != "" {
		u, err = t.users.LoadOrCreate(ctx, svc, q.Params.Username)
		if err != nil && !IsRejection(err) {
			return nil, "", err
		}
	}

	// 4. Resolve usage metric names and roll the deltas up the hierarchy.
	deltas, err := t.resolveDeltas(ctx, q.ServiceID, q.Params.Usage)
	if err != nil {
		return nil, "", err
	}

	// 5. Run the validator chain; the status starts authorized and the
	// first rejection sticks.
	st := status.New(q.ServiceID, *app, u)
	st.Predicted = len(q.Params.Usage) > 0
	if err := t.runChain(ctx, chain, st, q.Params, deltas, t.clock.Now()); err != nil {
		return nil, "", err
	}
	return st, appID, nil
}

// Report resolves the owning service and enqueues the transactions for
// asynchronous commit. Unlike authrep there is no success gate: reported
// usage is committed even when an equivalent authrep would have rejected.
func (t *Transactor) Report(ctx context.Context, serviceID string, txs []ports.Transaction) error {
	if _, err := t.services.LoadOrFail(ctx, serviceID); err != nil {
		return err
	}
	if len(txs) == 0 {
		return nil
	}
	if err := t.enqueueReport(ctx, serviceID, txs); err != nil {
		return err
	}
	t.notify(ctx, serviceID, notifyCreateBatch, 1)
	t.notify(ctx, serviceID, notifyTransactions, len(txs))
	if t.obs != nil {
		t.obs.ReportsTotal.Inc()
		t.obs.TransactionsTotal.Add(float64(len(txs)))
	}
	return nil
}

// Utilization returns the application's most constrained limit with the
// full report set it was picked from. An application on an unlimited plan
// yields no reports and a zero utilization.
func (t *Transactor) Utilization(ctx context.Context, serviceID, appID string) (limits.Utilization, []limits.UsageReport, error) {
	app, err := t.apps.LoadOrFail(ctx, serviceID, appID)
	if err != nil {
		return limits.Utilization{}, nil, err
	}
	now := t.clock.Now()

	lims, err := t.limits.LoadAll(ctx, serviceID, app.PlanID)
	if err != nil {
		return limits.Utilization{}, nil, err
	}
	current, err := t.counters.ApplicationUsage(ctx, app, now)
	if err != nil {
		return limits.Utilization{}, nil, err
	}
	names, err := t.reportNames(ctx, serviceID, lims)
	if err != nil {
		return limits.Utilization{}, nil, err
	}

	reports := limits.Reports(lims, names, current, now)
	best, _ := limits.MaxUtilization(reports)
	return best, reports, nil
}

// resolveDeltas maps metric names to ids and applies the ancestor rollup,
// producing the per-metric-id deltas the limits validator compares with.
func (t *Transactor) resolveDeltas(ctx context.Context, serviceID string, usage map[string]int64) (map[string]int64, error) {
	if len(usage) == 0 {
		return nil, nil
	}
	byID := make(map[string]int64, len(usage))
	for name, delta := range usage {
		id, err := t.metrics.LoadIDByName(ctx, serviceID, name)
		if err != nil {
			return nil, err
		}
		byID[id] += delta
	}
	return t.counters.Rollup(ctx, serviceID, byID)
}

func (t *Transactor) enqueueReport(ctx context.Context, serviceID string, txs []ports.Transaction) error {
	return t.queue.Enqueue(ctx, ports.Job{
		ID:           uuid.NewString(),
		Type:         ports.JobReport,
		ServiceID:    serviceID,
		Transactions: txs,
		EnqueuedAt:   t.clock.Now(),
	})
}

// notify enqueues a backend-accounting notification. Fire and forget: a
// full queue costs us a notification, never the caller's request.
func (t *Transactor) notify(ctx context.Context, serviceID, metricName string, count int) {
	err := t.queue.Enqueue(ctx, ports.Job{
		ID:         uuid.NewString(),
		Type:       ports.JobNotify,
		ServiceID:  serviceID,
		Metric:     metricName,
		Count:      count,
		EnqueuedAt: t.clock.Now(),
	})
	if err != nil {
		t.log.Warn().Err(err).Str("metric", metricName).Msg("drop backend notification")
	}
}

func (t *Transactor) observeAuth(op string, st *status.Status, err error) {
	if t.obs == nil {
		return
	}
	switch {
	case err != nil:
		t.obs.AuthorizationsTotal.WithLabelValues(op, "error").Inc()
	case st.Authorized():
		t.obs.AuthorizationsTotal.WithLabelValues(op, "authorized").Inc()
	default:
		t.obs.AuthorizationsTotal.WithLabelValues(op, "rejected").Inc()
		t.obs.RejectionsTotal.WithLabelValues(st.RejectionCode()).Inc()
	}
}

// LimitHeaders derives the most constraining {remaining, reset} pair for a
// request's usage: remaining counts how many more identical requests fit in
// the tightest applicable window, reset is that window's rollover. Both are
// negative sentinels when no limit applies to the used metrics.
func LimitHeaders(st *status.Status, deltas map[string]int64, now time.Time) (remaining, reset int64) {
	remaining, reset = limits.NoLimit, limits.NoLimit
	found := false
	for _, r := range st.AllReports() {
		delta := deltas[r.MetricID]
		if delta <= 0 {
			continue
		}
		times := (r.MaxValue-r.CurrentValue)/delta - 1
		if times < 0 {
			times = 0
		}
		if !found || times < remaining {
			found = true
			remaining = times
			reset = r.Reset(now)
		}
	}
	return remaining, reset
}
