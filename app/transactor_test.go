package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/clock"
	"github.com/artpar/meterd/adapters/memory"
	"github.com/artpar/meterd/adapters/metrics"
	"github.com/artpar/meterd/analytics"
	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/cache"
	"github.com/artpar/meterd/domain/application"
	"github.com/artpar/meterd/domain/limits"
	"github.com/artpar/meterd/domain/metric"
	"github.com/artpar/meterd/domain/period"
	"github.com/artpar/meterd/domain/service"
	"github.com/artpar/meterd/domain/status"
	"github.com/artpar/meterd/ports"
	"github.com/artpar/meterd/store"
)

var testNow = time.Date(2015, 12, 10, 16, 45, 0, 0, time.UTC)

type fixture struct {
	kv       *memory.KV
	queue    *memory.Queue
	tokens   *memory.TokenStore
	clock    *clock.Fake
	services *store.Services
	apps     *store.Applications
	users    *store.Users
	metrics  *store.Metrics
	limits   *store.Limits
	counters *store.Counters

	transactor *app.Transactor
	worker     *app.Worker

	obs *metrics.Collector
	reg *prometheus.Registry
}

// newFixture wires the full stack over in-memory adapters: service s1 with
// metrics hits (m1) and its child searches (m2), application a1 on plan p1
// limited to 100 hits/day.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	kv := memory.NewKV()
	c := cache.New()
	tokens := memory.NewTokenStore()
	queue := memory.NewQueue(64)
	clk := clock.NewFake(testNow)
	reg := prometheus.NewRegistry()
	obs := metrics.NewWithRegistry(reg)

	fx := &fixture{
		kv:       kv,
		queue:    queue,
		tokens:   tokens,
		clock:    clk,
		services: store.NewServices(kv, c),
		apps:     store.NewApplications(kv, c, tokens),
		users:    store.NewUsers(kv, c),
		metrics:  store.NewMetrics(kv, c),
		limits:   store.NewLimits(kv, c),
		obs:      obs,
		reg:      reg,
	}
	buckets := analytics.NewBucketStorage(kv, 30*time.Second)
	fx.counters = store.NewCounters(kv, fx.metrics, fx.limits, buckets)

	fx.transactor = app.NewTransactor(app.Deps{
		Services: fx.services,
		Apps:     fx.apps,
		Users:    fx.users,
		Metrics:  fx.metrics,
		Limits:   fx.limits,
		Counters: fx.counters,
		Queue:    queue,
		Clock:    clk,
		Log:      zerolog.Nop(),
		Obs:      obs,
	})
	fx.worker = app.NewWorker(app.WorkerDeps{
		Services: fx.services,
		Apps:     fx.apps,
		Users:    fx.users,
		Metrics:  fx.metrics,
		Counters: fx.counters,
		Clock:    clk,
		Log:      zerolog.Nop(),
		Obs:      obs,
	})

	if err := fx.services.Save(ctx, service.Service{ID: "s1", State: "active"}); err != nil {
		t.Fatalf("save service: %v", err)
	}
	for _, m := range []metric.Metric{
		{ServiceID: "s1", ID: "m1", Name: "hits"},
		{ServiceID: "s1", ID: "m2", Name: "searches", ParentID: "m1"},
	} {
		if err := fx.metrics.Save(ctx, m); err != nil {
			t.Fatalf("save metric: %v", err)
		}
	}
	if err := fx.limits.Save(ctx, limits.UsageLimit{
		ServiceID: "s1", PlanID: "p1", MetricID: "m1", Granularity: period.Day, MaxValue: 100,
	}); err != nil {
		t.Fatalf("save limit: %v", err)
	}
	if _, err := fx.apps.Save(ctx, application.Application{
		ServiceID: "s1", ID: "a1", State: application.StateActive, PlanID: "p1", PlanName: "gold",
	}); err != nil {
		t.Fatalf("save app: %v", err)
	}
	return fx
}

// drain runs every queued job through the worker.
func (fx *fixture) drain(t *testing.T) int {
	t.Helper()
	return fx.queue.Drain(context.Background(), fx.worker.Process)
}

func authQuery(usage map[string]int64) app.AuthQuery {
	return app.AuthQuery{
		ServiceID: "s1",
		AppID:     "a1",
		Params:    app.Params{Usage: usage},
	}
}

func TestAuthorizeWithinLimits(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	st, err := fx.transactor.Authorize(ctx, authQuery(map[string]int64{"hits": 10}))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !st.Authorized() {
		t.Fatalf("rejected: %s", st.RejectionCode())
	}
	if len(st.UsageReports) != 1 {
		t.Fatalf("reports = %v", st.UsageReports)
	}
	r := st.UsageReports[0]
	if r.MetricName != "hits" || r.MaxValue != 100 || r.CurrentValue != 0 {
		t.Fatalf("report = %+v", r)
	}
	if !r.PeriodStart.Equal(time.Date(2015, 12, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("period start = %v", r.PeriodStart)
	}

	// Authorize never commits: counters stay untouched.
	fx.drain(t)
	usage, err := fx.counters.Usage(ctx, "s1", store.AppSubject("a1"), "p1", testNow)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage[limits.Key{MetricID: "m1", Granularity: period.Day}] != 0 {
		t.Fatalf("authorize mutated counters: %v", usage)
	}
}

func TestAuthorizeOverLimit(t *testing.T) {
	fx := newFixture(t)

	st, err := fx.transactor.Authorize(context.Background(), authQuery(map[string]int64{"hits": 101}))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if st.Authorized() || st.RejectionCode() != status.LimitsExceeded {
		t.Fatalf("code = %q", st.RejectionCode())
	}
}

func TestAuthorizeChildCountsAgainstParentLimit(t *testing.T) {
	fx := newFixture(t)

	// Only the parent is limited; reporting against the child must still
	// trip it through the rollup.
	st, err := fx.transactor.Authorize(context.Background(), authQuery(map[string]int64{"searches": 101}))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if st.Authorized() || st.RejectionCode() != status.LimitsExceeded {
		t.Fatalf("code = %q", st.RejectionCode())
	}
}

func TestAuthorizeInactiveApplication(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	suspended := application.StateSuspended
	if _, err := fx.apps.Update(ctx, "s1", "a1", application.Update{State: &suspended}); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	st, err := fx.transactor.Authorize(ctx, authQuery(nil))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if st.Authorized() || st.RejectionCode() != status.ApplicationNotActive {
		t.Fatalf("code = %q", st.RejectionCode())
	}
}

func TestAuthorizeApplicationKey(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.apps.CreateKey(ctx, "s1", "a1", "secret"); err != nil {
		t.Fatalf("create key: %v", err)
	}

	q := authQuery(nil)
	st, err := fx.transactor.Authorize(ctx, q)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if st.Authorized() || st.RejectionCode() != status.ApplicationKeyInvalid {
		t.Fatalf("missing key code = %q", st.RejectionCode())
	}

	q.Params.AppKey = "wrong"
	st, _ = fx.transactor.Authorize(ctx, q)
	if st.Authorized() || st.RejectionCode() != status.ApplicationKeyInvalid {
		t.Fatalf("wrong key code = %q", st.RejectionCode())
	}

	q.Params.AppKey = "secret"
	st, _ = fx.transactor.Authorize(ctx, q)
	if !st.Authorized() {
		t.Fatalf("valid key rejected: %s", st.RejectionCode())
	}
}

func TestAuthorizeReferrerFilters(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.apps.CreateReferrerFilter(ctx, "s1", "a1", "*.example.org"); err != nil {
		t.Fatalf("create filter: %v", err)
	}

	tests := []struct {
		referrer string
		allowed  bool
	}{
		{"api.example.org", true},
		{"example.com", false},
		{"", false},
		{"*", true}, // literal star bypasses filtering
	}
	for _, tt := range tests {
		q := authQuery(nil)
		q.Params.Referrer = tt.referrer
		st, err := fx.transactor.Authorize(ctx, q)
		if err != nil {
			t.Fatalf("authorize(%q): %v", tt.referrer, err)
		}
		if st.Authorized() != tt.allowed {
			t.Errorf("referrer %q authorized = %v, want %v", tt.referrer, st.Authorized(), tt.allowed)
		}
	}
}

func TestAuthorizeUserRequired(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	required := true
	if _, err := fx.apps.Update(ctx, "s1", "a1", application.Update{UserRequired: &required}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := fx.services.Save(ctx, service.Service{
		ID: "s1", State: "active", DefaultUserPlanID: "up1", DefaultUserPlanName: "community",
	}); err != nil {
		t.Fatalf("save service: %v", err)
	}

	st, err := fx.transactor.Authorize(ctx, authQuery(nil))
	if err != nil {
		t.Fatalf("authorize without user: %v", err)
	}
	if st.Authorized() || st.RejectionCode() != status.UserNotActive {
		t.Fatalf("no-user code = %q", st.RejectionCode())
	}

	q := authQuery(nil)
	q.Params.Username = "alice"
	st, err = fx.transactor.Authorize(ctx, q)
	if err != nil {
		t.Fatalf("authorize with user: %v", err)
	}
	if !st.Authorized() {
		t.Fatalf("rejected: %s", st.RejectionCode())
	}
	if st.User == nil || st.User.PlanID != "up1" {
		t.Fatalf("user = %+v", st.User)
	}
}

func TestAuthorizeIdentityFailures(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	t.Run("unknown service", func(t *testing.T) {
		_, err := fx.transactor.Authorize(ctx, app.AuthQuery{ServiceID: "ghost", AppID: "a1"})
		var notFound store.ServiceNotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("conflicting credentials", func(t *testing.T) {
		_, err := fx.transactor.Authorize(ctx, app.AuthQuery{ServiceID: "s1", AppID: "a1", UserKey: "uk"})
		var authErr store.AuthenticationError
		if !errors.As(err, &authErr) {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("unknown metric name", func(t *testing.T) {
		_, err := fx.transactor.Authorize(ctx, authQuery(map[string]int64{"bogus": 1}))
		var notFound store.MetricNotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("token rejected outside oauth", func(t *testing.T) {
		fx.tokens.Issue("s1", "tok-1", "a1", "")
		_, err := fx.transactor.Authorize(ctx, app.AuthQuery{ServiceID: "s1", AccessToken: "tok-1"})
		var notFound store.ApplicationNotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestOAuthAuthorize(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.tokens.Issue("s1", "tok-1", "a1", "")

	st, err := fx.transactor.OAuthAuthorize(ctx, app.AuthQuery{ServiceID: "s1", AccessToken: "tok-1"})
	if err != nil {
		t.Fatalf("oauth authorize: %v", err)
	}
	if !st.Authorized() {
		t.Fatalf("rejected: %s", st.RejectionCode())
	}

	_, err = fx.transactor.OAuthAuthorize(ctx, app.AuthQuery{ServiceID: "s1", AccessToken: "bogus"})
	if !errors.Is(err, ports.ErrAccessTokenInvalid) {
		t.Fatalf("bogus token err = %v", err)
	}
}

func TestOAuthAuthorizeRedirectURI(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	redirect := "https://example.com/cb"
	if _, err := fx.apps.Update(ctx, "s1", "a1", application.Update{RedirectURL: &redirect}); err != nil {
		t.Fatalf("update: %v", err)
	}

	q := app.AuthQuery{ServiceID: "s1", AppID: "a1", Params: app.Params{RedirectURI: "https://evil.example/cb"}}
	st, err := fx.transactor.OAuthAuthorize(ctx, q)
	if err != nil {
		t.Fatalf("oauth authorize: %v", err)
	}
	if st.Authorized() || st.RejectionCode() != status.RedirectURIInvalid {
		t.Fatalf("code = %q", st.RejectionCode())
	}

	q.Params.RedirectURI = redirect
	st, _ = fx.transactor.OAuthAuthorize(ctx, q)
	if !st.Authorized() {
		t.Fatalf("matching redirect rejected: %s", st.RejectionCode())
	}
}

func TestAuthRepCommitsOnSuccess(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	st, err := fx.transactor.AuthRep(ctx, authQuery(map[string]int64{"hits": 10}))
	if err != nil {
		t.Fatalf("authrep: %v", err)
	}
	if !st.Authorized() {
		t.Fatalf("rejected: %s", st.RejectionCode())
	}

	fx.drain(t)
	usage, err := fx.counters.Usage(ctx, "s1", store.AppSubject("a1"), "p1", testNow)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if got := usage[limits.Key{MetricID: "m1", Granularity: period.Day}]; got != 10 {
		t.Fatalf("hits/day = %d, want 10", got)
	}
}

func TestAuthRepDoesNotCommitOnRejection(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	st, err := fx.transactor.AuthRep(ctx, authQuery(map[string]int64{"hits": 101}))
	if err != nil {
		t.Fatalf("authrep: %v", err)
	}
	if st.Authorized() {
		t.Fatal("over-limit authrep authorized")
	}

	// Only the authorization-attempted notification was enqueued, never a
	// report job.
	if n := fx.drain(t); n != 1 {
		t.Fatalf("drained %d jobs, want 1", n)
	}
	usage, _ := fx.counters.Usage(ctx, "s1", store.AppSubject("a1"), "p1", testNow)
	if usage[limits.Key{MetricID: "m1", Granularity: period.Day}] != 0 {
		t.Fatalf("rejected authrep committed usage: %v", usage)
	}
}

func TestReportHasNoSuccessGate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// report commits even usage an authrep would reject.
	err := fx.transactor.Report(ctx, "s1", []ports.Transaction{
		{AppID: "a1", Usage: map[string]int64{"hits": 101}},
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	fx.drain(t)

	usage, _ := fx.counters.Usage(ctx, "s1", store.AppSubject("a1"), "p1", testNow)
	if got := usage[limits.Key{MetricID: "m1", Granularity: period.Day}]; got != 101 {
		t.Fatalf("hits/day = %d, want 101", got)
	}

	// The committed overage now rejects further authorization.
	st, err := fx.transactor.Authorize(ctx, authQuery(map[string]int64{"hits": 1}))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if st.Authorized() {
		t.Fatal("authorized past committed overage")
	}
}

func TestReportUnknownService(t *testing.T) {
	fx := newFixture(t)
	err := fx.transactor.Report(context.Background(), "ghost", []ports.Transaction{
		{AppID: "a1", Usage: map[string]int64{"hits": 1}},
	})
	var notFound store.ServiceNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestUtilization(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.transactor.Report(ctx, "s1", []ports.Transaction{
		{AppID: "a1", Usage: map[string]int64{"hits": 20}},
	}); err != nil {
		t.Fatalf("report: %v", err)
	}
	fx.drain(t)

	best, reports, err := fx.transactor.Utilization(ctx, "s1", "a1")
	if err != nil {
		t.Fatalf("utilization: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("reports = %v", reports)
	}
	if best.Ratio != 0.2 || best.Report.MetricID != "m1" {
		t.Fatalf("utilization = %+v", best)
	}
}

func TestLimitHeaders(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	st, err := fx.transactor.Authorize(ctx, authQuery(map[string]int64{"hits": 10}))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	remaining, reset := app.LimitHeaders(st, map[string]int64{"m1": 10}, testNow)
	if remaining != 9 {
		t.Fatalf("remaining = %d, want 9", remaining)
	}
	// Seconds to next UTC midnight from 16:45:00.
	if reset != 26100 {
		t.Fatalf("reset = %d, want 26100", reset)
	}

	// Over-limit usage floors at zero.
	remaining, _ = app.LimitHeaders(st, map[string]int64{"m1": 101}, testNow)
	if remaining != 0 {
		t.Fatalf("over-limit remaining = %d, want 0", remaining)
	}

	// No limit on the used metric: negative sentinels.
	remaining, reset = app.LimitHeaders(st, map[string]int64{"m9": 1}, testNow)
	if remaining != limits.NoLimit || reset != limits.NoLimit {
		t.Fatalf("unlimited = %d/%d, want sentinels", remaining, reset)
	}
}

func TestLimitHeadersEternity(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.limits.Save(ctx, limits.UsageLimit{
		ServiceID: "s1", PlanID: "p1", MetricID: "m2", Granularity: period.Eternity, MaxValue: 50,
	}); err != nil {
		t.Fatalf("save limit: %v", err)
	}

	st, err := fx.transactor.Authorize(ctx, authQuery(map[string]int64{"searches": 5}))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	remaining, reset := app.LimitHeaders(st, map[string]int64{"m2": 5}, testNow)
	if remaining != 9 {
		t.Fatalf("remaining = %d, want 9", remaining)
	}
	if reset >= 0 {
		t.Fatalf("eternity reset = %d, want negative", reset)
	}
}
