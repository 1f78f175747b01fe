package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/metrics"
	"github.com/artpar/meterd/domain/user"
	"github.com/artpar/meterd/ports"
	"github.com/artpar/meterd/store"
)

// Worker consumes queued jobs and applies them to the counters. It is safe
// to run many workers in parallel across processes: increments are
// commutative and the queue guarantees at-least-once, unordered delivery.
type Worker struct {
	services *store.Services
	apps     *store.Applications
	users    *store.Users
	metrics  *store.Metrics
	counters *store.Counters
	clock    ports.Clock
	log      zerolog.Logger
	obs      *metrics.Collector
}

// WorkerDeps contains dependencies for Worker.
type WorkerDeps struct {
	Services *store.Services
	Apps     *store.Applications
	Users    *store.Users
	Metrics  *store.Metrics
	Counters *store.Counters
	Clock    ports.Clock
	Log      zerolog.Logger
	Obs      *metrics.Collector
}

// NewWorker creates a worker.
func NewWorker(d WorkerDeps) *Worker {
	return &Worker{
		services: d.Services,
		apps:     d.Apps,
		users:    d.Users,
		metrics:  d.Metrics,
		counters: d.Counters,
		clock:    d.Clock,
		log:      d.Log,
		obs:      d.Obs,
	}
}

// Handle is the queue-facing entry point: it delivers one job and records
// the outcome. Faults are logged and counted here, so an error returned to
// a background goroutine is never lost. Synchronous callers that want the
// error use Process directly.
func (w *Worker) Handle(ctx context.Context, job ports.Job) error {
	err := w.Process(ctx, job)
	if err != nil {
		w.log.Error().
			Err(err).
			Str("job_id", job.ID).
			Str("type", string(job.Type)).
			Msg("job failed")
		if w.obs != nil {
			w.obs.JobFailuresTotal.WithLabelValues(string(job.Type), "fault").Inc()
		}
	}
	return err
}

// Process handles one job. Expected business rejections inside report jobs
// are recorded as normal per-transaction failures and never corrupt
// counters already committed for earlier transactions; unexpected errors
// propagate so the queue's redelivery and alerting paths see them.
func (w *Worker) Process(ctx context.Context, job ports.Job) error {
	if w.obs != nil {
		w.obs.JobsTotal.WithLabelValues(string(job.Type)).Inc()
	}
	switch job.Type {
	case ports.JobReport:
		return w.processReport(ctx, job)
	case ports.JobNotify:
		w.log.Debug().
			Str("service_id", job.ServiceID).
			Str("metric", job.Metric).
			Int("count", job.Count).
			Msg("backend accounting notification")
		return nil
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (w *Worker) processReport(ctx context.Context, job ports.Job) error {
	svc, err := w.services.LoadOrFail(ctx, job.ServiceID)
	if err != nil {
		return w.transactionFailure(job, err)
	}

	// Transactions are independent: one bad transaction must not take down
	// the increments already committed for its siblings.
	for i, tx := range job.Transactions {
		if err := w.applyTransaction(ctx, svc.ID, tx); err != nil {
			if !IsRejection(err) {
				return fmt.Errorf("report job %s transaction %d: %w", job.ID, i, err)
			}
			w.log.Warn().
				Err(err).
				Str("job_id", job.ID).
				Str("app_id", tx.AppID).
				Int("transaction", i).
				Msg("report transaction rejected")
			if w.obs != nil {
				w.obs.JobFailuresTotal.WithLabelValues(string(job.Type), "rejected").Inc()
			}
		}
	}
	return nil
}

func (w *Worker) applyTransaction(ctx context.Context, serviceID string, tx ports.Transaction) error {
	app, err := w.apps.LoadOrFail(ctx, serviceID, tx.AppID)
	if err != nil {
		return err
	}

	var u *user.User
	if app.UserRequired {
		if tx.UserID == "" {
			return store.UserRequiredError{AppID: app.ID}
		}
		svc, err := w.services.LoadOrFail(ctx, serviceID)
		if err != nil {
			return err
		}
		u, err = w.users.LoadOrCreate(ctx, svc, tx.UserID)
		if err != nil {
			return err
		}
	}

	deltas := make(map[string]int64, len(tx.Usage))
	for name, delta := range tx.Usage {
		id, err := w.metrics.LoadIDByName(ctx, serviceID, name)
		if err != nil {
			return err
		}
		deltas[id] += delta
	}

	up := store.Update{
		ServiceID: serviceID,
		AppID:     app.ID,
		AppPlanID: app.PlanID,
		Deltas:    deltas,
	}
	if u != nil {
		up.Username = u.Username
		up.UserPlanID = u.PlanID
	}
	return w.counters.Increment(ctx, up, w.clock.Now())
}

// transactionFailure classifies a whole-job error the same way
// per-transaction ones are: expected rejections are logged and swallowed,
// faults propagate and get counted by Handle.
func (w *Worker) transactionFailure(job ports.Job, err error) error {
	if !IsRejection(err) {
		return err
	}
	w.log.Warn().Err(err).Str("job_id", job.ID).Msg("report job rejected")
	if w.obs != nil {
		w.obs.JobFailuresTotal.WithLabelValues(string(job.Type), "rejected").Inc()
	}
	return nil
}

// IsRejection distinguishes expected business rejections from bugs and
// infrastructure faults. Rejections are terminal: retrying them cannot
// succeed, so jobs record them and move on instead of failing redelivery.
func IsRejection(err error) bool {
	var (
		appNotFound     store.ApplicationNotFoundError
		svcNotFound     store.ServiceNotFoundError
		metricNotFound  store.MetricNotFoundError
		userKeyInvalid  store.UserKeyInvalidError
		authInvalid     store.AuthenticationError
		userRequired    store.UserRequiredError
		regRequired     store.ServiceRequiresRegisteredUserError
		planRequired    store.ServiceRequiresDefaultUserPlanError
		inconsistentDat store.InconsistentDataError
	)
	switch {
	case errors.As(err, &appNotFound),
		errors.As(err, &svcNotFound),
		errors.As(err, &metricNotFound),
		errors.As(err, &userKeyInvalid),
		errors.As(err, &authInvalid),
		errors.As(err, &userRequired),
		errors.As(err, &regRequired),
		errors.As(err, &planRequired),
		errors.As(err, &inconsistentDat),
		errors.Is(err, ports.ErrAccessTokenInvalid):
		return true
	}
	return false
}
