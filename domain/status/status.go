// Package status holds the ephemeral outcome of one authorization or report
// validation pass.
package status

import (
	"github.com/artpar/meterd/domain/application"
	"github.com/artpar/meterd/domain/limits"
	"github.com/artpar/meterd/domain/user"
)

// Rejection codes surfaced to the transport layer.
const (
	ApplicationNotActive  = "application_not_active"
	ApplicationKeyInvalid = "application_key_invalid"
	ReferrerNotAllowed    = "referrer_not_allowed"
	UserNotActive         = "user_not_active"
	LimitsExceeded        = "limits_exceeded"
	RedirectURIInvalid    = "redirect_uri_invalid"
)

var rejectionMessages = map[string]string{
	ApplicationNotActive:  "application is not active",
	ApplicationKeyInvalid: "application key is missing or invalid",
	ReferrerNotAllowed:    "referrer is not allowed",
	UserNotActive:         "user is not active",
	LimitsExceeded:        "usage limits are exceeded",
	RedirectURIInvalid:    "redirect_uri is invalid",
}

// Status aggregates the outcome of one authorization/report attempt.
// It starts authorized; the first rejection sticks.
type Status struct {
	ServiceID   string
	Application application.Application
	User        *user.User

	// Predicted is true for authorize-style calls where the proposed usage
	// is checked but never committed.
	Predicted bool

	UsageReports     []limits.UsageReport
	UserUsageReports []limits.UsageReport

	rejected      bool
	rejectionCode string
}

// New builds a Status for the given subjects.
func New(serviceID string, app application.Application, u *user.User) *Status {
	return &Status{ServiceID: serviceID, Application: app, User: u}
}

// Authorized reports whether no validator has rejected the attempt.
func (s *Status) Authorized() bool {
	return !s.rejected
}

// Reject marks the status unauthorized. The first rejection wins; later
// calls are ignored so the earliest failing validator owns the code.
func (s *Status) Reject(code string) {
	if s.rejected {
		return
	}
	s.rejected = true
	s.rejectionCode = code
}

// RejectionCode returns the code of the failing validator, empty when
// authorized.
func (s *Status) RejectionCode() string {
	return s.rejectionCode
}

// RejectionMessage returns the human-readable reason, empty when authorized.
func (s *Status) RejectionMessage() string {
	return rejectionMessages[s.rejectionCode]
}

// AllReports returns the application reports followed by the user reports.
func (s *Status) AllReports() []limits.UsageReport {
	out := make([]limits.UsageReport, 0, len(s.UsageReports)+len(s.UserUsageReports))
	out = append(out, s.UsageReports...)
	return append(out, s.UserUsageReports...)
}
