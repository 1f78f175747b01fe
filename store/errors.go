package store

import "fmt"

// ApplicationNotFoundError rejects a request naming an unknown application.
// Never retried.
type ApplicationNotFoundError struct {
	ID string
}

func (e ApplicationNotFoundError) Error() string {
	if e.ID == "" {
		return "application not found"
	}
	return fmt.Sprintf("application %q not found", e.ID)
}

// ServiceNotFoundError rejects a request naming an unknown service.
type ServiceNotFoundError struct {
	ID string
}

func (e ServiceNotFoundError) Error() string {
	return fmt.Sprintf("service %q not found", e.ID)
}

// MetricNotFoundError rejects usage against an unknown metric name.
type MetricNotFoundError struct {
	ServiceID string
	Name      string
}

func (e MetricNotFoundError) Error() string {
	return fmt.Sprintf("metric %q not found in service %q", e.Name, e.ServiceID)
}

// UserKeyInvalidError rejects identity resolution by an unmapped user key.
type UserKeyInvalidError struct {
	UserKey string
}

func (e UserKeyInvalidError) Error() string {
	return fmt.Sprintf("user key %q is invalid", e.UserKey)
}

// AuthenticationError rejects contradictory credentials, e.g. an explicit
// app id together with a user key.
type AuthenticationError struct{}

func (AuthenticationError) Error() string {
	return "either app_id or user_key must be used, not both"
}

// UserRequiredError rejects a request that names no user for an application
// that requires one.
type UserRequiredError struct {
	AppID string
}

func (e UserRequiredError) Error() string {
	return fmt.Sprintf("application %q requires a user id", e.AppID)
}

// ServiceRequiresRegisteredUserError rejects open-loop user creation on a
// service that only accepts registered users.
type ServiceRequiresRegisteredUserError struct {
	ServiceID string
	Username  string
}

func (e ServiceRequiresRegisteredUserError) Error() string {
	return fmt.Sprintf("user %q is not registered in service %q", e.Username, e.ServiceID)
}

// ServiceRequiresDefaultUserPlanError signals a service misconfigured for
// open-loop user creation.
type ServiceRequiresDefaultUserPlanError struct {
	ServiceID string
}

func (e ServiceRequiresDefaultUserPlanError) Error() string {
	return fmt.Sprintf("service %q has no default user plan", e.ServiceID)
}

// InconsistentDataError is a caller error: a mutation that would register
// inconsistent state, e.g. a credential mapping with a blank identifier.
// Raised immediately, never retried.
type InconsistentDataError struct {
	Reason string
}

func (e InconsistentDataError) Error() string {
	return "inconsistent data: " + e.Reason
}
