// Package service defines the service entity (value type).
package service

// Service owns applications, users, metrics and plans. The default user
// plan is what first-seen users are snapshotted onto when the service does
// not require registration.
type Service struct {
	ID                       string
	State                    string
	UserRegistrationRequired bool
	DefaultUserPlanID        string
	DefaultUserPlanName      string
}

// Active reports whether the service accepts traffic.
func (s Service) Active() bool {
	return s.State == "active"
}

// HasDefaultUserPlan reports whether open-loop user creation can proceed.
func (s Service) HasDefaultUserPlan() bool {
	return s.DefaultUserPlanID != "" && s.DefaultUserPlanName != ""
}
