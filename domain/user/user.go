// Package user defines the per-service user entity (value type).
package user

// User is identified by username within a service. The plan fields are a
// snapshot taken from the service defaults at creation time, not a live
// reference.
type User struct {
	ServiceID string
	Username  string
	State     string
	PlanID    string
	PlanName  string
}

// Active reports whether the user may authorize traffic.
func (u User) Active() bool {
	return u.State == "active"
}
