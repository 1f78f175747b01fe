// Package application defines the application entity (value type).
// Persistence lives in store; nothing here touches I/O.
package application

// State is the lifecycle state of an application.
type State string

const (
	StateActive    State = "active"
	StateSuspended State = "suspended"
)

// Application is one consumer of a service, bound to a plan.
// Version is an advisory cache-coherence token bumped on every mutation;
// it is not a conflict-detection mechanism.
type Application struct {
	ServiceID    string
	ID           string
	State        State
	PlanID       string
	PlanName     string
	RedirectURL  string
	UserRequired bool
	Version      int64
}

// Active reports whether the application may authorize traffic.
func (a Application) Active() bool {
	return a.State == StateActive
}

// Update is a typed partial update: only non-nil fields are applied.
type Update struct {
	State        *State
	PlanID       *string
	PlanName     *string
	RedirectURL  *string
	UserRequired *bool
}

// Apply returns a copy of a with the set fields of u applied.
// This is a PURE function.
func (u Update) Apply(a Application) Application {
	if u.State != nil {
		a.State = *u.State
	}
	if u.PlanID != nil {
		a.PlanID = *u.PlanID
	}
	if u.PlanName != nil {
		a.PlanName = *u.PlanName
	}
	if u.RedirectURL != nil {
		a.RedirectURL = *u.RedirectURL
	}
	if u.UserRequired != nil {
		a.UserRequired = *u.UserRequired
	}
	return a
}
