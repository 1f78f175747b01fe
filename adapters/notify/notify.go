// Package notify implements the operational notifier over the process log.
// Messages are anomaly reports, not errors: delivery is fire-and-forget and
// never fails the caller.
package notify

import (
	"github.com/rs/zerolog"

	"github.com/artpar/meterd/ports"
)

// Logger notifies by emitting warn-level log events.
type Logger struct {
	log zerolog.Logger
}

var _ ports.Notifier = (*Logger)(nil)

// NewLogger creates a notifier writing to the given logger.
func NewLogger(log zerolog.Logger) *Logger {
	return &Logger{log: log}
}

// Notify implements ports.Notifier.
func (l *Logger) Notify(msg string) {
	l.log.Warn().Str("component", "notifier").Msg(msg)
}
