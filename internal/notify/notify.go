// Package notify surfaces engine events as desktop notifications.
package notify

import (
	"log/slog"

	"github.com/gen2brain/beeep"
)

// Notifier sends desktop notifications. A nil Notifier is a no-op, so
// callers don't branch on whether notifications are enabled.
type Notifier struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger.With("component", "notify")}
}

// Send shows one notification. Failures are logged and swallowed; a missing
// notification daemon must never affect mining.
func (n *Notifier) Send(title, body string) {
	if n == nil {
		return
	}
	if err := beeep.Notify(title, body, ""); err != nil {
		n.logger.Debug("notification failed", "error", err)
	}
}
