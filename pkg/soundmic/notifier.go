package soundmic

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier provides generic notification sending
type Notifier interface {
	// Notify shows a passing status message.
	Notify(title string, message string)
	// Alert shows a message the user has to acknowledge.
	Alert(title string, message string)
}

// ToastNotifier provides toast notifications for Windows and desktop notifications elsewhere
type ToastNotifier struct {
	logger *zap.SugaredLogger
}

// NewToastNotifier creates a new ToastNotifier
func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	tn := &ToastNotifier{logger: logger}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// Notify sends a toast notification (or falls back to other types of notification for older Windows versions)
func (tn *ToastNotifier) Notify(title string, message string) {
	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, ""); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}

// Alert shows a notification with an alert sound, for failures the user must act on
func (tn *ToastNotifier) Alert(title string, message string) {
	tn.logger.Warnw("Sending alert", "title", title, "message", message)

	if err := beeep.Alert(title, message, ""); err != nil {
		tn.logger.Errorw("Failed to send alert", "error", err)
	}
}
