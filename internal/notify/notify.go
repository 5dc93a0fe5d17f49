// Package notify delivers backup failure notifications to the user.
package notify

import (
	"fmt"

	"github.com/gen2brain/beeep"

	"commitpal/internal/config"
	"commitpal/internal/pal"
)

// AppName is shown as the sender of desktop notifications.
const AppName = "commitpal"

// Sender shows one desktop notification.
type Sender func(title, body string) error

// BeeepSender sends through the platform notification service: D-Bus on
// Linux and BSD, Notification Center on macOS, toasts on Windows.
func BeeepSender(title, body string) error {
	return beeep.Notify(title, body, "")
}

// Desktop shows notifications on the user's desktop.
type Desktop struct {
	send Sender
}

var _ pal.Notifier = (*Desktop)(nil)

// NewDesktop creates a Desktop notifier backed by beeep.
func NewDesktop() *Desktop {
	beeep.AppName = AppName
	return NewDesktopWithSender(BeeepSender)
}

// NewDesktopWithSender creates a Desktop notifier that delivers through send.
func NewDesktopWithSender(send Sender) *Desktop {
	return &Desktop{send: send}
}

func (d *Desktop) Notify(title, body string) error {
	if err := d.send(AppName+": "+title, body); err != nil {
		return fmt.Errorf("sending desktop notification: %w", err)
	}
	return nil
}

// Log writes notifications to the logger only.
type Log struct {
	logger pal.Logger
}

var _ pal.Notifier = (*Log)(nil)

func NewLog(logger pal.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(title, body string) error {
	l.logger.Warn(title, "detail", body)
	return nil
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(string, string) error { return nil }

// NewFromConfig creates the notifier selected by cfg.Type.
func NewFromConfig(cfg config.NotificationsConfig, logger pal.Logger) (pal.Notifier, error) {
	switch cfg.Type {
	case "desktop", "":
		return NewDesktop(), nil
	case "log":
		return NewLog(logger), nil
	case "none":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown notifications type: %q", cfg.Type)
	}
}
