// Package notify delivers operator-facing failure notifications.
package notify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
)

// MaxMessageLength is the longest message body handed to the desktop
const MaxMessageLength = 255

const (
	notificationsBusName   = "org.freedesktop.Notifications"
	notificationsPath      = dbus.ObjectPath("/org/freedesktop/Notifications")
	notificationsNotifyMsg = "org.freedesktop.Notifications.Notify"
)

// Notifier shows a short message to the operator
type Notifier interface {
	Notify(title, message string)
}

// Truncate shortens message to MaxMessageLength characters
func Truncate(message string) string {
	runes := []rune(message)
	if len(runes) <= MaxMessageLength {
		return message
	}
	return string(runes[:MaxMessageLength])
}

// DBusNotifier sends desktop notifications over the session bus
type DBusNotifier struct {
	conn    *dbus.Conn
	appName string
	timeout time.Duration
	logger  *slog.Logger
}

// NewDBusNotifier connects to the session bus
func NewDBusNotifier(appName string, timeout time.Duration, logger *slog.Logger) (*DBusNotifier, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	return &DBusNotifier{
		conn:    conn,
		appName: appName,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Notify implements Notifier. Delivery failures are logged, not returned.
func (n *DBusNotifier) Notify(title, message string) {
	obj := n.conn.Object(notificationsBusName, notificationsPath)
	call := obj.Call(notificationsNotifyMsg, 0,
		n.appName,
		uint32(0), // replaces_id
		"",        // app_icon
		title,
		Truncate(message),
		[]string{},
		map[string]dbus.Variant{},
		int32(n.timeout.Milliseconds()),
	)
	if call.Err != nil {
		n.logger.Warn("failed to deliver desktop notification", "title", title, "error", call.Err)
	}
}

// LogNotifier reports notifications through the logger only
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that writes to logger
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier
func (n *LogNotifier) Notify(title, message string) {
	n.logger.Warn("notification", "title", title, "message", Truncate(message))
}

// New returns a desktop notifier when enabled and a session bus is reachable,
// otherwise a LogNotifier.
func New(enabled bool, appName string, timeout time.Duration, logger *slog.Logger) Notifier {
	if !enabled {
		return NewLogNotifier(logger)
	}

	n, err := NewDBusNotifier(appName, timeout, logger)
	if err != nil {
		logger.Warn("desktop notifications unavailable, falling back to log output", "error", err)
		return NewLogNotifier(logger)
	}
	return n
}
