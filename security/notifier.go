package security

import (
	"fmt"
	"strings"

	"github.com/stationops/geofence/util"
)

// Notification priorities, highest last.
const (
	PriorityLow      = "LOW"
	PriorityMedium   = "MEDIUM"
	PriorityHigh     = "HIGH"
	PriorityCritical = "CRITICAL"
)

// Notification is an outbound alert handed to the delivery collaborator.
type Notification struct {
	Recipients []string
	Subject    string
	Body       string
	Priority   string
}

// Notifier delivers alerts to leadership, IT and end users. Delivery is
// informational: callers record the outcome but never block on it.
type Notifier interface {
	Send(n Notification) error
}

// LogNotifier is the default Notifier. It writes the alert through the
// security event log instead of an external channel, which keeps every
// notification visible in deployments without a mail relay.
type LogNotifier struct{}

func (LogNotifier) Send(n Notification) error {
	if len(n.Recipients) == 0 {
		return fmt.Errorf("notification has no recipients")
	}
	util.LogSecurityEvent(util.SecurityEvent{
		EventType: util.EventNotification,
		Message:   fmt.Sprintf("[%s] %s -> %s", n.Priority, n.Subject, strings.Join(n.Recipients, ",")),
		Details: map[string]interface{}{
			"recipients": n.Recipients,
			"priority":   n.Priority,
			"subject":    n.Subject,
		},
	})
	return nil
}
