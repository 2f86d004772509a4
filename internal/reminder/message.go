package reminder

import "fmt"

// ComposeReminder builds the human-readable reminder text. bankName is
// appended parenthetically after the service name when non-empty.
// Three fixed templates keyed by the day gap: today, tomorrow, in N days.
func ComposeReminder(serviceName, bankName string, daysUntil int) string {
	name := serviceName
	if bankName != "" {
		name = fmt.Sprintf("%s (%s)", serviceName, bankName)
	}

	switch daysUntil {
	case 0:
		return fmt.Sprintf("🔔 Reminder: your %s subscription payment is due TODAY.", name)
	case 1:
		return fmt.Sprintf("🔔 Reminder: your %s subscription payment is due TOMORROW.", name)
	default:
		return fmt.Sprintf("🔔 Reminder: your %s subscription payment is due in %d days.", name, daysUntil)
	}
}

// ComposeTitle builds the short notification title for the audit record.
func ComposeTitle(serviceName string) string {
	return fmt.Sprintf("Payment reminder: %s", serviceName)
}

// TestMessage is the fixed body sent by the test trigger.
const TestMessage = "✅ SubTrack test message: your WhatsApp reminders are set up correctly."
