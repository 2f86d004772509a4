package reminder

import (
	"fmt"
	"math"
	"time"

	"github.com/subtrackhq/subtrack/internal/db"
)

// Classification is the outcome of evaluating one subscription at one instant.
type Classification int

const (
	Eligible Classification = iota
	Inactive
	NoDestination
	NotDueThisCycle
	AlreadySentToday
	NotYetTime
)

func (c Classification) String() string {
	switch c {
	case Eligible:
		return "eligible"
	case Inactive:
		return "inactive"
	case NoDestination:
		return "no_destination"
	case NotDueThisCycle:
		return "not_due_this_cycle"
	case AlreadySentToday:
		return "already_sent_today"
	case NotYetTime:
		return "not_yet_time"
	default:
		return "unknown"
	}
}

// Evaluation is the result of Evaluate. Destination and DaysUntil are only
// meaningful once the corresponding checks have passed.
type Evaluation struct {
	Class       Classification
	Destination string
	DaysUntil   int
}

// Evaluate decides whether a reminder is due for sub at the instant now.
// fallbackNumber is the user-level profile number used when the
// subscription has none. Pure: no I/O, no side effects.
//
// The checks run in a fixed order and the first failing one wins:
// status, destination, day offset, sent-today dedup, clock minute.
func Evaluate(sub *db.Subscription, fallbackNumber *string, now time.Time) (Evaluation, error) {
	if sub.Status != db.SubStatusActive {
		return Evaluation{Class: Inactive}, nil
	}

	dest := resolveDestination(sub, fallbackNumber)
	if dest == "" {
		return Evaluation{Class: NoDestination}, nil
	}

	daysUntil, err := DaysUntil(sub.NextPaymentDate, now)
	if err != nil {
		return Evaluation{}, fmt.Errorf("subscription %s: %w", sub.ID, err)
	}

	ev := Evaluation{Destination: dest, DaysUntil: daysUntil}

	if daysUntil != sub.ReminderDaysBefore {
		ev.Class = NotDueThisCycle
		return ev, nil
	}

	if sub.LastReminderSent != nil && sameCalendarDay(*sub.LastReminderSent, now) {
		ev.Class = AlreadySentToday
		return ev, nil
	}

	hour, minute, err := parseClock(reminderTimeOrDefault(sub))
	if err != nil {
		return Evaluation{}, fmt.Errorf("subscription %s: %w", sub.ID, err)
	}

	// Exact-minute match: a scan that runs less often than once per minute
	// will miss the window for that day. The in-process cron fires every
	// minute for this reason.
	if now.Hour() != hour || now.Minute() != minute {
		ev.Class = NotYetTime
		return ev, nil
	}

	ev.Class = Eligible
	return ev, nil
}

func resolveDestination(sub *db.Subscription, fallbackNumber *string) string {
	if sub.WhatsAppNumber != nil && *sub.WhatsAppNumber != "" {
		return *sub.WhatsAppNumber
	}
	if fallbackNumber != nil && *fallbackNumber != "" {
		return *fallbackNumber
	}
	return ""
}

func reminderTimeOrDefault(sub *db.Subscription) string {
	if sub.ReminderTime == "" {
		return db.DefaultReminderTime
	}
	return sub.ReminderTime
}

// DaysUntil computes the whole-calendar-day gap between a stored plain
// date ("2006-01-02") and now's calendar day. Both dates are anchored to
// midnight in now's location before the subtraction; the stored string is
// split into y/m/d components directly, never interpreted as a UTC
// instant, so the computed day never shifts across the zone boundary.
func DaysUntil(plainDate string, now time.Time) (int, error) {
	target, err := time.Parse("2006-01-02", plainDate)
	if err != nil {
		return 0, fmt.Errorf("invalid payment date %q: %w", plainDate, err)
	}

	loc := now.Location()
	targetMidnight := time.Date(target.Year(), target.Month(), target.Day(), 0, 0, 0, 0, loc)
	todayMidnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	// Round instead of truncate so a DST transition inside the span cannot
	// knock the 24h multiple off by an hour.
	return int(math.Round(targetMidnight.Sub(todayMidnight).Hours() / 24)), nil
}

func sameCalendarDay(a, b time.Time) bool {
	a = a.In(b.Location())
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}

func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid reminder time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}
