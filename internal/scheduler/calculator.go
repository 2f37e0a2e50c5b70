// Package scheduler turns a session into trackable notification jobs: it
// computes absolute send times per notification kind, persists jobs and
// their owning batch, groups jobs to minimize external queue traffic, and
// publishes one delayed message per group. It also hosts the retry and
// cancellation control operations.
package scheduler

import (
	"time"

	"remindq/internal/types"
)

// kindOffset returns the send time for one notification kind relative to the
// session anchor.
func kindOffset(kind types.NotificationKind, startsAt time.Time, duration time.Duration) time.Time {
	switch kind {
	case types.KindPrep48h:
		return startsAt.Add(-48 * time.Hour)
	case types.KindPrep24h:
		return startsAt.Add(-24 * time.Hour)
	case types.KindFeedbackImmediate:
		return startsAt.Add(duration)
	default:
		return time.Time{}
	}
}

// SendTimes computes the map of notification kind to absolute send time for
// a session anchored at startsAt. A computed time more than grace in the
// past is dropped rather than reported as an error: scheduling a same-day
// session simply skips the reminders that no longer make sense while still
// scheduling the ones that do. A time within the grace window is kept and
// will publish with zero delay.
func SendTimes(startsAt time.Time, duration, grace time.Duration, now time.Time) map[types.NotificationKind]time.Time {
	if startsAt.IsZero() {
		return nil
	}

	cutoff := now.Add(-grace)
	times := make(map[types.NotificationKind]time.Time, len(types.AllKinds))
	for _, kind := range types.AllKinds {
		t := kindOffset(kind, startsAt, duration)
		if t.IsZero() || t.Before(cutoff) {
			continue
		}
		times[kind] = t.UTC()
	}
	if len(times) == 0 {
		return nil
	}
	return times
}
