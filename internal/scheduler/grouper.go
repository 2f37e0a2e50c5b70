package scheduler

import (
	"time"

	"remindq/internal/types"
)

// Group is a set of jobs sharing notification kind and scheduled time,
// published to the external queue as a single message carrying the whole
// recipient list. This bounds queue traffic per session to the number of
// distinct (kind, time) pairs regardless of participant count.
type Group struct {
	Kind         types.NotificationKind
	ScheduledFor time.Time
	Jobs         []*types.Job
}

type groupKey struct {
	kind types.NotificationKind
	at   int64
}

// GroupJobs partitions jobs by (kind, scheduled-for). Grouping is pure and
// order-stable: groups appear in order of their first member, and jobs keep
// their input order within a group.
func GroupJobs(jobs []*types.Job) []Group {
	if len(jobs) == 0 {
		return nil
	}

	index := make(map[groupKey]int)
	groups := make([]Group, 0, 4)
	for _, job := range jobs {
		key := groupKey{kind: job.Kind, at: job.ScheduledFor.UnixNano()}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Kind: job.Kind, ScheduledFor: job.ScheduledFor})
		}
		groups[i].Jobs = append(groups[i].Jobs, job)
	}
	return groups
}
