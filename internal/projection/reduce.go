// Package projection turns document snapshots into the per-session view
// state the portal renders: history buckets, triage queues, the roster and
// the active focus, plus the notification counters derived from them.
package projection

import (
	"sort"
	"time"

	"tribe/api/internal/store"
)

// SupportPartition splits support requests by handled flag. Order within a
// bucket is newest first.
type SupportPartition struct {
	Pending []store.SupportRequest
	Handled []store.SupportRequest
}

func PartitionSupport(requests []store.SupportRequest) SupportPartition {
	var p SupportPartition
	for _, r := range requests {
		if r.Handled {
			p.Handled = append(p.Handled, r)
		} else {
			p.Pending = append(p.Pending, r)
		}
	}
	sort.SliceStable(p.Pending, func(i, j int) bool {
		return p.Pending[i].Timestamp.After(p.Pending[j].Timestamp)
	})
	sort.SliceStable(p.Handled, func(i, j int) bool {
		return p.Handled[i].Timestamp.After(p.Handled[j].Timestamp)
	})
	return p
}

// StrategyPartition splits strategies into the three review states. A
// strategy is pending only while neither approved nor archived.
type StrategyPartition struct {
	Pending  []store.Strategy
	Approved []store.Strategy
	Archived []store.Strategy
}

func PartitionStrategies(strategies []store.Strategy) StrategyPartition {
	var p StrategyPartition
	for _, s := range strategies {
		switch {
		case s.Archived:
			p.Archived = append(p.Archived, s)
		case s.Approved:
			p.Approved = append(p.Approved, s)
		default:
			p.Pending = append(p.Pending, s)
		}
	}
	return p
}

// SortHistory orders check-ins newest first, in place, and returns the slice.
func SortHistory(checkIns []store.CheckIn) []store.CheckIn {
	sort.SliceStable(checkIns, func(i, j int) bool {
		return checkIns[i].Timestamp.After(checkIns[j].Timestamp)
	})
	return checkIns
}

// PersonalHistory keeps only the given user's check-ins, newest first.
func PersonalHistory(checkIns []store.CheckIn, userID string) []store.CheckIn {
	var own []store.CheckIn
	for _, c := range checkIns {
		if c.UserID == userID {
			own = append(own, c)
		}
	}
	return SortHistory(own)
}

// CurrentSchedule returns the schedule whose week contains now, or nil.
func CurrentSchedule(schedules []store.OnCallSchedule, now time.Time) *store.OnCallSchedule {
	for i := range schedules {
		if schedules[i].WeekDates.Contains(now) {
			return &schedules[i]
		}
	}
	return nil
}

// DefaultScheduleSelection picks the schedule shown before the user chooses
// one: the current week's schedule when it exists, otherwise none.
func DefaultScheduleSelection(schedules []store.OnCallSchedule, now time.Time) string {
	if current := CurrentSchedule(schedules, now); current != nil {
		return current.ID
	}
	return ""
}

// ActiveFocus returns the single active monthly focus, or nil. If more than
// one document claims to be active the most recently created wins, matching
// how a rotation that raced an older write settles.
func ActiveFocus(focuses []store.MonthlyFocus) *store.MonthlyFocus {
	var active *store.MonthlyFocus
	for i := range focuses {
		f := &focuses[i]
		if !f.Active {
			continue
		}
		if active == nil || f.CreatedAt.After(active.CreatedAt) {
			active = f
		}
	}
	return active
}

// Notifications is the manager badge state. Total always equals the sum of
// the two pending lists.
type Notifications struct {
	PendingSupport    []store.SupportRequest `json:"pendingSupport"`
	PendingStrategies []store.Strategy       `json:"pendingStrategies"`
	Total             int                    `json:"total"`
}

func ComputeNotifications(pendingSupport []store.SupportRequest, pendingStrategies []store.Strategy) Notifications {
	return Notifications{
		PendingSupport:    pendingSupport,
		PendingStrategies: pendingStrategies,
		Total:             len(pendingSupport) + len(pendingStrategies),
	}
}
