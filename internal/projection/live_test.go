package projection

import (
	"testing"
	"time"

	"tribe/api/internal/docstore"
	"tribe/api/internal/rbac"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func checkInDoc(id, userID string, ts time.Time) docstore.Document {
	return docstore.Document{ID: id, Fields: map[string]any{
		"userId":        userID,
		"userEmail":     userID + "@tribe.example",
		"mood":          "calm",
		"moodIntensity": 3,
		"energyLevel":   "good",
		"needsSupport":  false,
		"urgent":        false,
		"timestamp":     ts,
		"handled":       false,
	}}
}

func supportDoc(id string, handled bool, ts time.Time) docstore.Document {
	return docstore.Document{ID: id, Fields: map[string]any{
		"checkInId":     "ci_" + id,
		"userId":        "u2",
		"userEmail":     "u2@tribe.example",
		"mood":          "anxious",
		"moodIntensity": 4,
		"energyLevel":   "low",
		"urgent":        true,
		"timestamp":     ts,
		"handled":       handled,
	}}
}

func strategyDoc(id string, approved, archived bool) docstore.Document {
	return docstore.Document{ID: id, Fields: map[string]any{
		"content":   "short walks between calls",
		"category":  "Physical Activity",
		"debriefId": "db_1",
		"userId":    "u2",
		"userEmail": "u2@tribe.example",
		"timestamp": time.Date(2024, 3, 11, 17, 0, 0, 0, time.UTC),
		"approved":  approved,
		"archived":  archived,
	}}
}

func newManagerLive() *Live {
	clock := fixedClock{now: time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)}
	return NewLive("u1", rbac.RoleManager, clock, nil)
}

func TestLiveManagerBuckets(t *testing.T) {
	live := newManagerLive()
	base := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)

	live.ApplySnapshot(SourcePersonalCheckIns, []docstore.Document{
		checkInDoc("ci_1", "u1", base),
	})
	live.ApplySnapshot(SourceTeamCheckIns, []docstore.Document{
		checkInDoc("ci_1", "u1", base),
		checkInDoc("ci_2", "u2", base.Add(time.Hour)),
	})
	live.ApplySnapshot(SourceSupportRequests, []docstore.Document{
		supportDoc("sr_1", false, base),
		supportDoc("sr_2", true, base),
	})
	live.ApplySnapshot(SourceStrategies, []docstore.Document{
		strategyDoc("st_1", false, false),
		strategyDoc("st_2", true, false),
	})

	state := live.State()
	if len(state.PersonalHistory) != 1 || state.PersonalHistory[0].ID != "ci_1" {
		t.Fatalf("personal history: %+v", state.PersonalHistory)
	}
	if len(state.TeamHistory) != 2 || state.TeamHistory[0].ID != "ci_2" {
		t.Fatalf("team history: %+v", state.TeamHistory)
	}
	if len(state.PendingSupport) != 1 || len(state.HandledSupport) != 1 {
		t.Fatalf("support buckets: %+v", state)
	}
	if len(state.PendingStrategies) != 1 || len(state.ApprovedStrategies) != 1 {
		t.Fatalf("strategy buckets: %+v", state)
	}
	if state.Notifications.Total != 2 {
		t.Fatalf("notifications total = %d, want 2", state.Notifications.Total)
	}
}

func TestLiveStaffSkipsManagerBuckets(t *testing.T) {
	clock := fixedClock{now: time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)}
	live := NewLive("u2", rbac.RoleStaff, clock, nil)

	// A staff session never subscribes to these, but a stray snapshot must
	// not leak into the reduced state either.
	live.ApplySnapshot(SourceSupportRequests, []docstore.Document{
		supportDoc("sr_1", false, clock.now),
	})
	live.ApplySnapshot(SourcePersonalCheckIns, []docstore.Document{
		checkInDoc("ci_1", "u2", clock.now),
	})

	state := live.State()
	if len(state.PendingSupport) != 0 || state.Notifications.Total != 0 {
		t.Fatalf("staff state has manager buckets: %+v", state)
	}
	if len(state.PersonalHistory) != 1 {
		t.Fatalf("personal history: %+v", state.PersonalHistory)
	}
}

func TestLiveSkipsMalformedDocuments(t *testing.T) {
	live := newManagerLive()
	live.ApplySnapshot(SourceTeamCheckIns, []docstore.Document{
		checkInDoc("ci_ok", "u2", time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)),
		{ID: "ci_bad", Fields: map[string]any{"userId": "u2"}},
	})

	state := live.State()
	if len(state.TeamHistory) != 1 || state.TeamHistory[0].ID != "ci_ok" {
		t.Fatalf("team history: %+v", state.TeamHistory)
	}
}

func TestLiveOptimisticInsertRetires(t *testing.T) {
	live := newManagerLive()
	ts := time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)
	live.ApplySnapshot(SourcePersonalCheckIns, nil)

	doc := checkInDoc("ci_new", "u1", ts)
	live.ApplyPatch(Patch{
		OpID:   "op_1",
		Source: SourcePersonalCheckIns,
		DocID:  doc.ID,
		Fields: doc.Fields,
		Insert: true,
	})

	state := live.State()
	if len(state.PersonalHistory) != 1 || state.PersonalHistory[0].ID != "ci_new" {
		t.Fatalf("optimistic insert missing: %+v", state.PersonalHistory)
	}

	// Authoritative snapshot arrives; the patch retires and the entry stays.
	live.ApplySnapshot(SourcePersonalCheckIns, []docstore.Document{doc})
	state = live.State()
	if len(state.PersonalHistory) != 1 {
		t.Fatalf("after retirement: %+v", state.PersonalHistory)
	}

	// Reverting the retired op id is a no-op.
	live.RevertPatch("op_1")
	if got := live.State(); len(got.PersonalHistory) != 1 {
		t.Fatalf("after revert of retired patch: %+v", got.PersonalHistory)
	}
}

func TestLiveOptimisticUpdateRevert(t *testing.T) {
	live := newManagerLive()
	ts := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)
	live.ApplySnapshot(SourceSupportRequests, []docstore.Document{
		supportDoc("sr_1", false, ts),
	})

	live.ApplyPatch(Patch{
		OpID:   "op_resolve",
		Source: SourceSupportRequests,
		DocID:  "sr_1",
		Fields: map[string]any{"handled": true, "handledBy": "ana"},
	})
	state := live.State()
	if len(state.PendingSupport) != 0 || len(state.HandledSupport) != 1 {
		t.Fatalf("optimistic move: pending=%d handled=%d", len(state.PendingSupport), len(state.HandledSupport))
	}
	if state.Notifications.Total != 0 {
		t.Fatalf("notifications after optimistic resolve: %d", state.Notifications.Total)
	}

	// The write failed; the request returns to the pending bucket.
	live.RevertPatch("op_resolve")
	state = live.State()
	if len(state.PendingSupport) != 1 || len(state.HandledSupport) != 0 {
		t.Fatalf("after revert: pending=%d handled=%d", len(state.PendingSupport), len(state.HandledSupport))
	}
}

func TestLiveOptimisticUpdateSurvivesUnrelatedSnapshot(t *testing.T) {
	live := newManagerLive()
	ts := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)
	live.ApplySnapshot(SourceSupportRequests, []docstore.Document{
		supportDoc("sr_1", false, ts),
		supportDoc("sr_2", false, ts),
	})

	live.ApplyPatch(Patch{
		OpID:   "op_resolve",
		Source: SourceSupportRequests,
		DocID:  "sr_1",
		Fields: map[string]any{"handled": true},
	})

	// Another manager's write refreshes the snapshot before ours commits.
	// sr_1 is still unhandled there, so the patch stays applied.
	live.ApplySnapshot(SourceSupportRequests, []docstore.Document{
		supportDoc("sr_1", false, ts),
	})
	state := live.State()
	if len(state.HandledSupport) != 1 || state.HandledSupport[0].ID != "sr_1" {
		t.Fatalf("patch dropped by unrelated snapshot: %+v", state)
	}
}

func TestLiveScheduleSelection(t *testing.T) {
	live := newManagerLive()
	scheduleDoc := func(id, start, end string) docstore.Document {
		return docstore.Document{ID: id, Fields: map[string]any{
			"weekDates": map[string]any{"startDate": start, "endDate": end},
		}}
	}
	live.ApplySnapshot(SourceSchedules, []docstore.Document{
		scheduleDoc("sched_past", "2024-03-03", "2024-03-09"),
		scheduleDoc("sched_now", "2024-03-10", "2024-03-16"),
	})

	state := live.State()
	if state.SelectedScheduleID != "sched_now" {
		t.Fatalf("default selection: %q", state.SelectedScheduleID)
	}
	if state.CurrentSchedule == nil || state.CurrentSchedule.ID != "sched_now" {
		t.Fatalf("current schedule: %+v", state.CurrentSchedule)
	}

	live.SelectSchedule("sched_past")
	if got := live.State().SelectedScheduleID; got != "sched_past" {
		t.Fatalf("explicit selection: %q", got)
	}

	// Clearing the choice returns to the default.
	live.SelectSchedule("")
	if got := live.State().SelectedScheduleID; got != "sched_now" {
		t.Fatalf("selection after clear: %q", got)
	}
}
