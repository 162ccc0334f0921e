package projection

import (
	"sync"

	"go.uber.org/zap"

	"tribe/api/internal/docstore"
	"tribe/api/internal/rbac"
	"tribe/api/internal/store"
)

// Snapshot sources. Personal and team check-in feeds come from separate
// subscriptions over the same collection, so they are distinct sources here.
const (
	SourcePersonalCheckIns = "personalCheckIns"
	SourceTeamCheckIns     = "teamCheckIns"
	SourceSupportRequests  = "supportRequests"
	SourceStrategies       = "strategies"
	SourceSchedules        = "onCallSchedule"
	SourceMonthlyFocus     = "monthlyFocus"
)

// Patch is a provisional mutation applied ahead of the store write it
// mirrors. An empty-DocID patch is never valid; callers allocate the
// document id before committing so the patch and the eventual snapshot
// agree on identity.
type Patch struct {
	OpID   string
	Source string
	DocID  string
	Fields map[string]any
	Insert bool
}

// State is the rendered view for one session. All slices are private copies.
type State struct {
	PersonalHistory []store.CheckIn

	TeamHistory        []store.CheckIn
	PendingSupport     []store.SupportRequest
	HandledSupport     []store.SupportRequest
	PendingStrategies  []store.Strategy
	ApprovedStrategies []store.Strategy
	ArchivedStrategies []store.Strategy

	Schedules          []store.OnCallSchedule
	CurrentSchedule    *store.OnCallSchedule
	SelectedScheduleID string
	ActiveFocus        *store.MonthlyFocus

	Notifications Notifications
}

// Live maintains the projection for one session: the latest snapshot per
// source, outstanding optimistic patches layered on top, and the reduced
// State handed to the HTTP layer.
type Live struct {
	userID string
	role   rbac.Role
	clock  docstore.Clock
	logger *zap.Logger

	mu            sync.Mutex
	snapshots     map[string][]docstore.Document
	patches       []Patch
	selectedID    string
	selectionMade bool
	state         State
}

func NewLive(userID string, role rbac.Role, clock docstore.Clock, logger *zap.Logger) *Live {
	if clock == nil {
		clock = docstore.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Live{
		userID:    userID,
		role:      role,
		clock:     clock,
		logger:    logger,
		snapshots: make(map[string][]docstore.Document),
	}
}

// ApplySnapshot replaces a source's document set and re-reduces. Patches
// already reflected in the new snapshot are retired.
func (l *Live) ApplySnapshot(source string, docs []docstore.Document) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots[source] = docs
	l.retirePatchesLocked(source, docs)
	l.reduceLocked()
}

// ApplyPatch layers a provisional mutation over the current snapshots.
func (l *Live) ApplyPatch(p Patch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.patches = append(l.patches, p)
	l.reduceLocked()
}

// RevertPatch discards a provisional mutation after its write failed.
func (l *Live) RevertPatch(opID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.patches[:0]
	for _, p := range l.patches {
		if p.OpID != opID {
			kept = append(kept, p)
		}
	}
	l.patches = kept
	l.reduceLocked()
}

// SelectSchedule pins the roster view to a schedule id. An empty id clears
// the explicit choice and returns to the default selection.
func (l *Live) SelectSchedule(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.selectedID = id
	l.selectionMade = id != ""
	l.reduceLocked()
}

// State returns the current reduced state.
func (l *Live) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// retirePatchesLocked drops patches whose effect the snapshot now carries:
// inserts once the document id appears, updates once every patched field
// matches the stored value.
func (l *Live) retirePatchesLocked(source string, docs []docstore.Document) {
	kept := l.patches[:0]
	for _, p := range l.patches {
		if p.Source != source || !patchReflected(p, docs) {
			kept = append(kept, p)
		}
	}
	l.patches = kept
}

func patchReflected(p Patch, docs []docstore.Document) bool {
	for _, doc := range docs {
		if doc.ID != p.DocID {
			continue
		}
		if p.Insert {
			return true
		}
		for field, want := range p.Fields {
			if got, ok := doc.Fields[field]; !ok || !docstore.ValuesEqual(got, want) {
				return false
			}
		}
		return true
	}
	return false
}

// overlaidLocked returns a source's documents with its patches applied.
func (l *Live) overlaidLocked(source string) []docstore.Document {
	docs := append([]docstore.Document(nil), l.snapshots[source]...)
	for _, p := range l.patches {
		if p.Source != source {
			continue
		}
		if p.Insert {
			docs = append(docs, docstore.Document{ID: p.DocID, Fields: p.Fields})
			continue
		}
		for i := range docs {
			if docs[i].ID != p.DocID {
				continue
			}
			merged := make(map[string]any, len(docs[i].Fields)+len(p.Fields))
			for k, v := range docs[i].Fields {
				merged[k] = v
			}
			for k, v := range p.Fields {
				merged[k] = v
			}
			docs[i] = docstore.Document{ID: docs[i].ID, Fields: merged}
		}
	}
	return docs
}

func (l *Live) reduceLocked() {
	now := l.clock.Now()
	next := State{}

	next.PersonalHistory = PersonalHistory(
		decodeCheckIns(l.overlaidLocked(SourcePersonalCheckIns), l.logger), l.userID)

	if l.role == rbac.RoleManager {
		next.TeamHistory = SortHistory(
			decodeCheckIns(l.overlaidLocked(SourceTeamCheckIns), l.logger))

		support := PartitionSupport(
			decodeSupport(l.overlaidLocked(SourceSupportRequests), l.logger))
		next.PendingSupport = support.Pending
		next.HandledSupport = support.Handled

		strategies := PartitionStrategies(
			decodeStrategies(l.overlaidLocked(SourceStrategies), l.logger))
		next.PendingStrategies = strategies.Pending
		next.ApprovedStrategies = strategies.Approved
		next.ArchivedStrategies = strategies.Archived

		next.Notifications = ComputeNotifications(support.Pending, strategies.Pending)
	}

	next.Schedules = decodeSchedules(l.overlaidLocked(SourceSchedules), l.logger)
	next.CurrentSchedule = CurrentSchedule(next.Schedules, now)
	if l.selectionMade {
		next.SelectedScheduleID = l.selectedID
	} else {
		next.SelectedScheduleID = DefaultScheduleSelection(next.Schedules, now)
	}

	next.ActiveFocus = ActiveFocus(decodeFocuses(l.overlaidLocked(SourceMonthlyFocus), l.logger))

	l.state = next
}

func decodeCheckIns(docs []docstore.Document, logger *zap.Logger) []store.CheckIn {
	out := make([]store.CheckIn, 0, len(docs))
	for _, doc := range docs {
		c, err := store.DecodeCheckIn(doc)
		if err != nil {
			logDecodeSkip(logger, store.CollectionCheckIns, doc.ID, err)
			continue
		}
		out = append(out, c)
	}
	return out
}

func decodeSupport(docs []docstore.Document, logger *zap.Logger) []store.SupportRequest {
	out := make([]store.SupportRequest, 0, len(docs))
	for _, doc := range docs {
		r, err := store.DecodeSupportRequest(doc)
		if err != nil {
			logDecodeSkip(logger, store.CollectionSupportRequests, doc.ID, err)
			continue
		}
		out = append(out, r)
	}
	return out
}

func decodeStrategies(docs []docstore.Document, logger *zap.Logger) []store.Strategy {
	out := make([]store.Strategy, 0, len(docs))
	for _, doc := range docs {
		s, err := store.DecodeStrategy(doc)
		if err != nil {
			logDecodeSkip(logger, store.CollectionStrategies, doc.ID, err)
			continue
		}
		out = append(out, s)
	}
	return out
}

func decodeSchedules(docs []docstore.Document, logger *zap.Logger) []store.OnCallSchedule {
	out := make([]store.OnCallSchedule, 0, len(docs))
	for _, doc := range docs {
		s, err := store.DecodeOnCallSchedule(doc)
		if err != nil {
			logDecodeSkip(logger, store.CollectionSchedules, doc.ID, err)
			continue
		}
		out = append(out, s)
	}
	return out
}

func decodeFocuses(docs []docstore.Document, logger *zap.Logger) []store.MonthlyFocus {
	out := make([]store.MonthlyFocus, 0, len(docs))
	for _, doc := range docs {
		f, err := store.DecodeMonthlyFocus(doc)
		if err != nil {
			logDecodeSkip(logger, store.CollectionMonthlyFocus, doc.ID, err)
			continue
		}
		out = append(out, f)
	}
	return out
}

func logDecodeSkip(logger *zap.Logger, collection, id string, err error) {
	logger.Warn("skipping malformed document",
		zap.String("collection", collection),
		zap.String("id", id),
		zap.Error(err),
	)
}
