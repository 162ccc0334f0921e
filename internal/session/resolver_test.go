package session

import (
	"context"
	"testing"
	"time"

	"tribe/api/internal/docstore"
	"tribe/api/internal/identity"
	"tribe/api/internal/rbac"
	"tribe/api/internal/store"
)

// fakeGateway drives session events by hand.
type fakeGateway struct {
	listener identity.SessionListener
}

func (g *fakeGateway) Authenticate(ctx context.Context, email, password string) (string, identity.Account, error) {
	return "", identity.Account{}, nil
}

func (g *fakeGateway) SignOut(ctx context.Context, sessionID string) {}

func (g *fakeGateway) OnSessionChanged(fn identity.SessionListener) func() {
	g.listener = fn
	fn("", nil)
	return func() { g.listener = nil }
}

func (g *fakeGateway) signIn(sessionID, accountID, email string) {
	g.listener(sessionID, &identity.Account{ID: accountID, Email: email})
}

func (g *fakeGateway) signOut(sessionID string) {
	g.listener(sessionID, nil)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func seedUser(t *testing.T, mem *docstore.Memory, email, role string) string {
	t.Helper()
	id, err := mem.Add(context.Background(), store.CollectionUsers, map[string]any{
		"email": email,
		"role":  role,
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func newTestResolver(t *testing.T) (*Resolver, *docstore.Memory, *fakeGateway) {
	t.Helper()
	clock := fixedClock{now: time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)}
	mem := docstore.NewMemory(clock)
	t.Cleanup(func() { mem.Close() })
	gw := &fakeGateway{}
	r := NewResolver(mem, gw, clock, nil)
	t.Cleanup(r.Close)
	return r, mem, gw
}

func TestResolveManagerSession(t *testing.T) {
	r, mem, gw := newTestResolver(t)
	userID := seedUser(t, mem, "mira@tribe.example", "manager")

	gw.signIn("sess_1", "acct_1", "mira@tribe.example")

	s, ok := r.Lookup("sess_1")
	if !ok || !s.Authenticated() {
		t.Fatalf("expected authenticated session, got %+v ok=%v", s, ok)
	}
	if s.Role != rbac.RoleManager || s.Profile.ID != userID {
		t.Fatalf("session: role=%s profile=%+v", s.Role, s.Profile)
	}

	// Manager sessions see triage feeds live: a new pending support request
	// shows up in the projection without any further calls.
	_, err := mem.Add(context.Background(), store.CollectionSupportRequests, map[string]any{
		"checkInId":     "ci_1",
		"userId":        "u2",
		"userEmail":     "u2@tribe.example",
		"mood":          "anxious",
		"moodIntensity": 4,
		"energyLevel":   "low",
		"urgent":        true,
		"timestamp":     time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC),
		"handled":       false,
	})
	if err != nil {
		t.Fatalf("add support request: %v", err)
	}

	state := s.Live.State()
	if len(state.PendingSupport) != 1 || state.Notifications.Total != 1 {
		t.Fatalf("live state: pending=%d total=%d", len(state.PendingSupport), state.Notifications.Total)
	}
}

func TestResolveStaffSessionHasNoTriageFeeds(t *testing.T) {
	r, mem, gw := newTestResolver(t)
	seedUser(t, mem, "sam@tribe.example", "staff")

	gw.signIn("sess_2", "acct_2", "sam@tribe.example")

	s, ok := r.Lookup("sess_2")
	if !ok || !s.Authenticated() {
		t.Fatalf("expected authenticated session")
	}
	if s.Role != rbac.RoleStaff {
		t.Fatalf("role = %s", s.Role)
	}

	_, err := mem.Add(context.Background(), store.CollectionSupportRequests, map[string]any{
		"checkInId":     "ci_1",
		"userId":        "u9",
		"userEmail":     "u9@tribe.example",
		"mood":          "sad",
		"moodIntensity": 2,
		"energyLevel":   "low",
		"urgent":        false,
		"timestamp":     time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC),
		"handled":       false,
	})
	if err != nil {
		t.Fatalf("add support request: %v", err)
	}

	state := s.Live.State()
	if len(state.PendingSupport) != 0 || state.Notifications.Total != 0 {
		t.Fatalf("staff session received triage state: %+v", state)
	}
}

func TestUnknownEmailStaysUnauthenticated(t *testing.T) {
	r, _, gw := newTestResolver(t)

	gw.signIn("sess_3", "acct_3", "ghost@tribe.example")

	s, ok := r.Lookup("sess_3")
	if !ok {
		t.Fatal("session should be registered")
	}
	if s.Authenticated() {
		t.Fatal("session without a profile must stay unauthenticated")
	}
	if s.Live != nil {
		t.Fatal("unauthenticated session must hold no live state")
	}
}

func TestSignOutReleasesSubscriptions(t *testing.T) {
	r, mem, gw := newTestResolver(t)
	seedUser(t, mem, "sam@tribe.example", "staff")

	gw.signIn("sess_4", "acct_4", "sam@tribe.example")
	s, _ := r.Lookup("sess_4")

	gw.signOut("sess_4")
	if _, ok := r.Lookup("sess_4"); ok {
		t.Fatal("released session still registered")
	}

	// A write after release must not reach the projection.
	before := s.Live.State().PersonalHistory
	_, err := mem.Add(context.Background(), store.CollectionCheckIns, map[string]any{
		"userId":        s.Profile.ID,
		"userEmail":     "sam@tribe.example",
		"mood":          "calm",
		"moodIntensity": 3,
		"energyLevel":   "good",
		"needsSupport":  false,
		"urgent":        false,
		"timestamp":     time.Date(2024, 3, 13, 11, 0, 0, 0, time.UTC),
		"handled":       false,
	})
	if err != nil {
		t.Fatalf("add check-in: %v", err)
	}
	after := s.Live.State().PersonalHistory
	if len(after) != len(before) {
		t.Fatalf("projection updated after release: before=%d after=%d", len(before), len(after))
	}

	// Releasing again is a no-op.
	gw.signOut("sess_4")
}

func TestUnrelatedSignOutIgnored(t *testing.T) {
	r, mem, gw := newTestResolver(t)
	seedUser(t, mem, "sam@tribe.example", "staff")

	gw.signIn("sess_5", "acct_5", "sam@tribe.example")
	gw.signOut("sess_other")

	if _, ok := r.Lookup("sess_5"); !ok {
		t.Fatal("unrelated sign-out released the session")
	}
}
