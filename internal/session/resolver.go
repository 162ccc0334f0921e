// Package session resolves authenticated identities into portal sessions:
// it pairs a signed-in account with its profile document, classifies the
// role, and wires up the live projection subscriptions the role calls for.
package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tribe/api/internal/docstore"
	"tribe/api/internal/identity"
	"tribe/api/internal/projection"
	"tribe/api/internal/rbac"
	"tribe/api/internal/store"
)

// Session is one signed-in portal user. A session without a resolved
// profile is unauthenticated: it exists at the gateway but has no standing
// in the portal and no live state.
type Session struct {
	ID      string
	Account identity.Account
	Profile store.UserProfile
	Role    rbac.Role
	Live    *projection.Live

	resolved bool
}

// Authenticated reports whether the account matched a profile document.
func (s *Session) Authenticated() bool { return s != nil && s.resolved }

// Resolver listens for gateway sign-in and sign-out events and maintains
// the session registry the HTTP layer reads from.
type Resolver struct {
	store  docstore.Store
	clock  docstore.Clock
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	stop     func()
	closed   bool
}

type entry struct {
	session *Session
	cancels []func()
}

func NewResolver(st docstore.Store, gateway identity.Gateway, clock docstore.Clock, logger *zap.Logger) *Resolver {
	if clock == nil {
		clock = docstore.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		store:    st,
		clock:    clock,
		logger:   logger,
		sessions: make(map[string]*entry),
	}
	r.stop = gateway.OnSessionChanged(r.onSessionChanged)
	return r
}

func (r *Resolver) onSessionChanged(sessionID string, account *identity.Account) {
	if sessionID == "" {
		return
	}
	if account == nil {
		r.release(sessionID)
		return
	}
	r.admit(sessionID, *account)
}

// admit builds the session for a fresh sign-in. A missing or malformed
// profile leaves the session registered but unauthenticated; the failure is
// logged, never surfaced with detail.
func (r *Resolver) admit(sessionID string, account identity.Account) {
	session := &Session{ID: sessionID, Account: account}

	profile, err := r.lookupProfile(context.Background(), account.Email)
	if err != nil {
		r.logger.Warn("profile resolution failed",
			zap.String("session", sessionID),
			zap.String("email", account.Email),
			zap.Error(err),
		)
		r.register(&entry{session: session})
		return
	}

	session.Profile = profile
	session.Role = rbac.Normalize(profile.Role)
	session.Live = projection.NewLive(profile.ID, session.Role, r.clock, r.logger)
	session.resolved = true

	cancels, err := r.subscribe(session)
	if err != nil {
		for _, cancel := range cancels {
			cancel()
		}
		r.logger.Error("projection subscriptions failed",
			zap.String("session", sessionID),
			zap.Error(err),
		)
		session.Live = nil
		session.resolved = false
		r.register(&entry{session: session})
		return
	}

	r.register(&entry{session: session, cancels: cancels})
	r.logger.Info("session resolved",
		zap.String("session", sessionID),
		zap.String("user", profile.ID),
		zap.String("role", string(session.Role)),
	)
}

func (r *Resolver) lookupProfile(ctx context.Context, email string) (store.UserProfile, error) {
	docs, err := r.store.GetAll(ctx, store.CollectionUsers, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("email", "==", email)},
		Limit:   1,
	})
	if err != nil {
		return store.UserProfile{}, fmt.Errorf("query users: %w", err)
	}
	if len(docs) == 0 {
		return store.UserProfile{}, fmt.Errorf("no profile for email %s", email)
	}
	return store.DecodeUserProfile(docs[0])
}

// subscribe opens the role's live feeds. Staff get three subscriptions;
// managers get those plus the triage and team feeds, six in all.
func (r *Resolver) subscribe(s *Session) ([]func(), error) {
	ctx := context.Background()
	var cancels []func()

	add := func(collection string, q docstore.Query, source string) error {
		cancel, err := r.store.Subscribe(ctx, collection, q, func(docs []docstore.Document) {
			s.Live.ApplySnapshot(source, docs)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", source, err)
		}
		cancels = append(cancels, cancel)
		return nil
	}

	ownCheckIns := docstore.Query{
		Filters: []docstore.Filter{docstore.Where("userId", "==", s.Profile.ID)},
	}
	if err := add(store.CollectionCheckIns, ownCheckIns, projection.SourcePersonalCheckIns); err != nil {
		return cancels, err
	}
	if err := add(store.CollectionSchedules, docstore.Query{}, projection.SourceSchedules); err != nil {
		return cancels, err
	}
	if err := add(store.CollectionMonthlyFocus, docstore.Query{}, projection.SourceMonthlyFocus); err != nil {
		return cancels, err
	}

	if s.Role != rbac.RoleManager {
		return cancels, nil
	}

	if err := add(store.CollectionCheckIns, docstore.Query{}, projection.SourceTeamCheckIns); err != nil {
		return cancels, err
	}
	if err := add(store.CollectionSupportRequests, docstore.Query{}, projection.SourceSupportRequests); err != nil {
		return cancels, err
	}
	if err := add(store.CollectionStrategies, docstore.Query{}, projection.SourceStrategies); err != nil {
		return cancels, err
	}
	return cancels, nil
}

func (r *Resolver) register(e *entry) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		for _, cancel := range e.cancels {
			cancel()
		}
		return
	}
	prev := r.sessions[e.session.ID]
	r.sessions[e.session.ID] = e
	r.mu.Unlock()

	if prev != nil {
		for _, cancel := range prev.cancels {
			cancel()
		}
	}
}

// release tears down a session on sign-out. Every subscription is canceled
// exactly once; releasing an unknown session is a no-op.
func (r *Resolver) release(sessionID string) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, cancel := range e.cancels {
		cancel()
	}
	r.logger.Info("session released", zap.String("session", sessionID))
}

// Lookup returns the session for an id, if registered.
func (r *Resolver) Lookup(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Close stops listening to the gateway and releases every session.
func (r *Resolver) Close() {
	r.stop()
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.sessions = make(map[string]*entry)
	r.closed = true
	r.mu.Unlock()
	for _, e := range entries {
		for _, cancel := range e.cancels {
			cancel()
		}
	}
}
