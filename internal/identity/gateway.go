// Package identity is the boundary to the hosted identity provider:
// credential authentication, sign-out, and current-session-changed
// notifications. Credential records are provisioned out of band, like the
// user profiles they pair with.
package identity

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"tribe/api/internal/docstore"
	"tribe/api/internal/util"
)

// ErrInvalidCredentials is the only authentication failure surfaced to
// users; the underlying cause is logged, never detailed.
var ErrInvalidCredentials = errors.New("invalid email or password")

// Account is the provider's view of a signed-in principal.
type Account struct {
	ID    string
	Email string
}

// Credential is a provisioned email/password-hash pair.
type Credential struct {
	AccountID    string
	Email        string
	PasswordHash string
}

// CredentialSource looks up the credential for an email, exactly.
type CredentialSource interface {
	Credential(ctx context.Context, email string) (Credential, error)
}

// SessionListener observes sign-in (account non-nil) and sign-out (nil)
// transitions for a session id.
type SessionListener func(sessionID string, account *Account)

// Gateway is the contract the session resolver consumes.
type Gateway interface {
	Authenticate(ctx context.Context, email, password string) (string, Account, error)
	SignOut(ctx context.Context, sessionID string)
	OnSessionChanged(fn SessionListener) (unsubscribe func())
}

// Service implements Gateway over a CredentialSource.
type Service struct {
	creds  CredentialSource
	logger *zap.Logger

	mu        sync.Mutex
	sessions  map[string]Account
	listeners map[string]SessionListener
}

func NewService(creds CredentialSource, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		creds:     creds,
		logger:    logger,
		sessions:  make(map[string]Account),
		listeners: make(map[string]SessionListener),
	}
}

// Authenticate verifies the credential and opens a session. Lookup misses
// and hash mismatches are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, email, password string) (string, Account, error) {
	if email == "" || password == "" {
		return "", Account{}, ErrInvalidCredentials
	}
	cred, err := s.creds.Credential(ctx, email)
	if err != nil {
		s.logger.Warn("credential lookup failed", zap.String("email", email), zap.Error(err))
		return "", Account{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return "", Account{}, ErrInvalidCredentials
	}

	account := Account{ID: cred.AccountID, Email: cred.Email}
	sessionID := util.NewID("sess")

	s.mu.Lock()
	s.sessions[sessionID] = account
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(sessionID, &account)
	}
	return sessionID, account, nil
}

// SignOut closes a session. Unknown session ids are ignored.
func (s *Service) SignOut(ctx context.Context, sessionID string) {
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	if !ok {
		return
	}
	for _, fn := range listeners {
		fn(sessionID, nil)
	}
}

// OnSessionChanged registers a listener. It fires once immediately with the
// signed-out state so new listeners start from a known baseline, then on
// every subsequent change.
func (s *Service) OnSessionChanged(fn SessionListener) func() {
	key := util.NewID("listener")
	s.mu.Lock()
	s.listeners[key] = fn
	s.mu.Unlock()

	fn("", nil)

	return func() {
		s.mu.Lock()
		delete(s.listeners, key)
		s.mu.Unlock()
	}
}

func (s *Service) snapshotListeners() []SessionListener {
	out := make([]SessionListener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}

// DocstoreCredentials reads credentials from the document store's
// credentials collection.
type DocstoreCredentials struct {
	Store docstore.Store
}

const collectionCredentials = "credentials"

func (d DocstoreCredentials) Credential(ctx context.Context, email string) (Credential, error) {
	docs, err := d.Store.GetAll(ctx, collectionCredentials, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("email", "==", email)},
		Limit:   1,
	})
	if err != nil {
		return Credential{}, err
	}
	if len(docs) == 0 {
		return Credential{}, errors.New("no credential for email")
	}
	doc := docs[0]
	hash, ok := doc.StringField("passwordHash")
	if !ok {
		return Credential{}, errors.New("credential record missing passwordHash")
	}
	return Credential{AccountID: doc.ID, Email: email, PasswordHash: hash}, nil
}
