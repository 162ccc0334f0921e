package identity

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"tribe/api/internal/docstore"
)

type fakeCredentials struct {
	credentialFn func(ctx context.Context, email string) (Credential, error)
}

func (f fakeCredentials) Credential(ctx context.Context, email string) (Credential, error) {
	return f.credentialFn(ctx, email)
}

func hashFor(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return string(h)
}

func TestAuthenticateSuccess(t *testing.T) {
	hash := hashFor(t, "correct horse")
	svc := NewService(fakeCredentials{
		credentialFn: func(ctx context.Context, email string) (Credential, error) {
			if email != "ana@tribe.example" {
				t.Fatalf("unexpected email lookup %q", email)
			}
			return Credential{AccountID: "acct_1", Email: email, PasswordHash: hash}, nil
		},
	}, nil)

	sessionID, account, err := svc.Authenticate(context.Background(), "ana@tribe.example", "correct horse")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected a session id")
	}
	if account.ID != "acct_1" || account.Email != "ana@tribe.example" {
		t.Fatalf("unexpected account %+v", account)
	}
}

func TestAuthenticateFailuresAreUniform(t *testing.T) {
	hash := hashFor(t, "right")
	svc := NewService(fakeCredentials{
		credentialFn: func(ctx context.Context, email string) (Credential, error) {
			if email == "known@tribe.example" {
				return Credential{AccountID: "acct_1", Email: email, PasswordHash: hash}, nil
			}
			return Credential{}, errors.New("no credential for email")
		},
	}, nil)

	cases := []struct {
		name, email, password string
	}{
		{"unknown email", "nobody@tribe.example", "right"},
		{"wrong password", "known@tribe.example", "wrong"},
		{"empty password", "known@tribe.example", ""},
		{"empty email", "", "right"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.Authenticate(context.Background(), tc.email, tc.password)
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("want ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestSessionListenerSeesTransitions(t *testing.T) {
	hash := hashFor(t, "pw")
	svc := NewService(fakeCredentials{
		credentialFn: func(ctx context.Context, email string) (Credential, error) {
			return Credential{AccountID: "acct_1", Email: email, PasswordHash: hash}, nil
		},
	}, nil)

	type event struct {
		sessionID string
		account   *Account
	}
	var events []event
	unsubscribe := svc.OnSessionChanged(func(sessionID string, account *Account) {
		events = append(events, event{sessionID, account})
	})
	defer unsubscribe()

	if len(events) != 1 || events[0].account != nil {
		t.Fatalf("want initial signed-out event, got %+v", events)
	}

	sessionID, _, err := svc.Authenticate(context.Background(), "ana@tribe.example", "pw")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if len(events) != 2 || events[1].account == nil || events[1].sessionID != sessionID {
		t.Fatalf("want sign-in event for %s, got %+v", sessionID, events)
	}

	svc.SignOut(context.Background(), sessionID)
	if len(events) != 3 || events[2].account != nil || events[2].sessionID != sessionID {
		t.Fatalf("want sign-out event for %s, got %+v", sessionID, events)
	}

	// Unknown session ids are silent.
	svc.SignOut(context.Background(), "sess_nope")
	if len(events) != 3 {
		t.Fatalf("unexpected event for unknown session: %+v", events)
	}
}

func TestUnsubscribedListenerStops(t *testing.T) {
	hash := hashFor(t, "pw")
	svc := NewService(fakeCredentials{
		credentialFn: func(ctx context.Context, email string) (Credential, error) {
			return Credential{AccountID: "acct_1", Email: email, PasswordHash: hash}, nil
		},
	}, nil)

	calls := 0
	unsubscribe := svc.OnSessionChanged(func(string, *Account) { calls++ })
	unsubscribe()

	if _, _, err := svc.Authenticate(context.Background(), "ana@tribe.example", "pw"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if calls != 1 {
		t.Fatalf("listener called %d times after unsubscribe, want 1 (initial only)", calls)
	}
}

func TestDocstoreCredentials(t *testing.T) {
	mem := docstore.NewMemory(nil)
	defer mem.Close()

	ctx := context.Background()
	if _, err := mem.Add(ctx, "credentials", map[string]any{
		"email":        "ana@tribe.example",
		"passwordHash": "$2a$fakehash",
	}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	src := DocstoreCredentials{Store: mem}
	cred, err := src.Credential(ctx, "ana@tribe.example")
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	if cred.PasswordHash != "$2a$fakehash" {
		t.Fatalf("unexpected hash %q", cred.PasswordHash)
	}
	if cred.AccountID == "" {
		t.Fatal("expected account id from document id")
	}

	if _, err := src.Credential(ctx, "ghost@tribe.example"); err == nil {
		t.Fatal("expected error for unknown email")
	}
}
