package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mockStore struct {
	identities map[string]*Identity // keyed by digest
	err        error
	lookups    int
}

func (m *mockStore) GetByDigest(ctx context.Context, digest string) (*Identity, error) {
	m.lookups++
	if m.err != nil {
		return nil, m.err
	}
	if ident, ok := m.identities[digest]; ok {
		return ident, nil
	}
	return nil, ErrUnauthenticated
}

func (m *mockStore) Create(ctx context.Context, cred *Credential) error { return nil }
func (m *mockStore) Revoke(ctx context.Context, credID string) error    { return nil }

func storeWith(secret string, active bool) *mockStore {
	digest := HashSecret(secret)
	return &mockStore{
		identities: map[string]*Identity{
			digest: {
				Credential: Credential{
					ID:        "cred-1",
					AccountID: "acct-1",
					KeyHash:   digest,
					KeyPrefix: secret[:4],
					Active:    active,
					CreatedAt: time.Now(),
				},
				AccountID:   "acct-1",
				AccountName: "test",
			},
		},
	}
}

func TestVerify_Success(t *testing.T) {
	store := storeWith("sk-valid", true)
	verifier := NewVerifier(store, nil, time.Minute)

	ident, err := verifier.Verify(context.Background(), "sk-valid")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if ident.AccountID != "acct-1" {
		t.Errorf("expected acct-1, got %s", ident.AccountID)
	}
	if ident.Credential.KeyPrefix != "sk-v" {
		t.Errorf("expected prefix sk-v, got %s", ident.Credential.KeyPrefix)
	}
}

func TestVerify_UnknownSecret(t *testing.T) {
	verifier := NewVerifier(storeWith("sk-valid", true), nil, time.Minute)

	_, err := verifier.Verify(context.Background(), "sk-wrong")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestVerify_RevokedCredential(t *testing.T) {
	verifier := NewVerifier(storeWith("sk-valid", false), nil, time.Minute)

	_, err := verifier.Verify(context.Background(), "sk-valid")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("revoked credential should be unauthenticated, got %v", err)
	}
}

func TestVerify_StoreFailure(t *testing.T) {
	store := &mockStore{err: errors.New("connection refused")}
	verifier := NewVerifier(store, nil, time.Minute)

	_, err := verifier.Verify(context.Background(), "sk-valid")
	if err == nil || errors.Is(err, ErrUnauthenticated) {
		t.Errorf("storage failure must not look like a bad key, got %v", err)
	}
}

func TestHashSecret_Deterministic(t *testing.T) {
	a := HashSecret("sk-abc")
	b := HashSecret("sk-abc")
	if a != b {
		t.Error("digest must be deterministic")
	}
	if a == HashSecret("sk-abd") {
		t.Error("different secrets must not collide")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func okHandler(t *testing.T, sawIdentity *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetIdentity(r.Context()) != nil {
			*sawIdentity = true
		}
		if GetRequestID(r.Context()) == "" {
			t.Error("request id should be set")
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_ValidKey(t *testing.T) {
	verifier := NewVerifier(storeWith("sk-valid", true), nil, time.Minute)

	var sawIdentity bool
	handler := NewMiddleware(verifier)(okHandler(t, &sawIdentity))

	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-valid")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if !sawIdentity {
		t.Error("identity should be injected into the request context")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	verifier := NewVerifier(storeWith("sk-valid", true), nil, time.Minute)

	var sawIdentity bool
	handler := NewMiddleware(verifier)(okHandler(t, &sawIdentity))

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong scheme", "Basic sk-valid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", w.Code)
			}
		})
	}
	if sawIdentity {
		t.Error("rejected requests must never reach the handler")
	}
}

func TestMiddleware_InvalidKey(t *testing.T) {
	verifier := NewVerifier(storeWith("sk-valid", true), nil, time.Minute)

	handler := NewMiddleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be reached")
	}))

	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-wrong")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	if w.Body.String() == "" || w.Header().Get("Content-Type") != "application/json" {
		t.Error("expected structured JSON error body")
	}
}
