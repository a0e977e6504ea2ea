package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnauthenticated = errors.New("invalid or inactive credential")
)

// Credential is one revocable API key bound to an account. The plaintext
// secret is never stored; only its SHA-256 digest and a display prefix.
type Credential struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	KeyHash   string    `json:"key_hash"`
	KeyPrefix string    `json:"key_prefix"`
	Label     string    `json:"label"`
	RateLimit string    `json:"rate_limit"` // "N/period" spec, empty = gateway default
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Identity is the result of verifying a presented secret: the credential
// and the account it resolves to.
type Identity struct {
	Credential  Credential `json:"credential"`
	AccountID   string     `json:"account_id"`
	AccountName string     `json:"account_name"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (i *Identity) MarshalBinary() ([]byte, error) {
	return json.Marshal(i)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (i *Identity) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, i)
}

// Store resolves a key digest to the credential and owning account.
// Lookups join the account so a disabled account invalidates every key
// it owns in one step.
type Store interface {
	GetByDigest(ctx context.Context, digest string) (*Identity, error)
	Create(ctx context.Context, cred *Credential) error
	Revoke(ctx context.Context, credID string) error
}

// HashSecret computes the lookup digest for a presented secret.
func HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// Verifier maps presented secrets to identities, with a short-TTL Redis
// cache in front of the store.
type Verifier struct {
	store Store
	cache *redis.Client
	ttl   time.Duration
}

func NewVerifier(store Store, cache *redis.Client, ttl time.Duration) *Verifier {
	return &Verifier{store: store, cache: cache, ttl: ttl}
}

// Verify resolves a presented secret. Any miss, revoked credential, or
// inactive account yields ErrUnauthenticated; callers cannot distinguish
// which condition failed.
func (v *Verifier) Verify(ctx context.Context, secret string) (*Identity, error) {
	digest := HashSecret(secret)

	if v.cache != nil {
		var cached Identity
		err := v.cache.Get(ctx, cacheKey(digest)).Scan(&cached)
		if err == nil {
			if !matches(&cached, digest) {
				return nil, ErrUnauthenticated
			}
			return &cached, nil
		} else if err != redis.Nil {
			logrus.WithError(err).Warn("auth: credential cache read failed")
		}
	}

	ident, err := v.store.GetByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("credential lookup: %w", err)
	}

	if !matches(ident, digest) {
		return nil, ErrUnauthenticated
	}

	if v.cache != nil {
		if err := v.cache.Set(ctx, cacheKey(digest), ident, v.ttl).Err(); err != nil {
			logrus.WithError(err).Warn("auth: credential cache write failed")
		}
	}

	return ident, nil
}

// matches re-checks the digest in constant time and the active flags.
// The store already filters on the digest, but the final comparison must
// not leak timing.
func matches(ident *Identity, digest string) bool {
	if subtle.ConstantTimeCompare([]byte(ident.Credential.KeyHash), []byte(digest)) != 1 {
		return false
	}
	return ident.Credential.Active
}

func cacheKey(digest string) string {
	return fmt.Sprintf("auth:%s", digest)
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	identityKey  contextKey = "identity"
	requestIDKey contextKey = "request_id"
)

// NewMiddleware authenticates the Bearer secret and stores the resolved
// identity plus a request ID in the context.
func NewMiddleware(verifier *Verifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeDetail(w, http.StatusUnauthorized, "missing or invalid Authorization header")
				return
			}
			secret := strings.TrimPrefix(authHeader, "Bearer ")

			ident, err := verifier.Verify(ctx, secret)
			if err != nil {
				if errors.Is(err, ErrUnauthenticated) {
					writeDetail(w, http.StatusUnauthorized, "invalid API key")
					return
				}
				logrus.WithError(err).Error("auth: verification failed")
				writeDetail(w, http.StatusInternalServerError, "internal server error")
				return
			}

			ctx = context.WithValue(ctx, identityKey, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// Helpers to extract from context
func GetIdentity(ctx context.Context) *Identity {
	if ident, ok := ctx.Value(identityKey).(*Identity); ok {
		return ident
	}
	return nil
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithIdentity(ctx context.Context, ident *Identity) context.Context {
	return context.WithValue(ctx, identityKey, ident)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
