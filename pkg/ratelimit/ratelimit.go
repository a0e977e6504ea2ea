package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scope names which ceiling rejected a request.
type Scope string

const (
	ScopeCredential Scope = "credential"
	ScopeBackend    Scope = "backend"
	ScopeModel      Scope = "model"
)

// Spec is one ceiling: at most Limit admissions per fixed Window.
type Spec struct {
	Limit  int64
	Window time.Duration
}

func (s Spec) String() string {
	return fmt.Sprintf("%d per %s", s.Limit, s.Window)
}

var periods = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// ParseSpec parses a limit string like "60/m" into a Spec. Periods are
// s, m, h, d.
func ParseSpec(raw string) (Spec, error) {
	count, period, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return Spec{}, fmt.Errorf("invalid rate limit %q: expected count/period", raw)
	}

	limit, err := strconv.ParseInt(count, 10, 64)
	if err != nil || limit <= 0 {
		return Spec{}, fmt.Errorf("invalid rate limit %q: bad count", raw)
	}

	window, ok := periods[strings.ToLower(period)]
	if !ok {
		return Spec{}, fmt.Errorf("invalid rate limit %q: period must be one of s, m, h, d", raw)
	}

	return Spec{Limit: limit, Window: window}, nil
}

// LimitError reports which ceiling tripped.
type LimitError struct {
	Scope   Scope
	Subject string
	Spec    Spec
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s %s (%s)", e.Scope, e.Subject, e.Spec)
}

// Store is the shared counter backend. Take is a single atomic
// check-and-increment for the key's current window: it increments only
// if the counter is still below limit, and reports whether the request
// was admitted. Counters are never decremented; a later failure in the
// pipeline does not return admission capacity.
type Store interface {
	Take(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

// Limiter enforces per-credential, per-backend, and per-model ceilings
// over a shared counter store.
type Limiter struct {
	store       Store
	defaultSpec Spec
}

func NewLimiter(store Store, defaultSpec Spec) *Limiter {
	return &Limiter{store: store, defaultSpec: defaultSpec}
}

// Allow admits the request against one ceiling, or returns a *LimitError.
func (l *Limiter) Allow(ctx context.Context, scope Scope, subject string, spec Spec) error {
	key := fmt.Sprintf("ratelimit:%s:%s:%d", scope, subject, int64(spec.Window/time.Second))
	admitted, err := l.store.Take(ctx, key, spec.Limit, spec.Window)
	if err != nil {
		return fmt.Errorf("rate limit store: %w", err)
	}
	if !admitted {
		return &LimitError{Scope: scope, Subject: subject, Spec: spec}
	}
	return nil
}

// AllowCredential admits against the credential's own spec, falling back
// to the gateway default when the credential carries none.
func (l *Limiter) AllowCredential(ctx context.Context, credID, rawSpec string) error {
	spec := l.defaultSpec
	if rawSpec != "" {
		parsed, err := ParseSpec(rawSpec)
		if err != nil {
			return err
		}
		spec = parsed
	}
	return l.Allow(ctx, ScopeCredential, credID, spec)
}

// AllowCeilings admits against a subject's requests-per-minute and
// requests-per-day caps. Nil caps are unbounded.
func (l *Limiter) AllowCeilings(ctx context.Context, scope Scope, subject string, rpm, perDay *int64) error {
	if rpm != nil {
		if err := l.Allow(ctx, scope, subject, Spec{Limit: *rpm, Window: time.Minute}); err != nil {
			return err
		}
	}
	if perDay != nil {
		if err := l.Allow(ctx, scope, subject, Spec{Limit: *perDay, Window: 24 * time.Hour}); err != nil {
			return err
		}
	}
	return nil
}
