package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aethergate/aethergate/internal/auth"
	"github.com/aethergate/aethergate/internal/catalog"
	"github.com/aethergate/aethergate/internal/ledger"
	"github.com/aethergate/aethergate/internal/relay"
	"github.com/aethergate/aethergate/internal/upstream"
	"github.com/aethergate/aethergate/pkg/ratelimit"
)

// writeDetail emits the structured error envelope. Every client-visible
// failure goes through here; the gateway never returns an unstructured
// body for a client-attributable cause.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// statusFor maps the pipeline error taxonomy to HTTP semantics:
// 401 unauthenticated, 402 balance exhausted, 404 unknown model/backend,
// 429 rate limited, 502/504 upstream, 500 ledger or internal.
func statusFor(err error) (int, string) {
	var limitErr *ratelimit.LimitError
	var upstreamErr *upstream.Error

	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "invalid API key"

	case errors.As(err, &limitErr):
		return http.StatusTooManyRequests,
			fmt.Sprintf("rate limit exceeded: %s ceiling (%s)", limitErr.Scope, limitErr.Spec)

	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient balance"

	case errors.Is(err, catalog.ErrUnknownModel):
		return http.StatusNotFound, "unknown or inactive model"

	case errors.Is(err, catalog.ErrNoBackend):
		return http.StatusNotFound, "no active backend for model"

	case errors.Is(err, relay.ErrIdleTimeout):
		return http.StatusGatewayTimeout, "upstream timed out"

	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway, fmt.Sprintf("upstream failure: %s", upstreamErr.Detail)

	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusInternalServerError, "ledger unavailable"

	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, detail := statusFor(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	writeDetail(w, status, detail)
}
