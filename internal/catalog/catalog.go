package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownModel = errors.New("unknown or inactive model")
	ErrNoBackend    = errors.New("no active backend for model")
)

// BackendTarget is one upstream inference provider endpoint.
type BackendTarget struct {
	ID       string
	Name     string
	BaseURL  string
	APIKey   string
	RPMLimit *int64
	DayLimit *int64
	Active   bool
}

// ModelMapping binds a public model identifier to a backend-facing model
// name, a target, and a price schedule.
type ModelMapping struct {
	PublicID     string
	BackendModel string
	BackendID    *string // nil = use the configured default target
	PriceIn      decimal.Decimal
	PriceOut     decimal.Decimal
	RPMLimit     *int64 // overrides the backend ceilings when set
	DayLimit     *int64
	Active       bool
}

// Resolved is the admission-time snapshot for one request. Prices and
// routing are copied out of the store so an admin edit mid-request
// cannot change what an in-flight request is billed at.
type Resolved struct {
	PublicModel  string
	BackendModel string
	Target       BackendTarget
	PriceIn      decimal.Decimal
	PriceOut     decimal.Decimal
	ModelRPM     *int64
	ModelDay     *int64
}

// Cost prices consumed units against the snapshot.
func (r *Resolved) Cost(inputUnits, outputUnits int64) decimal.Decimal {
	in := r.PriceIn.Mul(decimal.NewFromInt(inputUnits))
	out := r.PriceOut.Mul(decimal.NewFromInt(outputUnits))
	return in.Add(out)
}

// HasModelCeilings reports whether per-model overrides replace the
// backend's own ceilings for this request.
func (r *Resolved) HasModelCeilings() bool {
	return r.ModelRPM != nil || r.ModelDay != nil
}

type Store interface {
	GetMapping(ctx context.Context, publicID string) (*ModelMapping, error)
	GetTarget(ctx context.Context, id string) (*BackendTarget, error)
}

// Resolver maps public model identifiers to a routed, priced snapshot.
type Resolver struct {
	store            Store
	defaultBackendID string
}

func NewResolver(store Store, defaultBackendID string) *Resolver {
	return &Resolver{store: store, defaultBackendID: defaultBackendID}
}

func (r *Resolver) Resolve(ctx context.Context, publicModel string) (*Resolved, error) {
	mapping, err := r.store.GetMapping(ctx, publicModel)
	if err != nil {
		if errors.Is(err, ErrUnknownModel) {
			return nil, ErrUnknownModel
		}
		return nil, fmt.Errorf("model lookup: %w", err)
	}
	if !mapping.Active {
		return nil, ErrUnknownModel
	}

	targetID := r.defaultBackendID
	if mapping.BackendID != nil && *mapping.BackendID != "" {
		targetID = *mapping.BackendID
	}
	if targetID == "" {
		return nil, ErrNoBackend
	}

	target, err := r.store.GetTarget(ctx, targetID)
	if err != nil {
		if errors.Is(err, ErrNoBackend) {
			return nil, ErrNoBackend
		}
		return nil, fmt.Errorf("backend lookup: %w", err)
	}
	if !target.Active {
		return nil, ErrNoBackend
	}

	return &Resolved{
		PublicModel:  mapping.PublicID,
		BackendModel: mapping.BackendModel,
		Target:       *target,
		PriceIn:      mapping.PriceIn,
		PriceOut:     mapping.PriceOut,
		ModelRPM:     mapping.RPMLimit,
		ModelDay:     mapping.DayLimit,
	}, nil
}
