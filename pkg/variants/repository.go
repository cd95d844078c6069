package variants

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/quantpulse/pkg/events"
	"github.com/quantpulse/quantpulse/pkg/indicators"
)

const schemaVersion = 1

// Repository validates and persists variants. All persistence goes through
// the VariantStore; the repository itself holds no row state, only the
// algorithm registry it validates against and the bus it notifies.
type Repository struct {
	store    VariantStore
	registry *indicators.Registry
	bus      *events.Bus
	log      zerolog.Logger
}

// NewRepository creates a repository over a store. The bus may be nil when
// no live engines need cache-refresh notifications (offline tools, tests).
func NewRepository(store VariantStore, registry *indicators.Registry, bus *events.Bus) *Repository {
	if registry == nil {
		registry = indicators.Default()
	}
	return &Repository{
		store:    store,
		registry: registry,
		bus:      bus,
		log:      log.With().Str("component", "variant_repository").Logger(),
	}
}

// Create validates the request against its algorithm's parameter
// definitions and inserts the variant. Returns the new variant id.
func (r *Repository) Create(ctx context.Context, req CreateRequest) (string, error) {
	baseType := strings.ToUpper(strings.TrimSpace(req.BaseIndicatorType))
	algo, ok := r.registry.Get(baseType)
	if !ok {
		return "", fmt.Errorf("%w: %q (known types: %s)",
			indicators.ErrUnknownAlgorithm, req.BaseIndicatorType, strings.Join(r.registry.Types(), ", "))
	}

	validated, err := validateParameters(algo, req.Parameters)
	if err != nil {
		return "", err
	}
	paramJSON, err := validated.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("serialize parameters: %w", err)
	}

	now := nowUTC()
	v := &Variant{
		ID:                uuid.NewString(),
		Name:              req.Name,
		BaseIndicatorType: baseType,
		VariantType:       req.VariantType,
		Description:       req.Description,
		Parameters:        paramJSON,
		IsSystem:          req.IsSystem,
		CreatedBy:         req.CreatedBy,
		UserID:            req.UserID,
		Scope:             req.Scope,
		IsDeleted:         false,
		CreatedAt:         now,
		UpdatedAt:         now,
		SchemaVersion:     schemaVersion,
	}
	if v.VariantType == "" {
		v.VariantType = algo.Category()
	}
	if v.Scope == "" {
		v.Scope = ScopeUser
	}

	if err := r.store.Insert(ctx, v); err != nil {
		return "", fmt.Errorf("insert variant: %w", err)
	}
	r.log.Info().Str("variant_id", v.ID).Str("type", baseType).Msg("variant created")
	r.notify(events.TopicVariantCreated, v)
	return v.ID, nil
}

// Get returns a live variant; ErrVariantNotFound covers both missing and
// soft-deleted rows.
func (r *Repository) Get(ctx context.Context, id string) (*Variant, error) {
	v, err := r.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find variant: %w", err)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrVariantNotFound, id)
	}
	return v, nil
}

// List returns live variants matching the filter, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]*Variant, error) {
	if f.BaseIndicatorType != "" {
		f.BaseIndicatorType = strings.ToUpper(strings.TrimSpace(f.BaseIndicatorType))
	}
	out, err := r.store.Find(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	return out, nil
}

// Update applies a patch. Parameters are re-validated against the variant's
// original algorithm; the algorithm binding itself never changes.
func (r *Repository) Update(ctx context.Context, id string, patch Patch) (*Variant, error) {
	v, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		v.Name = *patch.Name
	}
	if patch.Description != nil {
		v.Description = *patch.Description
	}
	if patch.Scope != nil {
		v.Scope = *patch.Scope
	}
	if patch.Parameters != nil {
		algo, ok := r.registry.Get(v.BaseIndicatorType)
		if !ok {
			return nil, fmt.Errorf("%w: %q", indicators.ErrUnknownAlgorithm, v.BaseIndicatorType)
		}
		validated, err := validateParameters(algo, patch.Parameters)
		if err != nil {
			return nil, err
		}
		paramJSON, err := validated.CanonicalJSON()
		if err != nil {
			return nil, fmt.Errorf("serialize parameters: %w", err)
		}
		v.Parameters = paramJSON
	}
	v.UpdatedAt = nowUTC()

	if err := r.store.Update(ctx, v); err != nil {
		return nil, fmt.Errorf("update variant: %w", err)
	}
	r.notify(events.TopicVariantUpdated, v)
	return v, nil
}

// Delete soft-deletes. A second delete of the same id reports not found.
func (r *Repository) Delete(ctx context.Context, id string) error {
	ok, err := r.store.MarkDeleted(ctx, id, nowUTC())
	if err != nil {
		return fmt.Errorf("delete variant: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrVariantNotFound, id)
	}
	r.log.Info().Str("variant_id", id).Msg("variant deleted")
	r.notify(events.TopicVariantDeleted, &Variant{ID: id})
	return nil
}

func (r *Repository) notify(topic events.Topic, v *Variant) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(topic, events.VariantEvent{
		VariantID:         v.ID,
		BaseIndicatorType: v.BaseIndicatorType,
	}); err != nil {
		r.log.Warn().Err(err).Str("topic", string(topic)).Msg("variant notification dropped")
	}
}

// ValidateParams coerces a raw parameter map against an algorithm's
// definitions, the same check Create and Update run. Engines call it to
// vet per-instance overrides merged onto a variant's stored parameters.
func ValidateParams(algo indicators.Algorithm, raw map[string]interface{}) (indicators.Params, error) {
	return validateParameters(algo, raw)
}

// validateParameters coerces every provided parameter against its
// definition and fills defaults for required parameters that declare one.
// Keys without a definition (refresh overrides and similar extensions)
// pass through untouched.
func validateParameters(algo indicators.Algorithm, raw map[string]interface{}) (indicators.Params, error) {
	defs := algo.Parameters()
	byName := make(map[string]indicators.ParamDef, len(defs))
	for _, def := range defs {
		byName[def.Name] = def
	}

	out := make(indicators.Params, len(raw))
	for key, value := range raw {
		def, ok := byName[key]
		if !ok {
			out[key] = value
			continue
		}
		coerced, err := def.Coerce(value)
		if err != nil {
			return nil, err
		}
		out[key] = coerced
	}

	for _, def := range defs {
		if _, provided := out[def.Name]; provided || !def.Required {
			continue
		}
		if def.Default == nil {
			return nil, &indicators.InvalidParameterError{Name: def.Name, Reason: "required parameter missing"}
		}
		coerced, err := def.Coerce(def.Default)
		if err != nil {
			return nil, err
		}
		out[def.Name] = coerced
	}

	if v, ok := algo.(indicators.ParamValidator); ok {
		if err := v.ValidateParams(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
