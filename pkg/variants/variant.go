// Package variants persists named, validated indicator configurations. A
// variant binds one algorithm type to a parameter set that has passed the
// algorithm's parameter definitions; engines resolve variants by id and
// trust the stored parameters on read.
package variants

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/quantpulse/quantpulse/pkg/indicators"
)

// Variant scopes.
const (
	ScopeGlobal = "global"
	ScopeUser   = "user"
)

// ErrVariantNotFound is returned for a missing or soft-deleted variant.
var ErrVariantNotFound = errors.New("variant not found")

// Variant is one persisted indicator configuration. Parameters holds the
// canonical sorted-key JSON form.
type Variant struct {
	ID                string     `json:"id" db:"id"`
	Name              string     `json:"name" db:"name"`
	BaseIndicatorType string     `json:"base_indicator_type" db:"base_indicator_type"`
	VariantType       string     `json:"variant_type" db:"variant_type"`
	Description       string     `json:"description" db:"description"`
	Parameters        string     `json:"parameters" db:"parameters"`
	IsSystem          bool       `json:"is_system" db:"is_system"`
	CreatedBy         string     `json:"created_by" db:"created_by"`
	UserID            string     `json:"user_id" db:"user_id"`
	Scope             string     `json:"scope" db:"scope"`
	IsDeleted         bool       `json:"is_deleted" db:"is_deleted"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	SchemaVersion     int        `json:"schema_version" db:"schema_version"`
}

// Params decodes the stored parameter JSON.
func (v *Variant) Params() (indicators.Params, error) {
	if v.Parameters == "" {
		return indicators.Params{}, nil
	}
	var out indicators.Params
	if err := json.Unmarshal([]byte(v.Parameters), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRequest carries the caller-supplied fields of a new variant.
type CreateRequest struct {
	Name              string                 `json:"name"`
	BaseIndicatorType string                 `json:"base_indicator_type"`
	VariantType       string                 `json:"variant_type"`
	Description       string                 `json:"description"`
	Parameters        map[string]interface{} `json:"parameters"`
	IsSystem          bool                   `json:"is_system"`
	CreatedBy         string                 `json:"created_by"`
	UserID            string                 `json:"user_id"`
	Scope             string                 `json:"scope"`
}

// Patch carries the updatable fields; nil pointers leave the field as is.
// The bound algorithm is immutable, so Parameters are re-validated against
// the variant's original type.
type Patch struct {
	Name        *string                `json:"name,omitempty"`
	Description *string                `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Scope       *string                `json:"scope,omitempty"`
}

// Filter narrows List results. Zero values mean "no constraint". When
// UserID is set and IncludeGlobal is true, rows match on
// user_id = UserID OR scope = 'global'.
type Filter struct {
	VariantType       string
	BaseIndicatorType string
	Scope             string
	UserID            string
	IncludeGlobal     bool
}

// VariantStore is the persistence contract the repository runs on. The
// postgres adapter and the in-memory store implement it. Soft-deleted rows
// are invisible to FindByID and Find.
type VariantStore interface {
	Insert(ctx context.Context, v *Variant) error

	// FindByID returns (nil, nil) on a miss.
	FindByID(ctx context.Context, id string) (*Variant, error)

	// Find returns matches ordered by created_at descending.
	Find(ctx context.Context, f Filter) ([]*Variant, error)

	Update(ctx context.Context, v *Variant) error

	// MarkDeleted soft-deletes; ok is false when the row is absent or
	// already deleted.
	MarkDeleted(ctx context.Context, id string, at time.Time) (bool, error)
}
