// Package schema validates queued payloads against per-entity JSON schemas.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v6"

	apperrors "github.com/kimhsiao/feesync/internal/errors"
	"github.com/kimhsiao/feesync/internal/models"
)

//go:embed schemas/*.json
var builtin embed.FS

const baseURL = "https://feesync.local/schemas/"

// Validator holds one compiled schema per entity type.
type Validator struct {
	schemas map[models.EntityType]*jsonschema.Schema
}

// NewValidator compiles the built-in schemas. When dir is non-empty, a file
// named <entity>.json there replaces the built-in schema for that entity.
func NewValidator(dir string) (*Validator, error) {
	c := jsonschema.NewCompiler()
	for _, e := range models.EntityTypes {
		raw, err := builtin.ReadFile("schemas/" + string(e) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read built-in schema %s: %w", e, err)
		}
		if dir != "" {
			override, err := os.ReadFile(filepath.Join(dir, string(e)+".json"))
			switch {
			case err == nil:
				raw = override
			case !os.IsNotExist(err):
				return nil, fmt.Errorf("read schema override %s: %w", e, err)
			}
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", e, err)
		}
		if err := c.AddResource(baseURL+string(e)+".json", doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", e, err)
		}
	}

	v := &Validator{schemas: make(map[models.EntityType]*jsonschema.Schema, len(models.EntityTypes))}
	for _, e := range models.EntityTypes {
		s, err := c.Compile(baseURL + string(e) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", e, err)
		}
		v.schemas[e] = s
	}
	return v, nil
}

// Validate checks a create/update payload. A payload id that differs from
// entityID is rejected so the remote upsert cannot hit a different record.
func (v *Validator) Validate(entity models.EntityType, entityID string, data json.RawMessage) error {
	s, ok := v.schemas[entity]
	if !ok {
		return apperrors.New(apperrors.ErrValidation, "no schema for entity type "+string(entity))
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "payload is not valid JSON", err)
	}
	if err := s.Validate(inst); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, string(entity)+" payload failed validation", err)
	}
	if obj, ok := inst.(map[string]any); ok {
		if id, ok := obj["id"].(string); ok && id != entityID {
			return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("payload id %q does not match entity id %q", id, entityID))
		}
	}
	return nil
}
