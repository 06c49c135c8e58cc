package definition

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/stepflow/model"
)

// Store persists process definitions. Lookups fall back from the tenant's
// own definition to the shared one stored under the empty tenant.
type Store interface {
	// Get returns the effective definition for the tenant. Returns
	// NOT_FOUND when neither a tenant nor a shared definition exists.
	Get(ctx context.Context, tenantID, id string) (*model.ProcessDefinition, error)

	// Save validates and stores def under def.TenantID, replacing any
	// previous version.
	Save(ctx context.Context, def *model.ProcessDefinition) error

	// List returns the effective definitions visible to the tenant.
	List(ctx context.Context, tenantID string) ([]*model.ProcessDefinition, error)
}

// SetMode changes the serialization mode of the tenant's effective
// definition. A shared definition is copied into a tenant override first.
func SetMode(ctx context.Context, store Store, tenantID, id string, mode model.SerializationMode) (*model.ProcessDefinition, error) {
	if !mode.Valid() {
		return nil, model.NewBadRequestError(fmt.Sprintf("invalid serialization mode %q", mode))
	}
	cur, err := store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	next := cur.Clone()
	next.TenantID = tenantID
	next.Mode = mode
	next.Checksum = ""
	next.SourceFile = ""
	if err := store.Save(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Sync saves every definition into store. It is used at startup to seed a
// store from the YAML directories.
func Sync(ctx context.Context, store Store, defs []*model.ProcessDefinition) error {
	for _, def := range defs {
		if err := store.Save(ctx, def); err != nil {
			return fmt.Errorf("saving definition %q: %w", def.ID, err)
		}
	}
	return nil
}

// Fingerprint returns a content checksum for definitions that did not come
// from a file.
func Fingerprint(def *model.ProcessDefinition) string {
	c := *def
	c.Checksum = ""
	c.UpdatedAt = time.Time{}
	data, err := json.Marshal(&c)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
