package authz

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/stepflow/model"
)

// Source produces the permissions of a caller.
type Source interface {
	Permissions(rctx *model.RequestContext) model.PermissionSet
}

type cacheEntry struct {
	perms   model.PermissionSet
	expires time.Time
}

// Resolver implements model.PermissionResolver with an in-memory cache
// keyed by subject, tenant, and role set.
type Resolver struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver creates a resolver over source. A zero ttl disables caching.
func NewResolver(source Source, ttl time.Duration) *Resolver {
	return &Resolver{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

func cacheKey(rctx *model.RequestContext) string {
	roles := slices.Clone(rctx.Roles)
	slices.Sort(roles)
	return rctx.SubjectID + ":" + rctx.TenantID + ":" + strings.Join(roles, ",")
}

// Resolve returns the caller's permissions.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.PermissionSet, error) {
	if r.ttl <= 0 {
		return r.source.Permissions(rctx), nil
	}

	key := cacheKey(rctx)
	now := r.now()

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.perms, nil
	}

	perms := r.source.Permissions(rctx)

	r.mu.Lock()
	r.cache[key] = cacheEntry{perms: perms, expires: now.Add(r.ttl)}
	r.mu.Unlock()
	return perms, nil
}

// Invalidate drops cached entries for the subject in the tenant.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	prefix := subjectID + ":" + tenantID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}
