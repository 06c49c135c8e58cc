package model

import "strings"

// Admin API permissions. Each is "<resource>:<action>".
const (
	PermDefinitionsRead  = "definitions:read"
	PermDefinitionsWrite = "definitions:write"
	PermExecutionsRead   = "executions:read"
	PermExecutionsRun    = "executions:run"
	// PermExecutionsAdmin covers force wake and force error.
	PermExecutionsAdmin = "executions:admin"
	PermStepsDryRun     = "steps:dry_run"
)

// PermissionSet is the set of permissions granted to a caller. Keys may be
// wildcards: "*" grants everything, "executions:*" every executions action.
type PermissionSet map[string]bool

// Has reports whether the set grants perm exactly or through a wildcard.
func (ps PermissionSet) Has(perm string) bool {
	if ps[perm] {
		return true
	}
	for pattern := range ps {
		if matchWildcard(pattern, perm) {
			return true
		}
	}
	return false
}

// HasAll reports whether every perm is granted.
func (ps PermissionSet) HasAll(perms ...string) bool {
	for _, p := range perms {
		if !ps.Has(p) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one perm is granted.
func (ps PermissionSet) HasAny(perms ...string) bool {
	for _, p := range perms {
		if ps.Has(p) {
			return true
		}
	}
	return false
}

// matchWildcard matches patterns ending in ":*" by prefix. Exact matches
// are left to the map lookup.
//
//	"*"            matches anything
//	"executions:*" matches "executions:run"
//	"executions"   matches nothing here
func matchWildcard(pattern, perm string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(perm, pattern[:len(pattern)-1])
}

// PermissionResolver resolves what a caller may do.
type PermissionResolver interface {
	Resolve(rctx *RequestContext) (PermissionSet, error)
}
