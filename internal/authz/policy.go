// Package authz resolves admin API permissions from caller roles using a
// static role policy, with a short-lived per-caller cache.
package authz

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/stepflow/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicy grants permissions per role from a YAML file:
//
//	roles:
//	  stepflow_viewer: [definitions:read, executions:read]
//	  stepflow_admin: ["*"]
type StaticPolicy struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicy loads the policy at path.
func NewStaticPolicy(path string) (*StaticPolicy, error) {
	p := &StaticPolicy{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// Permissions returns the union of the permissions of the caller's roles.
func (p *StaticPolicy) Permissions(rctx *model.RequestContext) model.PermissionSet {
	p.mu.RLock()
	defer p.mu.RUnlock()

	perms := make(model.PermissionSet)
	for _, role := range rctx.Roles {
		for _, perm := range p.policy.Roles[role] {
			perms[perm] = true
		}
	}
	return perms
}

// Roles returns the number of roles in the loaded policy.
func (p *StaticPolicy) Roles() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.policy.Roles)
}

// Sync reloads the policy file. On error the previous policy stays in force.
func (p *StaticPolicy) Sync() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("authz: reading policy file %s: %w", p.path, err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("authz: parsing policy file %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.policy = pf
	p.mu.Unlock()
	return nil
}
