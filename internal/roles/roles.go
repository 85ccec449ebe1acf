// Package roles implements the role registry and role→skill/write-scope
// policy consulted by internal/board (creation-time validation) and
// internal/scheduler (dispatch-time role-policy checks).
//
// Grounded on engine.LoadRunConfigFile's strict-decode, mtime-cached config
// pattern — here applied to two sibling files, roles/registry.json and
// roles/role_skill_matrix.json, rather than one.
package roles

import (
	"bytes"
	"encoding/json"
	"path/filepath"

	"github.com/scc-gateway/scc-gateway/internal/pins"
	"github.com/scc-gateway/scc-gateway/internal/store"
)

// RegistryEntry is one roles/registry.json role definition.
type RegistryEntry struct {
	Role            string   `json:"role"`
	RequiresRealTest bool    `json:"requires_real_test"`
	ReadAllowGlobs  []string `json:"read_allow_globs,omitempty"`
	ReadDenyGlobs   []string `json:"read_deny_globs,omitempty"`
	WriteAllowGlobs []string `json:"write_allow_globs,omitempty"`
	WriteDenyGlobs  []string `json:"write_deny_globs,omitempty"`
}

type registryFile struct {
	Roles []RegistryEntry `json:"roles"`
}

type skillMatrixFile struct {
	// Matrix maps role -> list of permitted skill names.
	Matrix map[string][]string `json:"matrix"`
}

// Roles is the registry + skill matrix, each independently mtime-cached.
type Roles struct {
	registry *store.Cached[registryFile]
	matrix   *store.Cached[skillMatrixFile]
}

func strictDecode[T any](b []byte) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// New builds a Roles backed by registryPath and matrixPath.
func New(registryPath, matrixPath string) *Roles {
	return &Roles{
		registry: store.NewCached(registryPath, strictDecode[registryFile]),
		matrix:   store.NewCached(matrixPath, strictDecode[skillMatrixFile]),
	}
}

func (r *Roles) entry(role string) (RegistryEntry, bool) {
	f, err := r.registry.Get()
	if err != nil {
		return RegistryEntry{}, false
	}
	for _, e := range f.Roles {
		if e.Role == role {
			return e, true
		}
	}
	return RegistryEntry{}, false
}

// RoleExists reports whether role is defined in the registry.
func (r *Roles) RoleExists(role string) bool {
	_, ok := r.entry(role)
	return ok
}

// SkillAllowed reports whether role may use skill, per the skill matrix.
// An undefined role permits no skills; a role present with no matrix entry
// permits none either (fail-closed).
func (r *Roles) SkillAllowed(role, skill string) bool {
	f, err := r.matrix.Get()
	if err != nil {
		return false
	}
	for _, s := range f.Matrix[role] {
		if s == skill {
			return true
		}
	}
	return false
}

// RequiresRealTest reports whether role is in realTestRoles per the
// registry (spec §4.8 step 8).
func (r *Roles) RequiresRealTest(role string) bool {
	e, ok := r.entry(role)
	return ok && e.RequiresRealTest
}

// RolePolicy returns the read/write glob policy for role.
func (r *Roles) RolePolicy(role string) (*pins.RolePolicy, bool) {
	e, ok := r.entry(role)
	if !ok {
		return nil, false
	}
	return &pins.RolePolicy{
		Role:            e.Role,
		ReadAllowGlobs:  e.ReadAllowGlobs,
		ReadDenyGlobs:   e.ReadDenyGlobs,
		WriteAllowGlobs: e.WriteAllowGlobs,
		WriteDenyGlobs:  e.WriteDenyGlobs,
	}, true
}

// DefaultPaths returns the conventional registry/matrix paths rooted at
// repoRoot, matching spec §6's roles/registry.json + roles/role_skill_matrix.json.
func DefaultPaths(repoRoot string) (registryPath, matrixPath string) {
	return filepath.Join(repoRoot, "roles", "registry.json"),
		filepath.Join(repoRoot, "roles", "role_skill_matrix.json")
}
