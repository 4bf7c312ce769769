//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package manifest loads and indexes flowpilot policy manifests: per-domain
// YAML documents declaring the rule-engine package to invoke and the typed
// attributes a request must carry.
//
// Manifests live one per directory under the configured manifest root:
//
//	{manifestDir}/{name}/manifest.yaml
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/flowpilot/flowpilot/internal/logging"
	"github.com/flowpilot/flowpilot/pkg/normalize"
	"gopkg.in/yaml.v3"
)

var logger = logging.GetLogger("flowpilot.manifest")

// AttributeSource identifies where a manifest attribute's value is supplied
// from at decision time.
type AttributeSource string

const (
	SourcePersona  AttributeSource = "persona"
	SourceResource AttributeSource = "resource"
)

// Attribute is one typed, sourced attribute declared by a manifest.
type Attribute struct {
	Name        string                `yaml:"name"`
	Type        normalize.Type        `yaml:"type"`
	Source      AttributeSource       `yaml:"source"`
	Default     any                   `yaml:"default"`
	Description string                `yaml:"description"`
	RequiredPtr *bool                 `yaml:"required"`
}

// Required reports whether the attribute must be present: an explicit
// `required:` wins, otherwise an attribute with no default is required.
func (a Attribute) Required() bool {
	if a.RequiredPtr != nil {
		return *a.RequiredPtr
	}
	return a.Default == nil
}

// PersonaTitle describes one allowed persona role within a manifest.
type PersonaTitle struct {
	Title             string   `yaml:"title"`
	AllowedActions    []string `yaml:"allowed-actions"`
	CanBeDelegatedTo  bool     `yaml:"can-be-delegated-to"`
	CanBeInvited      bool     `yaml:"can-be-invited"`
}

// PersonaConfig is a manifest's optional persona_config section.
type PersonaConfig struct {
	PersonaTitles   []PersonaTitle `yaml:"persona_titles"`
	PersonaStatuses []string       `yaml:"persona_statuses"`
}

// AllowedTitles returns the set of persona titles this manifest permits.
func (c PersonaConfig) AllowedTitles() []string {
	titles := make([]string, 0, len(c.PersonaTitles))
	for _, t := range c.PersonaTitles {
		titles = append(titles, t.Title)
	}
	return titles
}

// TitleByName returns the PersonaTitle definition for title, if declared.
func (c PersonaConfig) TitleByName(title string) (PersonaTitle, bool) {
	for _, t := range c.PersonaTitles {
		if t.Title == title {
			return t, true
		}
	}
	return PersonaTitle{}, false
}

// Manifest is one fully-parsed policy manifest.
type Manifest struct {
	Name          string        `yaml:"name"`
	RulePackage   string        `yaml:"package"`
	Attributes    []Attribute   `yaml:"attributes"`
	PersonaConfig PersonaConfig `yaml:"persona_config"`
}

// PersonaAttributes returns the subset of Attributes sourced from the
// persona registry.
func (m Manifest) PersonaAttributes() []Attribute {
	return m.attributesBySource(SourcePersona)
}

// ResourceAttributes returns the subset of Attributes sourced from the
// caller-supplied resource payload.
func (m Manifest) ResourceAttributes() []Attribute {
	return m.attributesBySource(SourceResource)
}

func (m Manifest) attributesBySource(src AttributeSource) []Attribute {
	var out []Attribute
	for _, a := range m.Attributes {
		if a.Source == src {
			out = append(out, a)
		}
	}
	return out
}

// Schema projects the manifest's attributes of the given source into a
// [normalize.Schema] for use with [normalize.Normalize].
func (m Manifest) Schema(src AttributeSource) normalize.Schema {
	schema := make(normalize.Schema)
	for _, a := range m.attributesBySource(src) {
		r := a.Required()
		schema[a.Name] = normalize.Attribute{
			Name:     a.Name,
			Type:     a.Type,
			Default:  a.Default,
			Required: r,
		}
	}
	return schema
}

func load(name, manifestDir string) (Manifest, error) {
	path := filepath.Join(manifestDir, name, "manifest.yaml")

	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("policy manifest not found: %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse policy manifest %s: %w", path, err)
	}

	if m.Name == "" {
		return Manifest{}, fmt.Errorf("policy manifest missing required field 'name': %s", path)
	}
	if m.RulePackage == "" {
		return Manifest{}, fmt.Errorf("policy manifest missing required field 'package': %s", path)
	}
	if m.Name != name {
		return Manifest{}, fmt.Errorf("policy manifest 'name' field (%s) does not match policy directory (%s)", m.Name, name)
	}
	if len(m.Attributes) == 0 {
		return Manifest{}, fmt.Errorf("policy manifest missing required field 'attributes': %s", path)
	}
	for _, a := range m.Attributes {
		if a.Name == "" {
			return Manifest{}, fmt.Errorf("attribute missing 'name' field in %s", path)
		}
		if a.Source != SourcePersona && a.Source != SourceResource {
			return Manifest{}, fmt.Errorf("attribute '%s' missing or invalid 'source' field (must be 'persona' or 'resource'): %s", a.Name, path)
		}
		if a.Type == "" {
			a.Type = normalize.TypeString
		}
	}

	return m, nil
}

// Registry is an in-memory, read-only-after-load index of all manifests
// found under one manifest directory.
type Registry struct {
	dir      string
	policies map[string]Manifest
}

// NewRegistry walks manifestDir, loading every {name}/manifest.yaml it finds.
// Every subdirectory found must load cleanly; a malformed manifest aborts
// registry construction so load errors are visible at startup rather than
// at first use.
func NewRegistry(manifestDir string) (*Registry, error) {
	entries, err := os.ReadDir(manifestDir)
	if err != nil {
		return nil, fmt.Errorf("policy manifest directory not found: %s: %w", manifestDir, err)
	}

	policies := make(map[string]Manifest)
	var loadErrs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		manifestFile := filepath.Join(manifestDir, e.Name(), "manifest.yaml")
		if _, err := os.Stat(manifestFile); err != nil {
			continue
		}
		m, err := load(e.Name(), manifestDir)
		if err != nil {
			loadErrs = append(loadErrs, fmt.Sprintf("policy %q: %v", e.Name(), err))
			continue
		}
		policies[e.Name()] = m
	}

	if len(policies) == 0 {
		return nil, fmt.Errorf("no valid policies found in %s: %v", manifestDir, loadErrs)
	}
	if len(loadErrs) > 0 {
		return nil, fmt.Errorf("loaded %d policies but encountered errors: %v", len(policies), loadErrs)
	}

	names := make([]string, 0, len(policies))
	for n := range policies {
		names = append(names, n)
	}
	sort.Strings(names)
	logger.SysInfof("loaded %d policies: %v", len(policies), names)

	return &Registry{dir: manifestDir, policies: policies}, nil
}

// Select returns the manifest named by policyHint. policyHint is required -
// there is no implicit default manifest.
func (r *Registry) Select(policyHint string) (Manifest, error) {
	if policyHint == "" {
		return Manifest{}, fmt.Errorf("policy selection requires context.policy_hint; available: %v", r.ListNames())
	}
	m, ok := r.policies[policyHint]
	if !ok {
		return Manifest{}, fmt.Errorf("policy %q not found; available: %v", policyHint, r.ListNames())
	}
	return m, nil
}

// GetByName is an alias of Select retained for callers that already know the
// manifest must exist (e.g. the CLI's `manifest lint` command).
func (r *Registry) GetByName(name string) (Manifest, error) {
	return r.Select(name)
}

// ListNames returns all loaded manifest names, sorted.
func (r *Registry) ListNames() []string {
	names := make([]string, 0, len(r.policies))
	for n := range r.policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AllActions returns the union of every persona title's allowed-actions
// across every loaded manifest, used by the authorization engine to reject
// action names no manifest declares.
func (r *Registry) AllActions() map[string]struct{} {
	actions := make(map[string]struct{})
	for _, m := range r.policies {
		for _, t := range m.PersonaConfig.PersonaTitles {
			for _, a := range t.AllowedActions {
				actions[a] = struct{}{}
			}
		}
	}
	return actions
}
