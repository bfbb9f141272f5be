// Package profiles implements Executor Profiles (spec §4.9): a declarative
// catalog of agent command lines, loaded from an embedded default set and
// extended by a user override file, resolved into CommandBuilder values.
package profiles

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

//go:embed defaults.json
var defaultsFS embed.FS

// Profile is a labeled command-line template for invoking a coding-agent
// CLI (spec §4.9).
type Profile struct {
	Label   string   `json:"label"`
	Agent   string   `json:"agent"`
	Command []string `json:"command"`
}

// CommandBuilder builds the argv for an initial or follow-up invocation of
// one Profile (spec §4.9).
type CommandBuilder struct {
	Base   string
	Params []string
}

// BuildInitial joins base and params for a fresh invocation.
func (b CommandBuilder) BuildInitial() []string {
	return append([]string{b.Base}, b.Params...)
}

// BuildFollowUp joins base, params, and extra follow-up args (e.g.
// `--resume <session_id>`).
func (b CommandBuilder) BuildFollowUp(extra []string) []string {
	out := append([]string{b.Base}, b.Params...)
	return append(out, extra...)
}

func (p Profile) builder() CommandBuilder {
	if len(p.Command) == 0 {
		return CommandBuilder{Base: p.Agent}
	}
	return CommandBuilder{Base: p.Command[0], Params: p.Command[1:]}
}

// Catalog is the in-process cache of loaded profiles, keyed by label.
type Catalog struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// Load builds a Catalog from the embedded default set, then merges in
// entries from userOverridePath (if it exists); user entries whose label
// collides with a default are ignored (spec §4.9).
func Load(userOverridePath string) (*Catalog, error) {
	defaultsData, err := defaultsFS.ReadFile("defaults.json")
	if err != nil {
		return nil, fmt.Errorf("profiles: reading embedded defaults: %w", err)
	}
	var defaults []Profile
	if err := json.Unmarshal(defaultsData, &defaults); err != nil {
		return nil, fmt.Errorf("profiles: parsing embedded defaults: %w", err)
	}

	c := &Catalog{profiles: make(map[string]Profile, len(defaults))}
	for _, p := range defaults {
		c.profiles[p.Label] = p
	}

	if userOverridePath == "" {
		return c, nil
	}
	data, err := os.ReadFile(userOverridePath)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("profiles: reading user override %s: %w", userOverridePath, err)
	}
	var userProfiles []Profile
	if err := json.Unmarshal(data, &userProfiles); err != nil {
		return nil, fmt.Errorf("profiles: parsing user override %s: %w", userOverridePath, err)
	}
	for _, p := range userProfiles {
		if _, exists := c.profiles[p.Label]; exists {
			continue // defaults win on label collision
		}
		c.profiles[p.Label] = p
	}
	return c, nil
}

// Resolve looks up a CommandBuilder by executor_profile_id (the profile
// label). Returns an error if no such profile is cached.
func (c *Catalog) Resolve(label string) (CommandBuilder, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[label]
	if !ok {
		return CommandBuilder{}, fmt.Errorf("profiles: unknown executor profile %q", label)
	}
	return p.builder(), nil
}

// Labels returns every cached profile label, for diagnostics/listing.
func (c *Catalog) Labels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.profiles))
	for label := range c.profiles {
		out = append(out, label)
	}
	return out
}
