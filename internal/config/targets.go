package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"tether/pkg/logging"
)

// TargetKind classifies what a target connects to.
type TargetKind string

const (
	// KindMCP is a tool/integration server speaking the MCP protocol.
	KindMCP TargetKind = "mcp"
	// KindEmail is an email account (IMAP/SMTP behind an OAuth provider).
	KindEmail TargetKind = "email"
)

// AuthMethod describes how a target authenticates.
type AuthMethod string

const (
	AuthOAuth2 AuthMethod = "oauth2"
	AuthNone   AuthMethod = "none"
)

// Target is a saved connection target.
type Target struct {
	ID         string     `yaml:"id"`
	Name       string     `yaml:"name"`
	Kind       TargetKind `yaml:"kind"`
	URL        string     `yaml:"url,omitempty"`
	AuthMethod AuthMethod `yaml:"authMethod"`

	// Provider selects a preset (google, github, microsoft); empty means
	// the authorization server is discovered from URL.
	Provider string `yaml:"provider,omitempty"`
	Tenant   string `yaml:"tenant,omitempty"`
	Scope    string `yaml:"scope,omitempty"`

	// ClientID is only needed for providers without dynamic client
	// registration; the matching secret lives on the broker, never here.
	ClientID string `yaml:"clientId,omitempty"`
}

// Validate checks that the target is internally consistent.
func (t *Target) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("target name is required")
	}
	switch t.Kind {
	case KindMCP:
		if t.URL == "" {
			return fmt.Errorf("target %s: mcp targets require a url", t.Name)
		}
	case KindEmail:
		if t.Provider == "" {
			return fmt.Errorf("target %s: email targets require a provider", t.Name)
		}
	default:
		return fmt.Errorf("target %s: unknown kind %q", t.Name, t.Kind)
	}
	switch t.AuthMethod {
	case AuthOAuth2, AuthNone:
	case "":
		return fmt.Errorf("target %s: authMethod is required", t.Name)
	default:
		return fmt.Errorf("target %s: unknown authMethod %q", t.Name, t.AuthMethod)
	}
	return nil
}

type targetsFile struct {
	Targets []Target `yaml:"targets"`
}

// TargetRegistry is the file-backed set of saved targets.
type TargetRegistry struct {
	mu      sync.Mutex
	path    string
	targets []Target
}

// LoadTargets reads targets.yaml from the configuration directory. A
// missing file yields an empty registry.
func LoadTargets(configPath string) (*TargetRegistry, error) {
	reg := &TargetRegistry{path: filepath.Join(configPath, targetsFileName)}

	data, err := os.ReadFile(reg.path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, err
	}

	var file targetsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("error loading targets from %s: %w", reg.path, err)
	}
	for i := range file.Targets {
		if err := file.Targets[i].Validate(); err != nil {
			return nil, err
		}
	}
	reg.targets = file.Targets

	logging.Debug("Targets", "Loaded %d targets from %s", len(reg.targets), reg.path)
	return reg, nil
}

// All returns the saved targets sorted by name.
func (r *TargetRegistry) All() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Target, len(r.targets))
	copy(out, r.targets)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Find looks a target up by name or id.
func (r *TargetRegistry) Find(nameOrID string) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.targets {
		if t.Name == nameOrID || t.ID == nameOrID {
			return t, true
		}
	}
	return Target{}, false
}

// Add validates and persists a new target. Names must be unique; an empty
// ID is assigned.
func (r *TargetRegistry) Add(t Target) (Target, error) {
	if err := t.Validate(); err != nil {
		return Target{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.targets {
		if existing.Name == t.Name {
			return Target{}, fmt.Errorf("target %s already exists", t.Name)
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	r.targets = append(r.targets, t)
	if err := r.save(); err != nil {
		r.targets = r.targets[:len(r.targets)-1]
		return Target{}, err
	}
	return t, nil
}

// Remove deletes a target by name or id, reporting whether it existed.
func (r *TargetRegistry) Remove(nameOrID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, t := range r.targets {
		if t.Name == nameOrID || t.ID == nameOrID {
			r.targets = append(r.targets[:i], r.targets[i+1:]...)
			return true, r.save()
		}
	}
	return false, nil
}

func (r *TargetRegistry) save() error {
	data, err := yaml.Marshal(targetsFile{Targets: r.targets})
	if err != nil {
		return fmt.Errorf("failed to marshal targets: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return err
	}
	return os.WriteFile(r.path, data, 0600)
}
