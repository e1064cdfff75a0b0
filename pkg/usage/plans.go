package usage

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Unlimited as a limit disables the corresponding check.
const Unlimited = -1

//go:embed plans_default.yaml
var defaultPlansYAML []byte

type Plan struct {
	Name              string  `yaml:"-" json:"name"`
	SessionsLimit     int     `yaml:"sessions_limit" json:"sessions_limit"`
	MinutesLimit      float64 `yaml:"minutes_limit" json:"minutes_limit"`
	MaxSessionMinutes float64 `yaml:"max_session_minutes" json:"max_session_minutes"`
}

func (p Plan) UnlimitedSessions() bool { return p.SessionsLimit < 0 }
func (p Plan) UnlimitedMinutes() bool  { return p.MinutesLimit < 0 }

// Catalog maps plan names to limits and identity kinds to their default plan.
type Catalog struct {
	Plans    map[string]Plan         `yaml:"plans"`
	Defaults map[IdentityKind]string `yaml:"defaults"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultPlansYAML)
}

// ParseCatalog parses and validates a catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse plan catalog: %w", err)
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalog loads the built-in catalog and overlays the file at path, if
// any. Plans and defaults in the file replace built-in entries of the same
// name.
func LoadCatalog(path string) (*Catalog, error) {
	base, err := DefaultCatalog()
	if err != nil {
		return nil, err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog %q: %w", path, err)
	}
	var override Catalog
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse plan catalog %q: %w", path, err)
	}
	for name, p := range override.Plans {
		base.Plans[name] = p
	}
	for kind, name := range override.Defaults {
		base.Defaults[kind] = name
	}
	if err := base.normalize(); err != nil {
		return nil, fmt.Errorf("plan catalog %q: %w", path, err)
	}
	return base, nil
}

func (c *Catalog) normalize() error {
	if len(c.Plans) == 0 {
		return fmt.Errorf("plan catalog: no plans")
	}
	if c.Defaults == nil {
		c.Defaults = map[IdentityKind]string{}
	}
	for name, p := range c.Plans {
		p.Name = name
		if p.SessionsLimit < Unlimited {
			return fmt.Errorf("plan %q: sessions_limit must be >= -1", name)
		}
		if p.MinutesLimit < 0 && p.MinutesLimit != Unlimited {
			return fmt.Errorf("plan %q: minutes_limit must be >= 0 or -1", name)
		}
		if p.MaxSessionMinutes <= 0 {
			return fmt.Errorf("plan %q: max_session_minutes must be > 0", name)
		}
		c.Plans[name] = p
	}
	for _, kind := range []IdentityKind{KindUser, KindGuest} {
		name, ok := c.Defaults[kind]
		if !ok {
			return fmt.Errorf("plan catalog: no default plan for %s", kind)
		}
		if _, ok := c.Plans[name]; !ok {
			return fmt.Errorf("plan catalog: default plan %q for %s is not defined", name, kind)
		}
	}
	return nil
}

func (c *Catalog) Plan(name string) (Plan, bool) {
	p, ok := c.Plans[name]
	return p, ok
}

// DefaultFor returns the default plan for kind. Unknown kinds get the guest
// default.
func (c *Catalog) DefaultFor(kind IdentityKind) Plan {
	name, ok := c.Defaults[kind]
	if !ok {
		name = c.Defaults[KindGuest]
	}
	return c.Plans[name]
}

// Names returns the plan names in sorted order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.Plans))
	for name := range c.Plans {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
