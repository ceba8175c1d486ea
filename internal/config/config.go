// Package config loads and validates the YAML pipeline configuration:
// filter rules, per-field resolver enablement, display mode, DNS settings
// and concurrency limits. Everything is checked once at load time so the
// pipeline never fails on configuration mid-run.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fortigate-policy-export/internal/filter"
)

// DisplayMode selects how resolved address fields are rendered.
type DisplayMode string

const (
	DisplayFull    DisplayMode = "full"    // name[address]
	DisplayAddress DisplayMode = "address" // address only
)

const (
	defaultConcurrency = 8
	defaultDNSTimeout  = 3 * time.Second
)

// filterFieldOrder fixes the evaluation order of configured filter rules.
// The engine's outcome is order-independent; this only pins short-circuit
// behavior down deterministically.
var filterFieldOrder = []string{
	"srcintf", "dstintf", "action", "status", "name", "policyid",
	"srcaddr", "dstaddr", "service",
}

// Duration wraps time.Duration with YAML string parsing ("3s", "500ms").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// FilterRule holds at most one predicate for one field. An entry with all
// values empty is ignored entirely rather than matched against "".
type FilterRule struct {
	Equals string   `yaml:"equals"`
	In     []string `yaml:"in"`
	NotIn  []string `yaml:"not_in"`
}

// AddressResolve configures the name resolver.
type AddressResolve struct {
	Enabled    bool        `yaml:"enabled"`
	Fields     []string    `yaml:"fields"`
	Display    DisplayMode `yaml:"display"`
	DNSServer  string      `yaml:"dns_server"`
	DNSTimeout Duration    `yaml:"dns_timeout"`
}

// ServiceResolve configures the service/port resolver.
type ServiceResolve struct {
	Enabled bool     `yaml:"enabled"`
	Fields  []string `yaml:"fields"`
}

type Resolve struct {
	Addresses   AddressResolve `yaml:"addresses"`
	Services    ServiceResolve `yaml:"services"`
	Concurrency int            `yaml:"concurrency"`
	RunTimeout  Duration       `yaml:"run_timeout"`
}

type Output struct {
	Columns []string `yaml:"columns"`
}

type Config struct {
	Filters map[string]FilterRule `yaml:"filters"`
	Resolve Resolve               `yaml:"resolve"`
	Output  Output                `yaml:"output"`
}

var defaultColumns = []string{
	"policyid", "name", "srcintf", "dstintf",
	"srcaddr", "dstaddr", "service", "action", "status",
}

// Load reads, parses and validates a configuration file. A missing path
// yields the defaults: no filters, both resolvers enabled on their usual
// fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Resolve: Resolve{
			Addresses: AddressResolve{
				Enabled:    true,
				Fields:     []string{"srcaddr", "dstaddr"},
				Display:    DisplayFull,
				DNSTimeout: Duration(defaultDNSTimeout),
			},
			Services: ServiceResolve{
				Enabled: true,
				Fields:  []string{"service"},
			},
			Concurrency: defaultConcurrency,
		},
		Output: Output{Columns: defaultColumns},
	}
}

// Validate checks enumerated options and fills defaults for omitted ones.
func (c *Config) Validate() error {
	switch c.Resolve.Addresses.Display {
	case "":
		c.Resolve.Addresses.Display = DisplayFull
	case DisplayFull, DisplayAddress:
	default:
		return fmt.Errorf("unknown display mode %q (want %q or %q)",
			c.Resolve.Addresses.Display, DisplayFull, DisplayAddress)
	}

	if c.Resolve.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	if c.Resolve.Concurrency == 0 {
		c.Resolve.Concurrency = defaultConcurrency
	}
	if c.Resolve.Addresses.DNSTimeout <= 0 {
		c.Resolve.Addresses.DNSTimeout = Duration(defaultDNSTimeout)
	}

	if len(c.Resolve.Addresses.Fields) == 0 {
		c.Resolve.Addresses.Fields = []string{"srcaddr", "dstaddr"}
	}
	for _, f := range c.Resolve.Addresses.Fields {
		if f != "srcaddr" && f != "dstaddr" {
			return fmt.Errorf("field %q is not address-typed", f)
		}
	}
	if len(c.Resolve.Services.Fields) == 0 {
		c.Resolve.Services.Fields = []string{"service"}
	}
	for _, f := range c.Resolve.Services.Fields {
		if f != "service" {
			return fmt.Errorf("field %q is not service-typed", f)
		}
	}

	if len(c.Output.Columns) == 0 {
		c.Output.Columns = defaultColumns
	}

	// Filter field names and rule shapes are validated by the filter
	// engine; run it here so bad configuration fails at load time.
	if _, err := c.FilterSpec(); err != nil {
		return err
	}
	return nil
}

// FilterSpec builds the validated filter spec from the configured rules.
// Entries with no values are omitted; an entry mixing multiple variants is
// an error.
func (c *Config) FilterSpec() (*filter.Spec, error) {
	var rules []filter.FieldRule

	appendRule := func(field string, fr FilterRule) error {
		set := 0
		if fr.Equals != "" {
			set++
		}
		if len(fr.In) > 0 {
			set++
		}
		if len(fr.NotIn) > 0 {
			set++
		}
		switch set {
		case 0:
			return nil // fully empty entry: no constraint
		case 1:
		default:
			return fmt.Errorf("filter field %q: at most one of equals/in/not_in may be set", field)
		}

		switch {
		case fr.Equals != "":
			rules = append(rules, filter.FieldRule{Field: field, Rule: filter.Rule{Kind: filter.Equals, Value: fr.Equals}})
		case len(fr.In) > 0:
			rules = append(rules, filter.FieldRule{Field: field, Rule: filter.Rule{Kind: filter.In, Set: fr.In}})
		default:
			rules = append(rules, filter.FieldRule{Field: field, Rule: filter.Rule{Kind: filter.NotIn, Set: fr.NotIn}})
		}
		return nil
	}

	seen := make(map[string]bool)
	for _, field := range filterFieldOrder {
		fr, ok := c.Filters[field]
		if !ok {
			continue
		}
		seen[field] = true
		if err := appendRule(field, fr); err != nil {
			return nil, err
		}
	}
	// Anything left over is an unknown field; let the engine report it.
	for field, fr := range c.Filters {
		if seen[field] {
			continue
		}
		if err := appendRule(field, fr); err != nil {
			return nil, err
		}
	}

	return filter.NewSpec(rules)
}
