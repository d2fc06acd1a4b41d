package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"dueline/internal/domain"
)

// Config models policies.yml: one escalation policy per (kind, severity).
type Config struct {
	Policies []Policy `yaml:"policies"`
}

// Policy configures SLA thresholds and the escalation chain for one (kind, severity).
type Policy struct {
	Kind         domain.Kind     `yaml:"kind" json:"kind"`
	Severity     domain.Severity `yaml:"severity" json:"severity"`
	AtRiskWindow time.Duration   `yaml:"at_risk_window" json:"at_risk_window"`
	// EscalationChain is indexed by escalation level; entry 0 is the base owner tier.
	EscalationChain []string      `yaml:"escalation_chain" json:"escalation_chain"`
	MaxLevel        int           `yaml:"max_level" json:"max_level"`
	Cooldown        time.Duration `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
}

// OwnerAt returns the owner tier for an escalation level.
func (p Policy) OwnerAt(level int) string {
	if level < 0 || level >= len(p.EscalationChain) {
		return ""
	}
	return p.EscalationChain[level]
}

// Lookup returns the policy for (kind, severity).
func (c *Config) Lookup(kind domain.Kind, severity domain.Severity) (Policy, bool) {
	if c == nil {
		return Policy{}, false
	}
	for _, p := range c.Policies {
		if p.Kind == kind && p.Severity == severity {
			return p, true
		}
	}
	return Policy{}, false
}

// Validate ensures every policy row is well formed and unique.
func (c *Config) Validate() error {
	if len(c.Policies) == 0 {
		return fmt.Errorf("config.policies is required")
	}
	seen := map[string]bool{}
	for i, p := range c.Policies {
		if !p.Kind.Valid() {
			return fmt.Errorf("policy %d: unknown kind %q", i, p.Kind)
		}
		if !p.Severity.Valid() {
			return fmt.Errorf("policy %d: unknown severity %q", i, p.Severity)
		}
		key := string(p.Kind) + "/" + string(p.Severity)
		if seen[key] {
			return fmt.Errorf("policy %s defined more than once", key)
		}
		seen[key] = true
		if p.AtRiskWindow < 0 {
			return fmt.Errorf("policy %s: at_risk_window must not be negative", key)
		}
		if p.Cooldown < 0 {
			return fmt.Errorf("policy %s: cooldown must not be negative", key)
		}
		if len(p.EscalationChain) == 0 {
			return fmt.Errorf("policy %s: escalation_chain is required", key)
		}
		for j, tier := range p.EscalationChain {
			if tier == "" {
				return fmt.Errorf("policy %s: escalation_chain[%d] is empty", key, j)
			}
		}
		if p.MaxLevel < 0 {
			return fmt.Errorf("policy %s: max_level must not be negative", key)
		}
		if p.MaxLevel >= len(p.EscalationChain) {
			return fmt.Errorf("policy %s: max_level %d needs %d chain entries, have %d", key, p.MaxLevel, p.MaxLevel+1, len(p.EscalationChain))
		}
	}
	return nil
}

// Path returns the policy file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "policies.yml")
}

// Load reads and validates policies from a workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("policy file %s not found; create one with dl policy init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the policy file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates policies from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid policy yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML policies from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default policy YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default policy set covering every (kind, severity).
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default policy template: %v", err))
	}
	return cfg
}

const defaultTemplate = `policies:
  - kind: incident
    severity: critical
    at_risk_window: 2h
    escalation_chain: [incident-responder, incident-manager, head-of-operations, ciso]
    max_level: 3
  - kind: incident
    severity: high
    at_risk_window: 4h
    escalation_chain: [incident-responder, incident-manager, head-of-operations]
    max_level: 2
  - kind: incident
    severity: medium
    at_risk_window: 8h
    escalation_chain: [incident-responder, incident-manager]
    max_level: 1
    cooldown: 1h
  - kind: incident
    severity: low
    at_risk_window: 24h
    escalation_chain: [incident-responder, incident-manager]
    max_level: 1
    cooldown: 4h

  - kind: task
    severity: critical
    at_risk_window: 24h
    escalation_chain: [control-owner, compliance-lead, compliance-officer]
    max_level: 2
  - kind: task
    severity: high
    at_risk_window: 48h
    escalation_chain: [control-owner, compliance-lead, compliance-officer]
    max_level: 2
    cooldown: 12h
  - kind: task
    severity: medium
    at_risk_window: 72h
    escalation_chain: [control-owner, compliance-lead]
    max_level: 1
    cooldown: 24h
  - kind: task
    severity: low
    at_risk_window: 120h
    escalation_chain: [control-owner, compliance-lead]
    max_level: 1
    cooldown: 24h

  - kind: obligation
    severity: critical
    at_risk_window: 168h
    escalation_chain: [obligation-owner, legal-counsel, general-counsel]
    max_level: 2
  - kind: obligation
    severity: high
    at_risk_window: 240h
    escalation_chain: [obligation-owner, legal-counsel, general-counsel]
    max_level: 2
    cooldown: 24h
  - kind: obligation
    severity: medium
    at_risk_window: 336h
    escalation_chain: [obligation-owner, legal-counsel]
    max_level: 1
    cooldown: 48h
  - kind: obligation
    severity: low
    at_risk_window: 720h
    escalation_chain: [obligation-owner, legal-counsel]
    max_level: 1
    cooldown: 72h
`
