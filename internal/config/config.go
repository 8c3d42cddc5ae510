package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"civicflow/internal/domain"
	"civicflow/internal/engine/sla"
)

const FileName = "civicflow.yml"

// Config models civicflow.yml.
type Config struct {
	SLA struct {
		DefaultHours        float64                       `yaml:"default_hours"`
		Types               map[string]float64            `yaml:"types"`
		PriorityMultipliers map[string]float64            `yaml:"priority_multipliers"`
		Overrides           map[string]map[string]float64 `yaml:"overrides"`
		WarningFraction     *float64                      `yaml:"warning_fraction"`
		ResetOnReopen       *bool                         `yaml:"reset_on_reopen"`
	} `yaml:"sla"`
	Notifications Notifications `yaml:"notifications"`
}

type Notifications struct {
	RedisAddr     string `yaml:"redis_addr"`
	Channel       string `yaml:"channel"`
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
	Interval      string `yaml:"interval"`
}

// RelayInterval returns the configured drain interval, or zero when unset.
func (n Notifications) RelayInterval() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(n.Interval))
	if err != nil {
		return 0
	}
	return d
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.SLA.DefaultHours < 0 {
		return fmt.Errorf("config.sla.default_hours must be positive")
	}
	for t, h := range c.SLA.Types {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("config.sla.types contains an empty type")
		}
		if h <= 0 {
			return fmt.Errorf("config.sla.types.%s must be positive", t)
		}
	}
	for p, m := range c.SLA.PriorityMultipliers {
		if !priority(p).Valid() {
			return fmt.Errorf("config.sla.priority_multipliers has unknown priority %s", p)
		}
		if m <= 0 {
			return fmt.Errorf("config.sla.priority_multipliers.%s must be positive", p)
		}
	}
	for t, byPrio := range c.SLA.Overrides {
		for p, h := range byPrio {
			if !priority(p).Valid() {
				return fmt.Errorf("config.sla.overrides.%s has unknown priority %s", t, p)
			}
			if h <= 0 {
				return fmt.Errorf("config.sla.overrides.%s.%s must be positive", t, p)
			}
		}
	}
	if f := c.SLA.WarningFraction; f != nil && (*f < 0 || *f >= 1) {
		return fmt.Errorf("config.sla.warning_fraction must be in [0,1)")
	}
	if iv := strings.TrimSpace(c.Notifications.Interval); iv != "" {
		d, err := time.ParseDuration(iv)
		if err != nil {
			return fmt.Errorf("config.notifications.interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.notifications.interval must be positive")
		}
	}
	return nil
}

// SLAPolicy overlays the configured table on the built-in one.
func (c *Config) SLAPolicy() sla.Policy {
	p := sla.DefaultPolicy()
	if c == nil {
		return p
	}
	if c.SLA.DefaultHours > 0 {
		p.DefaultHours = c.SLA.DefaultHours
	}
	for t, h := range c.SLA.Types {
		p.TypeHours[typeKey(t)] = h
	}
	for prio, m := range c.SLA.PriorityMultipliers {
		p.PriorityMultipliers[priority(prio)] = m
	}
	if len(c.SLA.Overrides) > 0 {
		p.Overrides = map[string]map[domain.Priority]float64{}
		for t, byPrio := range c.SLA.Overrides {
			m := map[domain.Priority]float64{}
			for prio, h := range byPrio {
				m[priority(prio)] = h
			}
			p.Overrides[typeKey(t)] = m
		}
	}
	if c.SLA.WarningFraction != nil {
		p.WarningFraction = *c.SLA.WarningFraction
	}
	if c.SLA.ResetOnReopen != nil {
		p.ResetOnReopen = *c.SLA.ResetOnReopen
	}
	return p
}

func priority(s string) domain.Priority {
	return domain.Priority(strings.ToUpper(strings.TrimSpace(s)))
}

func typeKey(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the parsed default template.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.SLAPolicy().Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `sla:
  # hours allowed for a MEDIUM priority complaint of each type
  default_hours: 72
  types:
    WATER_SUPPLY: 48
    ELECTRICITY: 48
    SEWAGE: 48
    PUBLIC_HEALTH: 48
    DRAINAGE: 72
    GARBAGE_COLLECTION: 72
    STREET_LIGHTING: 96
    NOISE: 96
    OTHER: 120
    ROAD_MAINTENANCE: 168
  priority_multipliers:
    CRITICAL: 0.25
    HIGH: 0.5
    MEDIUM: 1
    LOW: 2
  # exact windows that bypass the multiplier, e.g.
  # overrides:
  #   PUBLIC_HEALTH:
  #     CRITICAL: 4
  warning_fraction: 0.2
  reset_on_reopen: true

notifications:
  redis_addr: ""
  channel: civicflow.notifications
  webhook_url: ""
  interval: 2s
`
