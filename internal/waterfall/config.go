package waterfall

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Config is the data source configuration loaded from sources.yaml.
type Config struct {
	Defaults DefaultConfig  `yaml:"defaults"`
	Sources  []SourceConfig `yaml:"sources"`
}

// DefaultConfig holds values applied to sources that leave them unset.
type DefaultConfig struct {
	StaleAfterDays int         `yaml:"stale_after_days"`
	TimeDecay      DecayConfig `yaml:"time_decay"`
}

// DecayConfig holds time decay parameters.
type DecayConfig struct {
	HalfLifeDays int     `yaml:"half_life_days"`
	Floor        float64 `yaml:"floor"`
}

// SourceConfig configures one adapter by source type.
type SourceConfig struct {
	Type     string `yaml:"type"`
	Priority int    `yaml:"priority"`
	// Enabled defaults to true; false makes the adapter unavailable.
	Enabled        *bool        `yaml:"enabled,omitempty"`
	StaleAfterDays int          `yaml:"stale_after_days"`
	MaxAgeDays     int          `yaml:"max_age_days"`
	TimeDecay      *DecayConfig `yaml:"time_decay,omitempty"`
	// Path locates file-backed sources such as the price sheet.
	Path string `yaml:"path,omitempty"`
}

// IsEnabled reports whether the source may be used.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// StaleAfter returns the staleness threshold.
func (s SourceConfig) StaleAfter() time.Duration {
	return time.Duration(s.StaleAfterDays) * 24 * time.Hour
}

// MaxAge returns the maximum accepted quote age, zero meaning unlimited.
func (s SourceConfig) MaxAge() time.Duration {
	return time.Duration(s.MaxAgeDays) * 24 * time.Hour
}

// DefaultSources returns the built-in source order used when no file exists:
// structured table, then agent-reported quotes, then the price sheet.
func DefaultSources() *Config {
	cfg := &Config{
		Defaults: DefaultConfig{
			StaleAfterDays: 90,
			TimeDecay:      DecayConfig{HalfLifeDays: 365, Floor: 0.2},
		},
		Sources: []SourceConfig{
			{Type: "structured_table", Priority: 1},
			{Type: "agent_push", Priority: 2, MaxAgeDays: 30, TimeDecay: &DecayConfig{HalfLifeDays: 30, Floor: 0.3}},
			{Type: "price_sheet", Priority: 3},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads source config from a YAML file with a top-level
// "waterfall" key.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "waterfall: read config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig parses source config YAML.
func ParseConfig(data []byte) (*Config, error) {
	var wrapper struct {
		Waterfall Config `yaml:"waterfall"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "waterfall: parse config")
	}

	cfg := &wrapper.Waterfall
	seen := make(map[string]bool, len(cfg.Sources))
	for _, s := range cfg.Sources {
		if s.Type == "" {
			return nil, eris.New("waterfall: source without type")
		}
		if seen[s.Type] {
			return nil, eris.Errorf("waterfall: source %q listed twice", s.Type)
		}
		seen[s.Type] = true
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Defaults.StaleAfterDays == 0 {
		c.Defaults.StaleAfterDays = 90
	}
	for i := range c.Sources {
		if c.Sources[i].StaleAfterDays == 0 {
			c.Sources[i].StaleAfterDays = c.Defaults.StaleAfterDays
		}
	}
}

// Source returns the config for a source type. Unlisted types get the
// defaults and are enabled.
func (c *Config) Source(sourceType string) (SourceConfig, bool) {
	if c == nil {
		return SourceConfig{Type: sourceType, StaleAfterDays: 90}, false
	}
	for _, s := range c.Sources {
		if s.Type == sourceType {
			return s, true
		}
	}
	return SourceConfig{Type: sourceType, StaleAfterDays: c.Defaults.StaleAfterDays}, false
}
