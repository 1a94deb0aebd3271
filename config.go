package keygate

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// Duration wraps time.Duration so YAML values like "500ms" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("keygate: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ProviderConfig configures one provider's key pool.
type ProviderConfig struct {
	// Keys lists credentials inline. Keys found in the environment via
	// KeysFromEnv are merged in at pool construction.
	Keys []string `yaml:"keys"`

	MaxConcurrentPerKey int      `yaml:"max_concurrent_per_key"`
	MaxPerMinute        int      `yaml:"max_per_minute"`
	MinInterval         Duration `yaml:"min_interval"`
}

// Limits converts the config caps into pool limits.
func (pc ProviderConfig) Limits() Limits {
	return Limits{
		MaxConcurrentPerKey: pc.MaxConcurrentPerKey,
		MaxPerMinute:        pc.MaxPerMinute,
		MinInterval:         time.Duration(pc.MinInterval),
	}
}

// LoadConfig reads and parses a YAML config file. Environment variables in
// the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("keygate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("keygate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for consistency. A provider with no inline keys
// is allowed; its keys may come from the environment instead.
func (c Config) Validate() error {
	for name, pc := range c.Providers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("keygate: config: empty provider name")
		}
		if pc.MaxConcurrentPerKey < 0 {
			return fmt.Errorf("keygate: config: provider %s: max_concurrent_per_key must not be negative", name)
		}
		if pc.MaxPerMinute < 0 {
			return fmt.Errorf("keygate: config: provider %s: max_per_minute must not be negative", name)
		}
		if pc.MinInterval < 0 {
			return fmt.Errorf("keygate: config: provider %s: min_interval must not be negative", name)
		}
		for i, key := range pc.Keys {
			if strings.TrimSpace(key) == "" {
				return fmt.Errorf("keygate: config: provider %s: keys[%d] is empty", name, i)
			}
		}
	}
	return nil
}

// KeysFromEnv reads credentials for a provider from the environment, read
// once at startup: <PROVIDER>_API_KEY first, then <PROVIDER>_API_KEY_1 and
// upward until the first gap.
func KeysFromEnv(provider string) []string {
	prefix := strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"

	var keys []string
	if v := os.Getenv(prefix); v != "" {
		keys = append(keys, v)
	}
	for i := 1; ; i++ {
		v := os.Getenv(fmt.Sprintf("%s_%d", prefix, i))
		if v == "" {
			break
		}
		keys = append(keys, v)
	}
	return keys
}

// keysFor merges inline config keys with environment keys for a provider.
func (c Config) keysFor(provider string) []string {
	var keys []string
	if pc, ok := c.Providers[provider]; ok {
		keys = append(keys, pc.Keys...)
	}
	return append(keys, KeysFromEnv(provider)...)
}
