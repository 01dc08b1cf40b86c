// Package config handles Termingeist configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridable in tests to avoid picking up real
// config files from the developer/deploy machine.
var searchPathsFunc = DefaultSearchPaths

// timeLoadLocation is a seam over time.LoadLocation for testability.
var timeLoadLocation = time.LoadLocation

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/termingeist/config.yaml, /config/config.yaml,
// /etc/termingeist/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "termingeist", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/termingeist/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches the default search paths and returns the first that
// exists. Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all Termingeist configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	LLM        LLMConfig        `yaml:"llm"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Memory     MemoryConfig     `yaml:"memory"`
	Calendar   CalendarConfig   `yaml:"calendar"`
	Person     PersonConfig     `yaml:"person"`
	Reflection ReflectionConfig `yaml:"reflection"`
	Timezone   string           `yaml:"timezone"`
	DataDir    string           `yaml:"data_dir"`
	ProfileDir string           `yaml:"profile_dir"`
	LogLevel   string           `yaml:"log_level"`
}

// ListenConfig defines the /status API server settings.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// LLMConfig defines the provider cascade: a primary and a fallback.
type LLMConfig struct {
	Primary  ProviderConfig `yaml:"primary"`
	Fallback ProviderConfig `yaml:"fallback"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Provider string `yaml:"provider"` // "anthropic" or "ollama"
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	TimeoutS int    `yaml:"timeout_s"`
}

// ExtractionConfig holds the validator's thresholds and windows.
type ExtractionConfig struct {
	ConfidenceAutoThreshold  float64  `yaml:"confidence_auto_threshold"`
	DuplicateThreshold       float64  `yaml:"duplicate_threshold"`
	DuplicateSuppressThresh  float64  `yaml:"duplicate_suppress_threshold"`
	ConversationWindowSize   int      `yaml:"conversation_window_size"`
	ExistingAppointmentsDays int      `yaml:"existing_appointments_window_days"`
	MaxExisting              int      `yaml:"max_existing"`
	UserName                 string   `yaml:"user_name"`
	PartnerName              string   `yaml:"partner_name"`
	ChildrenNames            []string `yaml:"children_names"`

	// ChatID scopes every read/write in this core to a single
	// household chat — spec.md's Non-goals exclude multi-household
	// routing, so one deployment serves exactly one chat.
	ChatID string `yaml:"chat_id"`
}

// MemoryConfig configures the external semantic-memory service.
type MemoryConfig struct {
	Enabled          bool   `yaml:"enabled"`
	URL              string `yaml:"url"`
	RecallTimeoutS   int    `yaml:"recall_timeout_s"`
	MemorizePoolSize int    `yaml:"memorize_pool_size"`
}

// CalendarConfig names the two logical remote calendars.
type CalendarConfig struct {
	URL               string `yaml:"url"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	ConfirmedCalendar string `yaml:"confirmed_calendar"`
	SuggestedCalendar string `yaml:"suggested_calendar"`
}

// PersonConfig points at the profile directory.
type PersonConfig struct {
	Dir string `yaml:"dir"`
}

// ReflectionConfig configures the periodic reflection agent.
type ReflectionConfig struct {
	IntervalMin int    `yaml:"reflection_interval_min"`
	LockTTLMin  int    `yaml:"reflection_lock_ttl_min"`
	Model       string `yaml:"model"`
	LockPath    string `yaml:"lock_path"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${ANTHROPIC_API_KEY}).
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8088
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.ProfileDir == "" {
		c.ProfileDir = "./profiles"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Berlin"
	}
	if c.LLM.Primary.TimeoutS == 0 {
		c.LLM.Primary.TimeoutS = 45
	}
	if c.LLM.Fallback.TimeoutS == 0 {
		c.LLM.Fallback.TimeoutS = 30
	}
	if c.Extraction.ConfidenceAutoThreshold == 0 {
		c.Extraction.ConfidenceAutoThreshold = 0.85
	}
	if c.Extraction.DuplicateThreshold == 0 {
		c.Extraction.DuplicateThreshold = 0.7
	}
	if c.Extraction.DuplicateSuppressThresh == 0 {
		c.Extraction.DuplicateSuppressThresh = 0.9
	}
	if c.Extraction.ConversationWindowSize == 0 {
		c.Extraction.ConversationWindowSize = 10
	}
	if c.Extraction.ExistingAppointmentsDays == 0 {
		c.Extraction.ExistingAppointmentsDays = 60
	}
	if c.Extraction.MaxExisting == 0 {
		c.Extraction.MaxExisting = 30
	}
	if c.Memory.RecallTimeoutS == 0 {
		c.Memory.RecallTimeoutS = 3
	}
	if c.Memory.MemorizePoolSize == 0 {
		c.Memory.MemorizePoolSize = 16
	}
	if c.Reflection.IntervalMin == 0 {
		c.Reflection.IntervalMin = 30
	}
	if c.Reflection.LockTTLMin == 0 {
		c.Reflection.LockTTLMin = 30
	}
	if c.Reflection.LockPath == "" {
		c.Reflection.LockPath = filepath.Join(c.DataDir, "reflection.lock")
	}
	if c.Extraction.ChatID == "" {
		c.Extraction.ChatID = "default"
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Extraction.ConfidenceAutoThreshold < 0 || c.Extraction.ConfidenceAutoThreshold > 1 {
		return fmt.Errorf("extraction.confidence_auto_threshold must be in [0,1]")
	}
	if c.Extraction.DuplicateThreshold < 0 || c.Extraction.DuplicateThreshold > 1 {
		return fmt.Errorf("extraction.duplicate_threshold must be in [0,1]")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if _, err := timeLoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Default returns a default configuration suitable for local
// development. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
