// Package config loads companion configuration from YAML with sane defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all companion configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// GenAI models
	LLM LLMConfig `yaml:"llm"`

	// Persistent storage
	Storage StorageConfig `yaml:"storage"`

	// Identity and verification
	Users UsersConfig `yaml:"users"`

	// Conversation pipeline tuning
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Weekly activity schedule
	Schedule []ScheduleEntry `yaml:"schedule"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the GenAI backends.
type LLMConfig struct {
	APIKey         string `yaml:"api_key"`
	ChatModel      string `yaml:"chat_model"`
	RouterModel    string `yaml:"router_model"`
	ImageModel     string `yaml:"image_model"`
	SpeechModel    string `yaml:"speech_model"`
	EmbeddingModel string `yaml:"embedding_model"`
	Voice          string `yaml:"voice"`
}

// StorageConfig configures the SQLite store and artifact output.
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`
	ArtifactsDir string `yaml:"artifacts_dir"`
}

// UsersConfig configures identity resolution.
type UsersConfig struct {
	// PrivilegedID is the external sender id that is created
	// verified+privileged on first contact.
	PrivilegedID string `yaml:"privileged_id"`
}

// PipelineConfig tunes the per-turn pipeline.
type PipelineConfig struct {
	// RouterWindow is how many trailing turns the modality router sees.
	RouterWindow int `yaml:"router_window"`

	// SummaryTrigger compacts history once it grows past this many turns.
	SummaryTrigger int `yaml:"summary_trigger"`

	// SummaryKeep is how many trailing turns survive compaction.
	// Must be smaller than SummaryTrigger.
	SummaryKeep int `yaml:"summary_keep"`

	// KnowledgeTopK is how many knowledge passages to retrieve per turn.
	KnowledgeTopK int `yaml:"knowledge_top_k"`

	// PassageCharLimit truncates each retrieved passage.
	PassageCharLimit int `yaml:"passage_char_limit"`

	// MemoryWindow is how many trailing turns key long-term memory recall.
	MemoryWindow int `yaml:"memory_window"`
}

// ScheduleEntry maps a weekday/hour range to an activity description.
type ScheduleEntry struct {
	Days      []string `yaml:"days"`       // e.g. [mon, tue, wed]
	StartHour int      `yaml:"start_hour"` // inclusive, 0-23
	EndHour   int      `yaml:"end_hour"`   // exclusive, 1-24
	Activity  string   `yaml:"activity"`
}

// LoggingConfig configures file logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "companion",
		Version: "0.3.0",

		LLM: LLMConfig{
			ChatModel:      "gemini-2.0-flash",
			RouterModel:    "gemini-2.0-flash",
			ImageModel:     "gemini-2.5-flash-image",
			SpeechModel:    "gemini-2.5-flash-preview-tts",
			EmbeddingModel: "gemini-embedding-001",
			Voice:          "Kore",
		},

		Storage: StorageConfig{
			DataDir:      "data",
			DatabasePath: "data/companion.db",
			ArtifactsDir: "data/artifacts",
		},

		Pipeline: PipelineConfig{
			RouterWindow:     3,
			SummaryTrigger:   20,
			SummaryKeep:      5,
			KnowledgeTopK:    3,
			PassageCharLimit: 500,
			MemoryWindow:     3,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	} else if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if id := os.Getenv("COMPANION_PRIVILEGED_ID"); id != "" {
		c.Users.PrivilegedID = id
	}
}

func (c *Config) validate() error {
	if c.Pipeline.SummaryKeep >= c.Pipeline.SummaryTrigger {
		return fmt.Errorf("summary_keep (%d) must be smaller than summary_trigger (%d)",
			c.Pipeline.SummaryKeep, c.Pipeline.SummaryTrigger)
	}
	if c.Pipeline.RouterWindow <= 0 {
		return fmt.Errorf("router_window must be positive")
	}
	for i, e := range c.Schedule {
		if e.StartHour < 0 || e.StartHour > 23 || e.EndHour < 1 || e.EndHour > 24 || e.EndHour <= e.StartHour {
			return fmt.Errorf("schedule entry %d: invalid hour range %d-%d", i, e.StartHour, e.EndHour)
		}
	}
	return nil
}
