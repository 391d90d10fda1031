// Package app holds process configuration: defaults, an optional YAML
// config file, environment variables, and flags, applied in that order.
package app

import (
	"os"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration of the server.
type Config struct {
	ListenAddr string
	PublicURL  string

	// LLM
	LLMBaseURL     string
	LLMAPIKey      string
	AgentModel     string
	ClassifyModel  string
	ExtractorModel string

	// Search
	SearchAPIKey string

	// Storage
	DatabasePath string
	KVDir        string // empty uses the in-process store

	// Agent behavior
	RunTimeout time.Duration

	Verbose bool
}

// Defaults returns the baseline configuration before file, env, and flag
// overrides.
func Defaults() Config {
	return Config{
		ListenAddr:     ":8080",
		AgentModel:     "gpt-4o",
		ClassifyModel:  "gpt-4o-mini",
		ExtractorModel: "gpt-4o-mini",
		DatabasePath:   "scan.db",
		RunTimeout:     5 * time.Minute,
	}
}

// FileConfig is the YAML config file schema. Nested sections map naturally
// to flags and env vars.
type FileConfig struct {
	Listen string `yaml:"listen"`
	Public string `yaml:"public"`

	LLM struct {
		BaseURL        string `yaml:"base"`
		APIKey         string `yaml:"key"`
		AgentModel     string `yaml:"model"`
		ClassifyModel  string `yaml:"classifyModel"`
		ExtractorModel string `yaml:"extractorModel"`
	} `yaml:"llm"`

	Search struct {
		APIKey string `yaml:"key"`
	} `yaml:"search"`

	Store struct {
		Database string `yaml:"database"`
		KVDir    string `yaml:"kvDir"`
	} `yaml:"store"`

	RunTimeout time.Duration `yaml:"runTimeout"`
	Verbose    bool          `yaml:"verbose"`
}

// LoadConfigFile reads a YAML config file and overlays it onto cfg. A
// missing path is not an error.
func LoadConfigFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	setString(&cfg.ListenAddr, fc.Listen)
	setString(&cfg.PublicURL, fc.Public)
	setString(&cfg.LLMBaseURL, fc.LLM.BaseURL)
	setString(&cfg.LLMAPIKey, fc.LLM.APIKey)
	setString(&cfg.AgentModel, fc.LLM.AgentModel)
	setString(&cfg.ClassifyModel, fc.LLM.ClassifyModel)
	setString(&cfg.ExtractorModel, fc.LLM.ExtractorModel)
	setString(&cfg.SearchAPIKey, fc.Search.APIKey)
	setString(&cfg.DatabasePath, fc.Store.Database)
	setString(&cfg.KVDir, fc.Store.KVDir)
	if fc.RunTimeout > 0 {
		cfg.RunTimeout = fc.RunTimeout
	}
	if fc.Verbose {
		cfg.Verbose = true
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, os.Getenv("SCAN_LISTEN"))
	setString(&cfg.PublicURL, os.Getenv("SCAN_PUBLIC_URL"))
	setString(&cfg.LLMBaseURL, os.Getenv("LLM_BASE_URL"))
	setString(&cfg.LLMAPIKey, os.Getenv("LLM_API_KEY"))
	setString(&cfg.AgentModel, os.Getenv("LLM_MODEL"))
	setString(&cfg.ClassifyModel, os.Getenv("LLM_CLASSIFY_MODEL"))
	setString(&cfg.ExtractorModel, os.Getenv("LLM_EXTRACTOR_MODEL"))
	setString(&cfg.SearchAPIKey, os.Getenv("SEARCH_API_KEY"))
	setString(&cfg.DatabasePath, os.Getenv("SCAN_DATABASE"))
	setString(&cfg.KVDir, os.Getenv("SCAN_KV_DIR"))
	if v := os.Getenv("SCAN_RUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RunTimeout = d
		}
	}
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.LLMAPIKey == "" {
		return errors.New("missing LLM api key (LLM_API_KEY)")
	}
	if c.SearchAPIKey == "" {
		return errors.New("missing search api key (SEARCH_API_KEY)")
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
