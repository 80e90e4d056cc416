package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultProviderType     = "openai"
	DefaultReasoningModel   = "gpt-5"
	DefaultFriendlyModel    = "gpt-5-chat"
	DefaultMaxTokens        = 4096
	DefaultTemperature      = 0.1
	DefaultTimeoutSeconds   = 30
	DefaultMaxTurns         = 12
	DefaultMaxRedFlags      = 4
	DefaultHistoryWindow    = 0
	DefaultIdleTimeout      = "30m"
	DefaultSweepSchedule    = "0 */5 * * * *"
	DefaultQuoteLimit       = 300
	DefaultBufSize          = 100
	DefaultCasePrefix       = "case"
	homeEnv                 = "CASEINTAKE_HOME"
	configDirName           = ".caseintake"
	configFileName          = "config.json"
	ledgerRelPath           = "db/evidence.jsonl"
	defaultArtifactsDirName = "artifacts"
	defaultCompareDirName   = "compare"
)

type Config struct {
	Provider    ProviderConfig `json:"provider"`
	Models      ModelsConfig   `json:"models"`
	Intake      IntakeConfig   `json:"intake"`
	Review      ReviewConfig   `json:"review"`
	Storage     StorageConfig  `json:"storage"`
	Channels    ChannelsConfig `json:"channels"`
	Extract     ExtractConfig  `json:"extract"`
	PromptsPath string         `json:"promptsPath,omitempty"`
	Debug       bool           `json:"debug"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "openai" (default) or "anthropic"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ModelsConfig struct {
	Reasoning      string  `json:"reasoning"`
	Friendly       string  `json:"friendly"`
	Vision         string  `json:"vision,omitempty"`
	MaxTokens      int     `json:"maxTokens"`
	Temperature    float64 `json:"temperature"`
	TimeoutSeconds int     `json:"timeoutSeconds"`
}

// Timeout is the per-call collaborator deadline.
func (m ModelsConfig) Timeout() time.Duration {
	if m.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// VisionModel falls back to the reasoning model.
func (m ModelsConfig) VisionModel() string {
	if strings.TrimSpace(m.Vision) != "" {
		return m.Vision
	}
	return m.Reasoning
}

type IntakeConfig struct {
	MaxTurns      int    `json:"maxTurns"`
	MaxRedFlags   int    `json:"maxRedFlags"`
	HistoryWindow int    `json:"historyWindow"`
	IdleTimeout   string `json:"idleTimeout,omitempty"`
	SweepSchedule string `json:"sweepSchedule,omitempty"`
	CasePrefix    string `json:"casePrefix,omitempty"`
}

// IdleDuration parses IdleTimeout; zero disables expiry.
func (c IntakeConfig) IdleDuration() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.IdleTimeout))
	if err != nil || d < 0 {
		return 0
	}
	return d
}

type ReviewConfig struct {
	QuoteLimit int `json:"quoteLimit"`
}

type StorageConfig struct {
	LedgerPath   string `json:"ledgerPath,omitempty"`
	ArtifactsDir string `json:"artifactsDir,omitempty"`
	CompareDir   string `json:"compareDir,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type ExtractConfig struct {
	UnidocLicenseKey string `json:"unidocLicenseKey,omitempty"`
}

func DefaultConfig() *Config {
	dir := ConfigDir()
	artifacts := filepath.Join(dir, defaultArtifactsDirName)
	return &Config{
		Provider: ProviderConfig{Type: DefaultProviderType},
		Models: ModelsConfig{
			Reasoning:      DefaultReasoningModel,
			Friendly:       DefaultFriendlyModel,
			MaxTokens:      DefaultMaxTokens,
			Temperature:    DefaultTemperature,
			TimeoutSeconds: DefaultTimeoutSeconds,
		},
		Intake: IntakeConfig{
			MaxTurns:      DefaultMaxTurns,
			MaxRedFlags:   DefaultMaxRedFlags,
			HistoryWindow: DefaultHistoryWindow,
			IdleTimeout:   DefaultIdleTimeout,
			SweepSchedule: DefaultSweepSchedule,
			CasePrefix:    DefaultCasePrefix,
		},
		Review: ReviewConfig{QuoteLimit: DefaultQuoteLimit},
		Storage: StorageConfig{
			LedgerPath:   filepath.Join(artifacts, ledgerRelPath),
			ArtifactsDir: artifacts,
			CompareDir:   filepath.Join(artifacts, defaultCompareDirName),
		},
	}
}

func ConfigDir() string {
	if dir := os.Getenv(homeEnv); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, configDirName)
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), configFileName)
}

// LoadConfig reads .env (if present), the config file (if present) and then
// applies environment overrides.
func LoadConfig() (*Config, error) {
	// .env is optional; real environment variables win over it
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	fillDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("CASEINTAKE_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		cfg.Provider.Type = "anthropic"
	}
	if t := os.Getenv("CASEINTAKE_PROVIDER"); t != "" {
		cfg.Provider.Type = strings.ToLower(t)
	}
	if url := os.Getenv("CASEINTAKE_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("CASEINTAKE_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" && cfg.Channels.Telegram.Token == "" {
		cfg.Channels.Telegram.Token = token
	}
	if m := os.Getenv("MODEL_REASONING"); m != "" {
		cfg.Models.Reasoning = m
	}
	if m := os.Getenv("MODEL_FRIENDLY"); m != "" {
		cfg.Models.Friendly = m
	}
	if m := os.Getenv("MODEL_VISION"); m != "" {
		cfg.Models.Vision = m
	}
	if p := os.Getenv("CASEINTAKE_LEDGER_PATH"); p != "" {
		cfg.Storage.LedgerPath = p
	}
	if p := os.Getenv("CASEINTAKE_PROMPTS"); p != "" {
		cfg.PromptsPath = p
	}
	if key := os.Getenv("UNIDOC_LICENSE_KEY"); key != "" {
		cfg.Extract.UnidocLicenseKey = key
	}
	if turns := os.Getenv("CASEINTAKE_MAX_TURNS"); turns != "" {
		if parsed, err := strconv.Atoi(turns); err == nil {
			cfg.Intake.MaxTurns = parsed
		}
	}
	if debug := os.Getenv("DEBUG"); debug != "" {
		switch strings.ToLower(debug) {
		case "1", "true", "yes":
			cfg.Debug = true
		default:
			cfg.Debug = false
		}
	}
}

func fillDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = DefaultProviderType
	}
	if cfg.Models.Reasoning == "" {
		cfg.Models.Reasoning = def.Models.Reasoning
	}
	if cfg.Models.Friendly == "" {
		cfg.Models.Friendly = cfg.Models.Reasoning
	}
	if cfg.Models.MaxTokens <= 0 {
		cfg.Models.MaxTokens = def.Models.MaxTokens
	}
	if cfg.Storage.ArtifactsDir == "" {
		cfg.Storage.ArtifactsDir = def.Storage.ArtifactsDir
	}
	if cfg.Storage.LedgerPath == "" {
		cfg.Storage.LedgerPath = filepath.Join(cfg.Storage.ArtifactsDir, ledgerRelPath)
	}
	if cfg.Storage.CompareDir == "" {
		cfg.Storage.CompareDir = filepath.Join(cfg.Storage.ArtifactsDir, defaultCompareDirName)
	}
	if cfg.Intake.CasePrefix == "" {
		cfg.Intake.CasePrefix = DefaultCasePrefix
	}
	if cfg.Intake.SweepSchedule == "" {
		cfg.Intake.SweepSchedule = DefaultSweepSchedule
	}
}

// Validate rejects settings the intake and review flows cannot run with.
func (c *Config) Validate() error {
	switch c.Provider.Type {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("invalid config: unknown provider type %q", c.Provider.Type)
	}
	if c.Intake.MaxTurns < 1 {
		return fmt.Errorf("invalid config: intake.maxTurns must be >= 1, got %d", c.Intake.MaxTurns)
	}
	if c.Intake.MaxRedFlags < 0 {
		return fmt.Errorf("invalid config: intake.maxRedFlags must be >= 0, got %d", c.Intake.MaxRedFlags)
	}
	if c.Intake.HistoryWindow < 0 {
		return fmt.Errorf("invalid config: intake.historyWindow must be >= 0, got %d", c.Intake.HistoryWindow)
	}
	if c.Review.QuoteLimit < 4 {
		return fmt.Errorf("invalid config: review.quoteLimit must be >= 4, got %d", c.Review.QuoteLimit)
	}
	return nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
