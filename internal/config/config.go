// Package config loads triage settings: built-in defaults, then an optional
// YAML file, then TRIAGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crimson-sun/triage/internal/engine/embedder"
	"github.com/crimson-sun/triage/internal/engine/profile"
	"github.com/crimson-sun/triage/internal/output"
)

// Version is the triage release.
const Version = "0.3.0"

const defaultOpenAIURL = "https://api.openai.com/v1"

// Config holds all triage configuration.
type Config struct {
	Embedder    EmbedderConfig  `yaml:"embedder"`
	Category    profile.Profile `yaml:"category"`
	Subcategory profile.Profile `yaml:"subcategory"`
	Output      OutputConfig    `yaml:"output"`
	Audit       AuditConfig     `yaml:"audit"`
	Columns     ColumnsConfig   `yaml:"columns"`
	LogLevel    string          `yaml:"log_level"`
}

// EmbedderConfig selects and configures the embedding provider.
type EmbedderConfig struct {
	Provider string `yaml:"provider"` // "onnx", "http", "hash"

	ModelPath      string `yaml:"model_path"`
	VocabPath      string `yaml:"vocab_path"`
	ProjectionPath string `yaml:"projection_path"`
	LibPath        string `yaml:"lib_path"`
	MaxSeqLen      int    `yaml:"max_seq_len"`
	Cased          bool   `yaml:"cased"`
	Threads        int    `yaml:"threads"`

	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"-"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
	BatchSize int           `yaml:"batch_size"`

	Dim int `yaml:"dim"`
}

// OutputConfig selects where per-row events go.
type OutputConfig struct {
	Format       string `yaml:"format"` // "stdout", "text", "file", "none"
	Path         string `yaml:"path"`
	MaxSize      int64  `yaml:"max_size"`
	Verbosity    string `yaml:"verbosity"`
	Pretty       bool   `yaml:"pretty"`
	ReviewOnly   bool   `yaml:"review_only"`
	WebhookURL   string `yaml:"webhook_url"`
	WebhookToken string `yaml:"-"`
}

// AuditConfig locates the audit database. An empty Path disables auditing.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// ColumnsConfig tunes header mapping.
type ColumnsConfig struct {
	Threshold int `yaml:"threshold"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Embedder: EmbedderConfig{
			Provider:       "onnx",
			ModelPath:      "models/model.onnx",
			VocabPath:      "models/vocab.txt",
			ProjectionPath: "",
			MaxSeqLen:      128,
			Threads:        4,
			BaseURL:        defaultOpenAIURL,
			Model:          "text-embedding-3-small",
			Timeout:        30 * time.Second,
			BatchSize:      100,
		},
		Category:    profile.Category(),
		Subcategory: profile.Subcategory(),
		Output: OutputConfig{
			Format:    "stdout",
			Verbosity: "standard",
		},
		Audit:    AuditConfig{Path: "data/audit.db"},
		Columns:  ColumnsConfig{Threshold: 70},
		LogLevel: "info",
	}
}

// Load builds the configuration. path names an optional YAML file; an empty
// path skips it. Environment variables override both.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	e := &cfg.Embedder
	e.Provider = getenv("TRIAGE_PROVIDER", e.Provider)
	e.ModelPath = getenv("TRIAGE_MODEL_PATH", e.ModelPath)
	e.VocabPath = getenv("TRIAGE_VOCAB_PATH", e.VocabPath)
	e.ProjectionPath = getenv("TRIAGE_PROJECTION_PATH", e.ProjectionPath)
	e.LibPath = getenv("TRIAGE_ORT_LIB", e.LibPath)
	e.MaxSeqLen = getenvInt("TRIAGE_MAX_SEQ_LEN", e.MaxSeqLen)
	e.Cased = getenvBool("TRIAGE_CASED", e.Cased)
	e.Threads = getenvInt("TRIAGE_THREADS", e.Threads)
	e.BaseURL = getenv("TRIAGE_EMBEDDINGS_URL", e.BaseURL)
	e.Model = getenv("TRIAGE_EMBEDDINGS_MODEL", e.Model)
	e.APIKey = getenv("TRIAGE_API_KEY", getenv("OPENAI_API_KEY", e.APIKey))
	e.Timeout = getenvDuration("TRIAGE_EMBED_TIMEOUT", e.Timeout)
	e.BatchSize = getenvInt("TRIAGE_EMBED_BATCH", e.BatchSize)
	e.Dim = getenvInt("TRIAGE_EMBED_DIM", e.Dim)

	for _, p := range []struct {
		prefix string
		prof   *profile.Profile
	}{
		{"TRIAGE_CATEGORY_", &cfg.Category},
		{"TRIAGE_SUBCATEGORY_", &cfg.Subcategory},
	} {
		p.prof.Threshold = getenvFloat(p.prefix+"THRESHOLD", p.prof.Threshold)
		p.prof.K = getenvInt(p.prefix+"K", p.prof.K)
		p.prof.BatchSize = getenvInt(p.prefix+"BATCH_SIZE", p.prof.BatchSize)
		p.prof.Voting = getenv(p.prefix+"VOTING", p.prof.Voting)
		p.prof.ApplyBelowThreshold = getenvBool(p.prefix+"APPLY_BELOW_THRESHOLD", p.prof.ApplyBelowThreshold)
	}

	o := &cfg.Output
	o.Format = getenv("TRIAGE_OUTPUT", o.Format)
	o.Path = getenv("TRIAGE_OUTPUT_PATH", o.Path)
	o.MaxSize = int64(getenvInt("TRIAGE_OUTPUT_MAX_SIZE", int(o.MaxSize)))
	o.Verbosity = getenv("TRIAGE_VERBOSITY", o.Verbosity)
	o.Pretty = getenvBool("TRIAGE_OUTPUT_PRETTY", o.Pretty)
	o.ReviewOnly = getenvBool("TRIAGE_OUTPUT_REVIEW_ONLY", o.ReviewOnly)
	o.WebhookURL = getenv("TRIAGE_WEBHOOK_URL", o.WebhookURL)
	o.WebhookToken = getenv("TRIAGE_WEBHOOK_TOKEN", o.WebhookToken)

	if v, ok := os.LookupEnv("TRIAGE_AUDIT_DB"); ok {
		cfg.Audit.Path = v
	}
	cfg.Columns.Threshold = getenvInt("TRIAGE_COLUMN_THRESHOLD", cfg.Columns.Threshold)
	cfg.LogLevel = getenv("TRIAGE_LOG_LEVEL", cfg.LogLevel)
}

// EmbedderConfig returns the provider settings.
func (c Config) EmbedderConfig() embedder.Config {
	e := c.Embedder
	return embedder.Config{
		Provider:       e.Provider,
		ModelPath:      e.ModelPath,
		VocabPath:      e.VocabPath,
		ProjectionPath: e.ProjectionPath,
		LibPath:        e.LibPath,
		MaxSeqLen:      e.MaxSeqLen,
		Cased:          e.Cased,
		Threads:        e.Threads,
		BaseURL:        e.BaseURL,
		APIKey:         e.APIKey,
		Model:          e.Model,
		Timeout:        e.Timeout,
		BatchSize:      e.BatchSize,
		Dim:            e.Dim,
	}
}

// Profiles returns the category and subcategory profiles in run order.
func (c Config) Profiles() []profile.Profile {
	return []profile.Profile{c.Category, c.Subcategory}
}

// Validate checks the configuration and reports every problem found.
func (c Config) Validate() error {
	var errs []error

	switch e := c.Embedder; e.Provider {
	case "onnx":
		if _, err := os.Stat(e.ModelPath); err != nil {
			errs = append(errs, fmt.Errorf("model file not found (TRIAGE_MODEL_PATH=%s)", e.ModelPath))
		}
		if _, err := os.Stat(e.VocabPath); err != nil {
			errs = append(errs, fmt.Errorf("vocab file not found (TRIAGE_VOCAB_PATH=%s)", e.VocabPath))
		}
		if e.ProjectionPath != "" {
			if _, err := os.Stat(e.ProjectionPath); err != nil {
				errs = append(errs, fmt.Errorf("projection file not found (TRIAGE_PROJECTION_PATH=%s)", e.ProjectionPath))
			}
		}
	case "http":
		if e.BaseURL == "" {
			errs = append(errs, errors.New("http provider requires TRIAGE_EMBEDDINGS_URL"))
		}
		if e.APIKey == "" && strings.HasPrefix(e.BaseURL, defaultOpenAIURL) {
			errs = append(errs, errors.New("http provider requires TRIAGE_API_KEY"))
		}
	default:
		if !slices.Contains(embedder.Providers(), e.Provider) {
			errs = append(errs, fmt.Errorf("unknown embedding provider %q (TRIAGE_PROVIDER, one of %s)",
				e.Provider, strings.Join(embedder.Providers(), ", ")))
		}
	}
	if c.Embedder.Dim < 0 {
		errs = append(errs, fmt.Errorf("embedding dim must be >= 0, got %d", c.Embedder.Dim))
	}

	for _, p := range c.Profiles() {
		if p.Threshold < 0 || p.Threshold > 1 {
			errs = append(errs, fmt.Errorf("%s confidence threshold must be in [0, 1], got %v", p.Name, p.Threshold))
			continue
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	switch c.Output.Format {
	case "stdout", "text", "none":
	case "file":
		if c.Output.Path == "" {
			errs = append(errs, errors.New("file output requires TRIAGE_OUTPUT_PATH"))
		}
	default:
		errs = append(errs, fmt.Errorf("output format must be stdout, text, file or none, got %q", c.Output.Format))
	}
	if _, err := output.ParseVerbosity(c.Output.Verbosity); err != nil {
		errs = append(errs, fmt.Errorf("invalid verbosity %q", c.Output.Verbosity))
	}
	if c.Columns.Threshold < 1 || c.Columns.Threshold > 100 {
		errs = append(errs, fmt.Errorf("column threshold must be in [1, 100], got %d", c.Columns.Threshold))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
