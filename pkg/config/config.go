// Package config handles MarkovDB configuration via YAML files and environment variables.
//
// Configuration starts from DefaultConfig(), is optionally overlaid by a YAML
// file, and finally by MARKOVDB_* environment variables. The result is a
// plain value object: components receive the sections they need instead of
// reading global state.
//
// Example Usage:
//
//	cfg, err := config.Load("markovdb.yaml")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	logger, _ := cfg.Logging.Build()
//	fmt.Printf("Chain data: %s\n", cfg.Database.DataDir)
//
// Environment Variables:
//
// Markov:
//   - MARKOVDB_ENABLED=true
//   - MARKOVDB_PROBABILITY=25
//   - MARKOVDB_MAX_WORDS=50
//   - MARKOVDB_LEARN_DELAY=500ms
//   - MARKOVDB_IGNORE="#spam,*!*@bots.example.org"
//   - MARKOVDB_REPLY_DELAY_MIN=1s
//   - MARKOVDB_REPLY_DELAY_MAX=5s
//
// Database:
//   - MARKOVDB_DATA_DIR="./data"
//   - MARKOVDB_IN_MEMORY=false
//   - MARKOVDB_SYNC_WRITES=false
//   - MARKOVDB_ENCRYPTION_PASSPHRASE=""
//   - MARKOVDB_CACHE_SIZE=1000
//   - MARKOVDB_CACHE_TTL=0
//
// Logging:
//   - MARKOVDB_LOG_LEVEL=INFO
//   - MARKOVDB_LOG_FORMAT=json
//   - MARKOVDB_LOG_OUTPUT=stderr
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Limits enforced by Validate.
const (
	MaxProbability = 100
	MaxWordsLimit  = 100
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all MarkovDB configuration.
//
// Configuration is organized into logical sections:
//   - Markov: learning and generation behaviour
//   - Database: chain store location, durability and caching
//   - Logging: zap logger construction
type Config struct {
	Markov   MarkovConfig   `yaml:"markov"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// MarkovConfig holds learning and generation settings.
type MarkovConfig struct {
	// Enabled turns unsolicited replies on
	Enabled bool `yaml:"enabled"`
	// Probability is the percent chance (0-100) of replying to an observed line
	Probability int `yaml:"probability"`
	// MaxWords caps generated output (0 disables output entirely)
	MaxWords int `yaml:"max_words"`
	// LearnDelay paces the learning worker; zero disables pacing
	LearnDelay time.Duration `yaml:"learn_delay"`
	// Ignore lists channels and hostmasks that are never learned from
	Ignore IgnoreList `yaml:"ignore"`
	// ReplyDelayMin and ReplyDelayMax bound the artificial delay a caller
	// waits before delivering a reply
	ReplyDelayMin time.Duration `yaml:"reply_delay_min"`
	ReplyDelayMax time.Duration `yaml:"reply_delay_max"`
}

// DatabaseConfig holds chain store settings.
type DatabaseConfig struct {
	// DataDir is the directory for the badger store
	DataDir string `yaml:"data_dir"`
	// InMemory keeps the chain in memory only
	InMemory bool `yaml:"in_memory"`
	// SyncWrites fsyncs every learned token
	SyncWrites bool `yaml:"sync_writes"`
	// EncryptionPassphrase enables encryption at rest when non-empty
	EncryptionPassphrase string `yaml:"encryption_passphrase,omitempty"`
	// CacheSize is the number of successor lists kept in memory (0 disables)
	CacheSize int `yaml:"cache_size"`
	// CacheTTL expires cached lists (0 = never)
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (DEBUG, INFO, WARN, ERROR)
	Level string `yaml:"level"`
	// Format (json, console)
	Format string `yaml:"format"`
	// Output path (stdout, stderr, or file path)
	Output string `yaml:"output"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Markov: MarkovConfig{
			Enabled:       false,
			Probability:   25,
			MaxWords:      50,
			LearnDelay:    500 * time.Millisecond,
			ReplyDelayMin: 1 * time.Second,
			ReplyDelayMax: 5 * time.Second,
		},
		Database: DatabaseConfig{
			DataDir:   "./data",
			CacheSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "json",
			Output: "stderr",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults. Fields missing from the
// file keep their default values. The result is not validated.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// SaveFile writes c as YAML to path.
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv returns DefaultConfig() with environment overrides applied.
//
// Thread Safety:
//
//	LoadFromEnv reads environment variables which are process-global and
//	should not be modified after startup.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields of c with any MARKOVDB_* variables that are set.
// Unparseable values are ignored and the current value kept.
func (c *Config) ApplyEnv() {
	c.Markov.Enabled = getEnvBool("MARKOVDB_ENABLED", c.Markov.Enabled)
	c.Markov.Probability = getEnvInt("MARKOVDB_PROBABILITY", c.Markov.Probability)
	c.Markov.MaxWords = getEnvInt("MARKOVDB_MAX_WORDS", c.Markov.MaxWords)
	c.Markov.LearnDelay = getEnvDuration("MARKOVDB_LEARN_DELAY", c.Markov.LearnDelay)
	c.Markov.Ignore = getEnvStringSlice("MARKOVDB_IGNORE", c.Markov.Ignore)
	c.Markov.ReplyDelayMin = getEnvDuration("MARKOVDB_REPLY_DELAY_MIN", c.Markov.ReplyDelayMin)
	c.Markov.ReplyDelayMax = getEnvDuration("MARKOVDB_REPLY_DELAY_MAX", c.Markov.ReplyDelayMax)

	c.Database.DataDir = getEnv("MARKOVDB_DATA_DIR", c.Database.DataDir)
	c.Database.InMemory = getEnvBool("MARKOVDB_IN_MEMORY", c.Database.InMemory)
	c.Database.SyncWrites = getEnvBool("MARKOVDB_SYNC_WRITES", c.Database.SyncWrites)
	c.Database.EncryptionPassphrase = getEnv("MARKOVDB_ENCRYPTION_PASSPHRASE", c.Database.EncryptionPassphrase)
	c.Database.CacheSize = getEnvInt("MARKOVDB_CACHE_SIZE", c.Database.CacheSize)
	c.Database.CacheTTL = getEnvDuration("MARKOVDB_CACHE_TTL", c.Database.CacheTTL)

	c.Logging.Level = getEnv("MARKOVDB_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("MARKOVDB_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("MARKOVDB_LOG_OUTPUT", c.Logging.Output)
}

// Validate checks the configuration for invalid values.
//
// Returns nil if configuration is valid, or an error wrapping
// ErrInvalidConfig that describes the first problem found.
func (c *Config) Validate() error {
	m := c.Markov
	if m.Probability < 0 || m.Probability > MaxProbability {
		return fmt.Errorf("%w: probability must be 0-%d, got %d", ErrInvalidConfig, MaxProbability, m.Probability)
	}
	if m.MaxWords < 0 || m.MaxWords > MaxWordsLimit {
		return fmt.Errorf("%w: max words must be 0-%d, got %d", ErrInvalidConfig, MaxWordsLimit, m.MaxWords)
	}
	if m.LearnDelay < 0 {
		return fmt.Errorf("%w: learn delay must not be negative", ErrInvalidConfig)
	}
	if m.ReplyDelayMin < 0 || m.ReplyDelayMax < m.ReplyDelayMin {
		return fmt.Errorf("%w: reply delay range %v..%v", ErrInvalidConfig, m.ReplyDelayMin, m.ReplyDelayMax)
	}
	for _, pattern := range m.Ignore {
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("%w: empty ignore pattern", ErrInvalidConfig)
		}
	}

	if !c.Database.InMemory && c.Database.DataDir == "" {
		return fmt.Errorf("%w: data directory required unless in-memory", ErrInvalidConfig)
	}
	if c.Database.CacheSize < 0 {
		return fmt.Errorf("%w: cache size must not be negative", ErrInvalidConfig)
	}
	if c.Database.CacheTTL < 0 {
		return fmt.Errorf("%w: cache TTL must not be negative", ErrInvalidConfig)
	}

	if _, err := c.Logging.level(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("%w: log format must be json or console, got %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// String returns a safe string representation of the Config.
//
// The encryption passphrase is never included, making this safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Enabled: %v, Probability: %d%%, MaxWords: %d, LearnDelay: %v, Ignore: %d, DataDir: %s, InMemory: %v, Encrypted: %v, Cache: %d}",
		c.Markov.Enabled, c.Markov.Probability, c.Markov.MaxWords, c.Markov.LearnDelay,
		len(c.Markov.Ignore),
		c.Database.DataDir, c.Database.InMemory, c.Database.EncryptionPassphrase != "",
		c.Database.CacheSize,
	)
}

// =============================================================================
// Ignore list
// =============================================================================

// IgnoreList holds channel names and hostmask patterns to ignore.
//
// Entries starting with '#' or '&' are channels and compare
// case-insensitively. Anything else is a hostmask such as
// "*!*@spam.example.org" where '*' matches any run of characters and '?'
// matches exactly one.
type IgnoreList []string

// Compile builds a matcher for the list. Hostmask patterns are compiled
// once here.
func (l IgnoreList) Compile() *IgnoreMatcher {
	m := &IgnoreMatcher{channels: make(map[string]struct{})}
	for _, pattern := range l {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if isChannel(pattern) {
			m.channels[strings.ToLower(pattern)] = struct{}{}
			continue
		}
		if re, err := compileWildcard(pattern); err == nil {
			m.masks = append(m.masks, re)
		}
	}
	return m
}

// Add appends pattern if it is not already present.
func (l IgnoreList) Add(pattern string) IgnoreList {
	for _, p := range l {
		if strings.EqualFold(p, pattern) {
			return l
		}
	}
	return append(l, pattern)
}

// Remove returns the list without pattern.
func (l IgnoreList) Remove(pattern string) IgnoreList {
	out := make(IgnoreList, 0, len(l))
	for _, p := range l {
		if !strings.EqualFold(p, pattern) {
			out = append(out, p)
		}
	}
	return out
}

func isChannel(s string) bool {
	return strings.HasPrefix(s, "#") || strings.HasPrefix(s, "&")
}

// IgnoreMatcher is a compiled IgnoreList. It is immutable and safe for
// concurrent use; rebuild it with IgnoreList.Compile after the list changes.
type IgnoreMatcher struct {
	channels map[string]struct{}
	masks    []*regexp.Regexp
}

// Matches reports whether a line from source (a nick!user@host mask) in
// channel should be ignored. Either argument may be empty. A nil matcher
// ignores nothing.
func (m *IgnoreMatcher) Matches(source, channel string) bool {
	if m == nil {
		return false
	}
	if channel != "" {
		if _, ok := m.channels[strings.ToLower(channel)]; ok {
			return true
		}
	}
	if source == "" {
		return false
	}
	for _, re := range m.masks {
		if re.MatchString(source) {
			return true
		}
	}
	return false
}

// compileWildcard turns a '*'/'?' glob into a case-insensitive anchored regexp.
func compileWildcard(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// =============================================================================
// Logging
// =============================================================================

func (l LoggingConfig) level() (zap.AtomicLevel, error) {
	level := strings.ToLower(l.Level)
	if level == "" {
		level = "info"
	}
	return zap.ParseAtomicLevel(level)
}

// Build constructs a zap logger for these settings.
func (l LoggingConfig) Build() (*zap.Logger, error) {
	level, err := l.level()
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if strings.EqualFold(l.Format, "console") {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level

	output := l.Output
	if output == "" {
		output = "stderr"
	}
	zc.OutputPaths = []string{output}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as milliseconds
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		// Split by comma, trim whitespace
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}
