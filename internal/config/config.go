package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultMaxSlotProbes bounds how far a colliding bookmark slot or tag
// position is shifted before the row is skipped.
const DefaultMaxSlotProbes = 64

// Config represents the application configuration
type Config struct {
	WorkDir       string `yaml:"work_dir"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	MaxSlotProbes int    `yaml:"max_slot_probes"`
	MetricsFile   string `yaml:"metrics_file"`
	ChoicesFile   string `yaml:"choices_file"`
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. ~/.config/jwlmerge/config.yaml (YAML)
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:      "info",
		LogFormat:     "console",
		MaxSlotProbes: DefaultMaxSlotProbes,
	}

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	if err := loadYAMLConfig(cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Override with environment variables
	if workDir := os.Getenv("JWLMERGE_WORK_DIR"); workDir != "" {
		cfg.WorkDir = workDir
	}
	if logLevel := os.Getenv("JWLMERGE_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat := os.Getenv("JWLMERGE_LOG_FORMAT"); logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if probes := os.Getenv("JWLMERGE_MAX_SLOT_PROBES"); probes != "" {
		n, err := strconv.Atoi(probes)
		if err != nil {
			return nil, fmt.Errorf("invalid JWLMERGE_MAX_SLOT_PROBES %q: %w", probes, err)
		}
		cfg.MaxSlotProbes = n
	}
	if metricsFile := os.Getenv("JWLMERGE_METRICS_FILE"); metricsFile != "" {
		cfg.MetricsFile = metricsFile
	}
	if choices := getEnvOrFile("JWLMERGE_CHOICES_FILE", "JWLMERGE_CHOICES_FILE_FILE"); choices != "" {
		cfg.ChoicesFile = strings.TrimSpace(choices)
	}

	if cfg.MaxSlotProbes <= 0 {
		cfg.MaxSlotProbes = DefaultMaxSlotProbes
	}

	return cfg, nil
}

// loadYAMLConfig loads configuration from ~/.config/jwlmerge/config.yaml
func loadYAMLConfig(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configPath := filepath.Join(homeDir, ".config", "jwlmerge", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return string(data)
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
// Returns the path to .env.local if found, empty string otherwise.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// If we can't get home dir, just check cwd
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	// Clean paths for reliable comparison
	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		// Stop if we've reached home directory
		if dir == homeDir {
			break
		}

		// Get parent directory
		parent := filepath.Dir(dir)

		// Stop if we've reached the filesystem root
		if parent == dir {
			break
		}

		dir = parent
	}

	return ""
}
