package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"datacard/internal/errors"
)

// Config represents the process-level settings read from the environment
type Config struct {
	Log    LogConfig
	Load   LoadConfig
	Output OutputConfig
	// CardFile is the default YAML card used when none is given on the command line
	CardFile string
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string
}

// LoadConfig holds input loading settings
type LoadConfig struct {
	Concurrency int
	// YodaAxis names the axis of histograms read from YODA files
	YodaAxis string
}

// OutputConfig holds artifact settings that apply to every card
type OutputConfig struct {
	CodeVersion string
	Dir         string
}

// Load reads .env (if present) and the environment, then validates
func Load() (*Config, error) {
	// a missing .env is not an error
	_ = godotenv.Load()

	config := &Config{
		Log:      *loadLogConfig(),
		Load:     *loadLoadConfig(),
		Output:   *loadOutputConfig(),
		CardFile: getEnvOrDefault("DATACARD_CARD", ""),
	}

	if err := validateConfig(config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return config, nil
}

func loadLogConfig() *LogConfig {
	return &LogConfig{
		Level: strings.ToUpper(getEnvOrDefault("LOG_LEVEL", "INFO")),
	}
}

func loadLoadConfig() *LoadConfig {
	return &LoadConfig{
		Concurrency: getEnvIntOrDefault("DATACARD_LOAD_CONCURRENCY", 4),
		YodaAxis:    getEnvOrDefault("DATACARD_YODA_AXIS", "x"),
	}
}

func loadOutputConfig() *OutputConfig {
	return &OutputConfig{
		CodeVersion: getEnvOrDefault("DATACARD_CODE_VERSION", "dev"),
		Dir:         getEnvOrDefault("DATACARD_OUTPUT_DIR", "."),
	}
}

func validateConfig(config *Config) error {
	switch config.Log.Level {
	case "ERROR", "WARN", "INFO", "DEBUG", "TRACE":
	default:
		return errors.ConfigInvalidf("LOG_LEVEL %q is not one of ERROR, WARN, INFO, DEBUG, TRACE", config.Log.Level)
	}
	if config.Load.Concurrency < 1 {
		return errors.ConfigInvalid("DATACARD_LOAD_CONCURRENCY must be at least 1")
	}
	if config.Output.CodeVersion == "" {
		return errors.ConfigInvalid("code version is required")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
