// Package config loads ccr's runtime configuration: environment variables
// (via a .env file, teacher-style) layered under a persisted JSON document
// at ~/.ccr/config.json that survives across `ccr serve` invocations (most
// importantly, the generated auth secret).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/ccr-dev/ccr/src/auth"
)

// Defaults mirror spec.md §6: port 3100, host 0.0.0.0.
const (
	DefaultPort = 3100
	DefaultHost = "0.0.0.0"
)

// Config is the broker's full runtime configuration: the persisted shape
// (Persisted) plus the logger built from it. Persisted fields are a flat
// struct — there is no schema-evolution concern here that would justify
// reaching for a config/serialization library beyond encoding/json.
type Config struct {
	Persisted
	Logger *logrus.Logger
}

// Persisted is the JSON document stored at <home>/.ccr/config.json.
// ChildCommand and LogLevel are SPEC_FULL.md §6 additions over spec.md's
// original {port, host, jwtSecret} shape.
type Persisted struct {
	Port         int    `json:"port"`
	Host         string `json:"host"`
	JWTSecret    string `json:"jwtSecret"`
	ChildCommand string `json:"childCommand,omitempty"`
	LogLevel     string `json:"logLevel,omitempty"`
}

// dir returns <home>/.ccr, creating it if necessary.
func dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	d := filepath.Join(home, ".ccr")
	if err := os.MkdirAll(d, 0o700); err != nil {
		return "", fmt.Errorf("config: create config directory: %w", err)
	}
	return d, nil
}

func path() (string, error) {
	d, err := dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "config.json"), nil
}

// Load reads ~/.ccr/config.json, creating it with a freshly generated
// signing secret if it doesn't exist yet. It also loads a .env file from
// the working directory if present (godotenv, teacher-style — a missing
// .env is not an error, just a no-op).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("config: no .env file found, continuing with environment as-is")
	}

	p, err := path()
	if err != nil {
		return nil, err
	}

	persisted, err := readOrInit(p)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(&persisted)

	logger := newLogger(persisted.LogLevel)
	return &Config{Persisted: persisted, Logger: logger}, nil
}

func readOrInit(p string) (Persisted, error) {
	raw, err := os.ReadFile(p)
	if err == nil {
		var persisted Persisted
		if err := json.Unmarshal(raw, &persisted); err != nil {
			return Persisted{}, fmt.Errorf("config: parse %s: %w", p, err)
		}
		if persisted.Port == 0 {
			persisted.Port = DefaultPort
		}
		if persisted.Host == "" {
			persisted.Host = DefaultHost
		}
		return persisted, nil
	}
	if !os.IsNotExist(err) {
		return Persisted{}, fmt.Errorf("config: read %s: %w", p, err)
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		return Persisted{}, err
	}
	persisted := Persisted{
		Port:      DefaultPort,
		Host:      DefaultHost,
		JWTSecret: secret,
	}
	if err := save(p, persisted); err != nil {
		return Persisted{}, err
	}
	return persisted, nil
}

func save(p string, persisted Persisted) error {
	raw, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(p, raw, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", p, err)
	}
	return nil
}

// Save persists cfg's current state back to disk.
func (c *Config) Save() error {
	p, err := path()
	if err != nil {
		return err
	}
	return save(p, c.Persisted)
}

func applyEnvOverrides(p *Persisted) {
	if v := os.Getenv("CCR_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			p.Port = port
		}
	}
	if v := os.Getenv("CCR_HOST"); v != "" {
		p.Host = v
	}
	if v := os.Getenv("CCR_CHILD_CMD"); v != "" {
		p.ChildCommand = v
	}
	if v := os.Getenv("CCR_LOG_LEVEL"); v != "" {
		p.LogLevel = v
	}
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}
