package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Config models approvalflow.yml.
type Config struct {
	Database struct {
		Driver    string `yaml:"driver"`
		DSN       string `yaml:"dsn"`
		Workspace string `yaml:"workspace"`
	} `yaml:"database"`
	Engine struct {
		Timezone string `yaml:"timezone"`
	} `yaml:"engine"`
	Server struct {
		Addr            string `yaml:"addr"`
		BasePath        string `yaml:"base_path"`
		JWTSecret       string `yaml:"jwt_secret"`
		AllowUserHeader bool   `yaml:"allow_user_header"`
	} `yaml:"server"`
	Log struct {
		Debug bool `yaml:"debug"`
	} `yaml:"log"`
	Telemetry struct {
		Traces    string `yaml:"traces"`
		TraceFile string `yaml:"trace_file"`
	} `yaml:"telemetry"`
	Directory Directory `yaml:"directory"`
}

// Directory lists static role and department memberships keyed by group id.
type Directory struct {
	Roles map[string][]string `yaml:"roles"`
	Depts map[string][]string `yaml:"depts"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx", "mysql":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for driver %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("config.database.driver %q is not supported", c.Database.Driver)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.Telemetry.Traces {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("config.telemetry.traces must be none or stdout")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for group, users := range c.Directory.Roles {
		if err := checkMembers("roles", group, users); err != nil {
			return err
		}
	}
	for group, users := range c.Directory.Depts {
		if err := checkMembers("depts", group, users); err != nil {
			return err
		}
	}
	return nil
}

func checkMembers(kind, group string, users []string) error {
	if strings.TrimSpace(group) == "" {
		return fmt.Errorf("config.directory.%s contains empty group id", kind)
	}
	for _, u := range users {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("config.directory.%s.%s has empty user id", kind, group)
		}
	}
	return nil
}

// Location returns the engine's time zone.
func (c *Config) Location() (*time.Location, error) {
	tz := c.Engine.Timezone
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("config.engine.timezone: %w", err)
	}
	return loc, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "approvalflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `database:
  driver: sqlite
  dsn: ""
  workspace: .

engine:
  timezone: UTC

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret: ""
  allow_user_header: false

log:
  debug: false

telemetry:
  traces: none
  trace_file: ""

directory:
  roles: {}
  depts: {}
`
