package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "stagegate.yml"

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

type NotificationsConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	WebhookSecret  string `yaml:"webhook_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type MonitorConfig struct {
	ScanIntervalMinutes int `yaml:"scan_interval_minutes"`
	Workers             int `yaml:"workers"`
	CooldownHours       int `yaml:"cooldown_hours"`
	StoreTimeoutSeconds int `yaml:"store_timeout_seconds"`
}

// RoleGrant seeds one role assignment at startup. Project "*" means the
// grant applies everywhere.
type RoleGrant struct {
	ActorID   string `yaml:"actor_id"`
	ProjectID string `yaml:"project_id"`
	Role      string `yaml:"role"`
}

type Config struct {
	Workspace     string              `yaml:"workspace"`
	Server        ServerConfig        `yaml:"server"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Roles         []RoleGrant         `yaml:"roles"`
}

func Default() Config {
	return Config{
		Workspace: ".",
		Server: ServerConfig{
			Addr: ":8080",
		},
		Notifications: NotificationsConfig{
			TimeoutSeconds: 10,
		},
		Monitor: MonitorConfig{
			ScanIntervalMinutes: 15,
			Workers:             4,
			CooldownHours:       24,
			StoreTimeoutSeconds: 5,
		},
	}
}

func FromYAML(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads the config file from the workspace, writing a default template
// if none exists yet.
func Load(workspace string) (Config, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, FileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if werr := os.WriteFile(path, []byte(defaultTemplate), 0o644); werr != nil {
			return Config{}, fmt.Errorf("write default config: %w", werr)
		}
		cfg := Default()
		cfg.Workspace = workspace
		return cfg, nil
	}
	if err != nil {
		return Config{}, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return Config{}, err
	}
	if cfg.Workspace == "" || cfg.Workspace == "." {
		cfg.Workspace = workspace
	}
	return cfg, nil
}

var knownRoles = map[string]bool{
	"admin":     true,
	"executive": true,
	"po":        true,
	"pe":        true,
	"qa":        true,
}

func (c Config) Validate() error {
	if c.Monitor.ScanIntervalMinutes < 0 {
		return fmt.Errorf("monitor.scan_interval_minutes must not be negative")
	}
	if c.Monitor.Workers < 0 {
		return fmt.Errorf("monitor.workers must not be negative")
	}
	for _, g := range c.Roles {
		if g.ActorID == "" {
			return fmt.Errorf("roles: actor_id must not be empty")
		}
		if !knownRoles[g.Role] {
			return fmt.Errorf("roles: unknown role %q for actor %s", g.Role, g.ActorID)
		}
	}
	return nil
}

func (c Config) ScanInterval() time.Duration {
	return time.Duration(c.Monitor.ScanIntervalMinutes) * time.Minute
}

func (c Config) Cooldown() time.Duration {
	return time.Duration(c.Monitor.CooldownHours) * time.Hour
}

func (c Config) StoreTimeout() time.Duration {
	return time.Duration(c.Monitor.StoreTimeoutSeconds) * time.Second
}

func (c Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Notifications.TimeoutSeconds) * time.Second
}

const defaultTemplate = `# stagegate configuration
workspace: .

server:
  addr: ":8080"
  # jwt_secret: set via STAGEGATE_JWT_SECRET or here

notifications:
  # webhook_url: https://example.com/hooks/stagegate
  # webhook_secret: changeme
  timeout_seconds: 10

monitor:
  scan_interval_minutes: 15
  workers: 4
  cooldown_hours: 24
  store_timeout_seconds: 5

# roles:
#   - actor_id: alice
#     project_id: "*"
#     role: admin
`
