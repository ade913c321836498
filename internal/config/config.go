package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evebus/eve/internal/logging"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Broadcaster BroadcasterConfig `yaml:"broadcaster"`
	Client      ClientConfig      `yaml:"client"`
	Log         logging.Config    `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	Name           string   `yaml:"name"`      // service directory name
	Advertise      bool     `yaml:"advertise"` // announce Name over mDNS
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type BroadcasterConfig struct {
	SnapshotBackend  string        `yaml:"snapshot_backend"` // "file" or "sqlite"
	SnapshotPath     string        `yaml:"snapshot_path"`
	InitialFilesRoot string        `yaml:"initial_files_root"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	PublishRate      float64       `yaml:"publish_rate"` // events/sec per session, 0 = unlimited
	PublishBurst     int           `yaml:"publish_burst"`
}

type ClientConfig struct {
	Locator           string `yaml:"locator"`
	CheckpointBackend string `yaml:"checkpoint_backend"`
	CheckpointPath    string `yaml:"checkpoint_path"`
	MaxPollFailures   int    `yaml:"max_poll_failures"`
	DownloadDir       string `yaml:"download_dir"`
}

// Defaults returns the configuration used when no file exists.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 7070,
			Host: "0.0.0.0",
			Name: "eve",
		},
		Broadcaster: BroadcasterConfig{
			SnapshotBackend: "file",
			SnapshotPath:    "eve-events.json",
			PollTimeout:     30 * time.Second,
		},
		Client: ClientConfig{
			Locator:           "ws://127.0.0.1:7070/rpc",
			CheckpointBackend: "file",
			CheckpointPath:    "eve-client.json",
			MaxPollFailures:   5,
			DownloadDir:       ".",
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Broadcaster.SnapshotBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("broadcaster.snapshot_backend must be file or sqlite, got %q", c.Broadcaster.SnapshotBackend)
	}
	switch c.Client.CheckpointBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("client.checkpoint_backend must be file or sqlite, got %q", c.Client.CheckpointBackend)
	}
	if c.Broadcaster.PollTimeout < 0 {
		return fmt.Errorf("broadcaster.poll_timeout must not be negative")
	}
	if c.Broadcaster.PublishRate < 0 {
		return fmt.Errorf("broadcaster.publish_rate must not be negative")
	}
	return nil
}

// Addr is the listen address of the server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
