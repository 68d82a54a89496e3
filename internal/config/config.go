package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	DBPath     string `yaml:"db_path"`
	SchemaPath string `yaml:"schema_path"`

	Session    Session    `yaml:"session"`
	GameServer GameServer `yaml:"game_server"`
}

type Session struct {
	TTLHours int `yaml:"ttl_hours"`
}

type GameServer struct {
	Binary          string   `yaml:"binary"`
	ExtraArgs       []string `yaml:"extra_args"`
	Host            string   `yaml:"host"`
	PortMin         int      `yaml:"port_min"`
	PortMax         int      `yaml:"port_max"` // exclusive
	ReadyTimeoutMs  int      `yaml:"ready_timeout_ms"`
	ProbeTimeoutMs  int      `yaml:"probe_timeout_ms"`
	ProbeIntervalMs int      `yaml:"probe_interval_ms"`
	StopGraceMs     int      `yaml:"stop_grace_ms"`
}

func Defaults() Config {
	return Config{
		ListenAddr: ":5000",
		DataDir:    "./data",
		DBPath:     "", // default: <data_dir>/spells.db, resolved in main
		SchemaPath: "./schemas/manifest.schema.json",
		Session:    Session{TTLHours: 4},
		GameServer: GameServer{
			Binary:          "simstub",
			Host:            "127.0.0.1",
			PortMin:         7777,
			PortMax:         7877,
			ReadyTimeoutMs:  10000,
			ProbeTimeoutMs:  5000,
			ProbeIntervalMs: 200,
			StopGraceMs:     5000,
		},
	}
}

// Load reads the config file at path, applying defaults for anything
// unset. An empty path or a missing file yields pure defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.GameServer.PortMin <= 0 || c.GameServer.PortMax <= c.GameServer.PortMin {
		return fmt.Errorf("invalid game server port range [%d,%d)", c.GameServer.PortMin, c.GameServer.PortMax)
	}
	if c.Session.TTLHours <= 0 {
		return fmt.Errorf("session ttl_hours must be positive")
	}
	return nil
}

func (c Session) TTL() time.Duration { return time.Duration(c.TTLHours) * time.Hour }

func (g GameServer) ReadyTimeout() time.Duration { return time.Duration(g.ReadyTimeoutMs) * time.Millisecond }
func (g GameServer) ProbeTimeout() time.Duration { return time.Duration(g.ProbeTimeoutMs) * time.Millisecond }
func (g GameServer) ProbeInterval() time.Duration { return time.Duration(g.ProbeIntervalMs) * time.Millisecond }
func (g GameServer) StopGrace() time.Duration { return time.Duration(g.StopGraceMs) * time.Millisecond }
