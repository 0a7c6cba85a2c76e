package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type TelegramConfig struct {
	Token string `yaml:"token"`
}

type SweepConfig struct {
	// Cron schedule for the orphan reminder sweep, e.g. "@every 10m".
	Schedule string `yaml:"schedule"`
}

type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Workers  int            `yaml:"workers"`
}

// Load reads the YAML config at path. A missing or empty path yields
// defaults; TELEGRAM_BOT_TOKEN in the environment always wins over the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if cfg.Sweep.Schedule == "" {
		cfg.Sweep.Schedule = "@every 10m"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return cfg, nil
}
