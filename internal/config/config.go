package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
)

const (
	DefaultListenPort = 4210
	DefaultStorage    = "state.msgpack"
)

func DefaultConfig() *common.Config {
	cfg := common.NewConfig()
	cfg.Link.Listen = fmt.Sprintf("127.0.0.1:%d", DefaultListenPort)
	return cfg
}

func configDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".espnow-go"), nil
}

func GetConfigPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config"), nil
}

func EnsureConfigDir() error {
	dir, err := configDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfig loads the configuration from path. Files ending in .yaml or
// .yml are read as YAML, everything else as TOML.
func LoadConfig(path string) (*common.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.Link.Endpoints == nil {
		cfg.Link.Endpoints = make(map[string]string)
	}
	if err := cfg.Driver.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	cfg.ConfigPath = path
	return cfg, nil
}

func marshal(cfg *common.Config, path string) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(cfg)
	}
	return toml.Marshal(cfg)
}

// SaveConfig saves the configuration to its ConfigPath
func SaveConfig(cfg *common.Config) error {
	data, err := marshal(cfg, cfg.ConfigPath)
	if err != nil {
		return err
	}
	return os.WriteFile(cfg.ConfigPath, data, 0644)
}

// CreateDefaultConfig creates a default configuration file
func CreateDefaultConfig(path string) error {
	cfg := DefaultConfig()
	cfg.Link.Address = "02:00:00:00:00:01"
	cfg.StoragePath = filepath.Join(filepath.Dir(path), DefaultStorage)

	data, err := marshal(cfg, path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// InitConfig loads the configuration at the default path, creating it first
// if needed.
func InitConfig() (*common.Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := CreateDefaultConfig(configPath); err != nil {
			return nil, err
		}
	}

	return LoadConfig(configPath)
}
