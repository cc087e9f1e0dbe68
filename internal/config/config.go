package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sigreer/stubos/internal/pkgsource"
)

// PackageBaseEnv overrides the directory the OS package is fetched from
const PackageBaseEnv = "IPSW_BASE"

type Config struct {
	// SystemDisk is detected when empty
	SystemDisk   string `yaml:"system_disk,omitempty"`
	DefaultLabel string `yaml:"default_label"`
	// ResourcesDir holds logo.icns and step2/Finish Installation.app
	ResourcesDir string `yaml:"resources_dir"`

	// Package is the OS package path or URL
	Package     string `yaml:"package,omitempty"`
	PackageBase string `yaml:"package_base,omitempty"`
	// PackageVersion is the advertised version, e.g. "13.5 (22G74)"
	PackageVersion string `yaml:"package_version,omitempty"`
	CacheBlocks    int    `yaml:"cache_blocks"`

	Database       string `yaml:"database"`
	LogLevel       string `yaml:"log_level"`
	FirmwareOutput string `yaml:"firmware_output,omitempty"`

	Device Device `yaml:"device"`
}

// Device overrides values normally read from the running system
type Device struct {
	BoardID            uint32 `yaml:"board_id,omitempty"`
	ChipID             uint32 `yaml:"chip_id,omitempty"`
	DeviceClass        string `yaml:"device_class,omitempty"`
	SFRVersion         string `yaml:"sfr_version,omitempty"`
	FallbackSFRVersion string `yaml:"fallback_sfr_version,omitempty"`
}

var defaultConfig = Config{
	DefaultLabel: "Linux",
	ResourcesDir: "/usr/local/share/stubos",
	CacheBlocks:  64,
	Database:     "/var/lib/stubos/history.db",
	LogLevel:     "warn",
}

// Default returns the built-in configuration
func Default() *Config {
	cfg := defaultConfig
	return &cfg
}

// Load reads the config file at path, or the first default location that
// exists, and fills in defaults
func Load(path string) (*Config, error) {
	if path == "" {
		// Try default locations
		candidates := []string{
			"/etc/stubos/config.yaml",
			filepath.Join(os.Getenv("HOME"), ".config/stubos/config.yaml"),
			"config.yaml",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	var cfg Config
	if path == "" {
		cfg = *Default()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			cfg = *Default()
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, err
			}
		}
	}

	// Apply defaults for missing fields
	if cfg.DefaultLabel == "" {
		cfg.DefaultLabel = defaultConfig.DefaultLabel
	}
	if cfg.ResourcesDir == "" {
		cfg.ResourcesDir = defaultConfig.ResourcesDir
	}
	if cfg.CacheBlocks <= 0 {
		cfg.CacheBlocks = defaultConfig.CacheBlocks
	}
	if cfg.Database == "" {
		cfg.Database = defaultConfig.Database
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultConfig.LogLevel
	}

	if base := os.Getenv(PackageBaseEnv); base != "" {
		cfg.PackageBase = base
	}

	return &cfg, nil
}

// PackageSource returns where the OS package should be read from, with the
// configured base directory applied
func (c *Config) PackageSource() string {
	if c.Package == "" {
		return ""
	}
	return pkgsource.Rebase(c.Package, c.PackageBase)
}
