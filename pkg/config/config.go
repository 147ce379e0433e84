// pkg/config/config.go - configuration settings for cmplatform.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. CMPLATFORM_SITE_CODE.
	EnvPrefix = "CMPLATFORM"

	BackendAdminService = "adminservice"
	BackendCatalog      = "catalog"

	redacted = "********"
)

// Configuration holds the configurable options for cmplatform.
type Configuration struct {
	TargetConfig       string `mapstructure:"target_config" yaml:"target_config"`
	PackageList        string `mapstructure:"package_list" yaml:"package_list"`
	ReportDir          string `mapstructure:"report_dir" yaml:"report_dir"`
	LogDir             string `mapstructure:"log_dir" yaml:"log_dir"`
	LogLevel           string `mapstructure:"log_level" yaml:"log_level"`
	LogRetentionDays   int    `mapstructure:"log_retention_days" yaml:"log_retention_days"`
	Backend            string `mapstructure:"backend" yaml:"backend"` // adminservice or catalog
	CatalogPath        string `mapstructure:"catalog_path" yaml:"catalog_path"`
	SiteCode           string `mapstructure:"site_code" yaml:"site_code"`
	ProviderHost       string `mapstructure:"provider_host" yaml:"provider_host"`
	DiscoverSite       bool   `mapstructure:"discover_site" yaml:"discover_site"` // ask WMI/registry for missing values
	AdminServiceURL    string `mapstructure:"adminservice_url" yaml:"adminservice_url"`
	Username           string `mapstructure:"username" yaml:"username"`
	Password           string `mapstructure:"password" yaml:"password"`
	Token              string `mapstructure:"token" yaml:"token"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	HistoryDB          string `mapstructure:"history_db" yaml:"history_db"`
}

// Dir returns the directory holding settings, logs and reports by default.
func Dir() string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("ProgramData")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "cmplatform")
	default:
		if home, err := homedir.Dir(); err == nil {
			return filepath.Join(home, ".cmplatform")
		}
		return ".cmplatform"
	}
}

// GetDefaultConfig provides default configuration values.
func GetDefaultConfig() *Configuration {
	base := Dir()
	return &Configuration{
		TargetConfig:     filepath.Join(base, "Config.xml"),
		PackageList:      filepath.Join(base, "Packages.csv"),
		ReportDir:        filepath.Join(base, "Reports"),
		LogDir:           filepath.Join(base, "Logs"),
		LogLevel:         "INFO",
		LogRetentionDays: 30,
		Backend:          BackendAdminService,
		DiscoverSite:     true,
		TimeoutSeconds:   60,
	}
}

// flagKeys maps command-line flag names onto setting keys.
var flagKeys = map[string]string{
	"config":          "target_config",
	"packages":        "package_list",
	"report-dir":      "report_dir",
	"log-dir":         "log_dir",
	"log-level":       "log_level",
	"backend":         "backend",
	"catalog":         "catalog_path",
	"site-code":       "site_code",
	"provider":        "provider_host",
	"adminservice":    "adminservice_url",
	"insecure":        "insecure_skip_verify",
	"timeout-seconds": "timeout_seconds",
	"history-db":      "history_db",
}

// LoadConfig reads settings from settingsPath (or cmplatform.yaml in the
// default locations), CMPLATFORM_* environment variables and flags, in
// increasing order of precedence.
func LoadConfig(settingsPath string, flags *pflag.FlagSet) (*Configuration, error) {
	v := viper.New()

	defaults := GetDefaultConfig()
	var asMap map[string]interface{}
	raw, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, &asMap); err != nil {
		return nil, err
	}
	for k, val := range asMap {
		v.SetDefault(k, val)
	}

	if settingsPath != "" {
		expanded, err := homedir.Expand(settingsPath)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(expanded)
	} else {
		v.SetConfigName("cmplatform")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading settings: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize expands home-relative paths and checks enumerated values.
func (c *Configuration) normalize() error {
	for _, p := range []*string{&c.TargetConfig, &c.PackageList, &c.ReportDir, &c.LogDir, &c.CatalogPath, &c.HistoryDB} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding %s: %w", *p, err)
		}
		*p = expanded
	}

	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case BackendAdminService:
	case BackendCatalog:
		if c.CatalogPath == "" {
			return errors.New("backend catalog needs catalog_path")
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendAdminService, BackendCatalog)
	}

	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = GetDefaultConfig().TimeoutSeconds
	}
	return nil
}

// Timeout returns the per-request timeout.
func (c *Configuration) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Redacted returns a copy safe to print.
func (c Configuration) Redacted() Configuration {
	if c.Password != "" {
		c.Password = redacted
	}
	if c.Token != "" {
		c.Token = redacted
	}
	return c
}

// YAML renders the redacted configuration.
func (c *Configuration) YAML() (string, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return "", err
	}
	return string(data), nil
}
