package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err, "an explicit settings file has to exist")
	assert.Nil(t, cfg)

	def := GetDefaultConfig()
	assert.Equal(t, BackendAdminService, def.Backend)
	assert.Equal(t, "INFO", def.LogLevel)
	assert.Equal(t, filepath.Join(Dir(), "Reports"), def.ReportDir)
	assert.True(t, def.DiscoverSite)
}

func TestSettingsFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "cmplatform.yaml")
	require.NoError(t, os.WriteFile(settings, []byte(`
target_config: /etc/cmplatform/Config.xml
site_code: PS1
provider_host: cm01.corp.local
timeout_seconds: 15
password: secret
`), 0644))

	t.Setenv("CMPLATFORM_PROVIDER_HOST", "cm02.corp.local")
	t.Setenv("CMPLATFORM_LOG_LEVEL", "debug")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("site-code", "", "")
	flags.String("packages", "", "")
	require.NoError(t, flags.Parse([]string{"--site-code", "CS1"}))

	cfg, err := LoadConfig(settings, flags)
	require.NoError(t, err)

	assert.Equal(t, "/etc/cmplatform/Config.xml", cfg.TargetConfig)
	assert.Equal(t, "CS1", cfg.SiteCode, "flag wins")
	assert.Equal(t, "cm02.corp.local", cfg.ProviderHost, "environment beats the file")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 15*time.Second, cfg.Timeout())
	assert.Equal(t, GetDefaultConfig().PackageList, cfg.PackageList, "unset flag keeps the default")

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, out, "secret")
	assert.Equal(t, "secret", cfg.Password)
}

func TestBackendValidation(t *testing.T) {
	dir := t.TempDir()

	write := func(body string) string {
		path := filepath.Join(dir, "settings.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		return path
	}

	_, err := LoadConfig(write("backend: ldap\n"), nil)
	assert.ErrorContains(t, err, "unknown backend")

	_, err = LoadConfig(write("backend: Catalog\n"), nil)
	assert.ErrorContains(t, err, "catalog_path")

	cfg, err := LoadConfig(write("backend: CATALOG\ncatalog_path: ~/catalog.yaml\ntimeout_seconds: -1\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, BackendCatalog, cfg.Backend)
	assert.NotContains(t, cfg.CatalogPath, "~")
	assert.Equal(t, 60, cfg.TimeoutSeconds)
}
