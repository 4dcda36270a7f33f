package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level: 1
log_format: json
data_dir: /var/lib/vmsandbox
default_resource: builders
resources:
  - name: builders
    driver: docker
    capacity: 4
    borrow_timeout: 30s
    idle_timeout: 5m
    image:
      name: alpine:3.20
      env:
        CI: "true"
    docker:
      labels:
        team: infra
  - name: scratch
    policy: exclusive
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "/var/lib/vmsandbox", cfg.DataDir)
	assert.Equal(t, path, cfg.ConfigFileUsed())
	require.Len(t, cfg.Resources, 2)

	b := cfg.Resources[0]
	assert.Equal(t, DriverDocker, b.Driver)
	assert.Equal(t, 4, b.Capacity)
	assert.Equal(t, 30*time.Second, b.BorrowTimeout)
	assert.Equal(t, 5*time.Minute, b.IdleTimeout)
	assert.Equal(t, "alpine:3.20", b.Image.Name)
	assert.Equal(t, map[string]string{"ci": "true"}, lowerKeys(b.Image.Env))
	assert.Equal(t, "missing", b.Docker.Pull)
	assert.Equal(t, PolicyShared, b.Policy)
	assert.Equal(t, ProvisioningLazy, b.Provisioning)

	s := cfg.Resources[1]
	assert.Equal(t, DriverLocal, s.Driver)
	assert.Equal(t, PolicyExclusive, s.Policy)
	assert.Equal(t, 1, s.Capacity)
	assert.Equal(t, filepath.Join("/var/lib/vmsandbox", "local", "scratch"), s.Local.BaseDir)

	assert.Empty(t, ValidateConfig(cfg))
}

// viper lower-cases map keys.
func lowerKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "log_level: 0\n")
	t.Setenv("VMSANDBOX_LOG_LEVEL", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.LogLevel)
}

func TestLoadNoResourcesUsesDefault(t *testing.T) {
	path := writeConfig(t, "data_dir: /srv/sandbox\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Resources, 1)
	assert.Equal(t, "default", cfg.DefaultResource)
	assert.Equal(t, filepath.Join("/srv/sandbox", "local", "default"), cfg.Resources[0].Local.BaseDir)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestResourceLookup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resources = append(cfg.Resources, Resource{Name: "other"})
	cfg.ApplyDefaults()

	r, err := cfg.Resource("")
	require.NoError(t, err)
	assert.Equal(t, "default", r.Name)

	r, err = cfg.Resource("other")
	require.NoError(t, err)
	assert.Equal(t, "other", r.Name)

	_, err = cfg.Resource("missing")
	require.ErrorIs(t, err, ErrUnknownResource)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		field     string
		wantFatal bool
	}{
		{"zero capacity", func(c *Config) { c.Resources[0].Capacity = -1 }, "resources[default].capacity", true},
		{"bad policy", func(c *Config) { c.Resources[0].Policy = "pooled" }, "resources[default].policy", true},
		{"bad provisioning", func(c *Config) { c.Resources[0].Provisioning = "soon" }, "resources[default].provisioning", true},
		{"negative timeout", func(c *Config) { c.Resources[0].IdleTimeout = -time.Second }, "resources[default].timeouts", true},
		{"duplicate", func(c *Config) { c.Resources = append(c.Resources, c.Resources[0]) }, "resources[default].name", true},
		{"unknown default", func(c *Config) { c.DefaultResource = "ghost" }, "default_resource", true},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format", true},
		{"docker without image", func(c *Config) {
			c.Resources[0].Driver = DriverDocker
			c.Resources[0].Docker.Pull = "missing"
		}, "resources[default].image.name", true},
		{"ssh without hosts", func(c *Config) { c.Resources[0].Driver = DriverSSH }, "resources[default].ssh.hosts", true},
		{"hypervisor without kernel", func(c *Config) {
			c.Resources[0].Driver = DriverHypervisor
			c.Resources[0].Image.CPUs = 1
			c.Resources[0].Image.MemoryMB = 512
		}, "resources[default].hypervisor.kernel", true},
		{"local ignores image", func(c *Config) { c.Resources[0].Image.Name = "alpine" }, "resources[default].image.name", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			errs := ValidateConfig(cfg)
			var found *ValidationError
			for i := range errs {
				if errs[i].Field == tt.field {
					found = &errs[i]
					break
				}
			}
			require.NotNil(t, found, "no error for %s in %v", tt.field, errs)
			assert.Equal(t, tt.wantFatal, found.Fatal)
			assert.Equal(t, tt.wantFatal, HasFatal(errs))
		})
	}
}

func TestFormatValidationErrors(t *testing.T) {
	assert.Empty(t, FormatValidationErrors(nil))

	out := FormatValidationErrors([]ValidationError{
		{Field: "a", Message: "broken", Fatal: true},
		{Field: "b", Message: "odd"},
	})
	assert.Contains(t, out, "Error [a]: broken")
	assert.Contains(t, out, "Warning [b]: odd")
}

func TestPaths(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")

	p, err := GetPaths()
	require.NoError(t, err)
	assert.Equal(t, "/home/tester/.vmsandbox", p.DataDir)
	assert.Equal(t, filepath.Join(p.ConfigDir, "config.yaml"), p.ConfigFile)
	assert.Equal(t, "/home/tester/.vmsandbox/local/builders", p.DriverDir(DriverLocal, "builders"))
	assert.Equal(t, "/home/tester/.vmsandbox/ssh/vmsandbox", p.SSHKeyPath())
}
