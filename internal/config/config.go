package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sharing policies of a resource's pool.
const (
	PolicyShared    = "shared"    // one pool per resource name, shared by all tasks
	PolicyExclusive = "exclusive" // a dedicated pool per resolution
)

// Provisioning policies.
const (
	ProvisioningLazy  = "lazy"  // provision on first borrow
	ProvisioningEager = "eager" // provision to capacity when the pool is created
)

// Driver names understood by internal/provision.
const (
	DriverLocal      = "local"
	DriverDocker     = "docker"
	DriverSSH        = "ssh"
	DriverHypervisor = "hypervisor"
)

// ErrUnknownResource is returned when a resource name is not declared.
var ErrUnknownResource = errors.New("config: unknown resource")

// Config holds all vmsandbox configuration.
type Config struct {
	// LogLevel is the logr verbosity (0 = info, 1 = debug).
	LogLevel int `mapstructure:"log_level"`

	// LogFormat is "text", "json" or "auto" (json unless stderr is a terminal).
	LogFormat string `mapstructure:"log_format"`

	// DataDir holds per-VM work directories.
	DataDir string `mapstructure:"data_dir"`

	// DefaultResource is used when a command names no resource.
	DefaultResource string `mapstructure:"default_resource"`

	// Resources are the declared VM resources.
	Resources []Resource `mapstructure:"resources"`

	file string
}

// Resource declares a named pool of VMs.
type Resource struct {
	Name         string `mapstructure:"name" yaml:"name"`
	Driver       string `mapstructure:"driver" yaml:"driver"`
	Policy       string `mapstructure:"policy" yaml:"policy"`
	Provisioning string `mapstructure:"provisioning" yaml:"provisioning"`

	// Capacity bounds the number of live VMs of one pool.
	Capacity int `mapstructure:"capacity" yaml:"capacity"`

	// BorrowTimeout bounds how long a task waits for a VM (0 = no limit).
	BorrowTimeout time.Duration `mapstructure:"borrow_timeout" yaml:"borrow_timeout,omitempty"`

	// IdleTimeout evicts VMs unused for this long (0 = keep).
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout,omitempty"`

	// LeaseWarning logs leases held longer than this (0 = off).
	LeaseWarning time.Duration `mapstructure:"lease_warning" yaml:"lease_warning,omitempty"`

	Image      ImageConfig      `mapstructure:"image" yaml:"image"`
	Local      LocalConfig      `mapstructure:"local" yaml:"local,omitempty"`
	Docker     DockerConfig     `mapstructure:"docker" yaml:"docker,omitempty"`
	SSH        SSHConfig        `mapstructure:"ssh" yaml:"ssh,omitempty"`
	Hypervisor HypervisorConfig `mapstructure:"hypervisor" yaml:"hypervisor,omitempty"`
}

// ImageConfig describes what each VM is provisioned from.
type ImageConfig struct {
	Name     string            `mapstructure:"name" yaml:"name,omitempty"`
	CPUs     int               `mapstructure:"cpus" yaml:"cpus,omitempty"`
	MemoryMB int               `mapstructure:"memory_mb" yaml:"memory_mb,omitempty"`
	Env      map[string]string `mapstructure:"env" yaml:"env,omitempty"`
}

// LocalConfig configures the host work-directory driver.
type LocalConfig struct {
	// BaseDir holds one work directory per VM (default: <data_dir>/local/<resource>).
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir,omitempty"`
}

// DockerConfig configures the container driver.
type DockerConfig struct {
	// Host overrides DOCKER_HOST.
	Host string `mapstructure:"host" yaml:"host,omitempty"`

	// Pull is "missing" (default), "always" or "never".
	Pull string `mapstructure:"pull" yaml:"pull,omitempty"`

	// Labels are added to every container.
	Labels map[string]string `mapstructure:"labels" yaml:"labels,omitempty"`
}

// SSHConfig configures the pre-booted guest driver.
type SSHConfig struct {
	// Hosts are guest addresses (host or host:port); each VM leases one.
	Hosts []string `mapstructure:"hosts" yaml:"hosts,omitempty"`

	User    string `mapstructure:"user" yaml:"user,omitempty"`
	Port    int    `mapstructure:"port" yaml:"port,omitempty"`
	KeyPath string `mapstructure:"key_path" yaml:"key_path,omitempty"`

	// KnownHosts is an OpenSSH known_hosts file pinning each guest's host key.
	// Empty accepts any host key.
	KnownHosts string `mapstructure:"known_hosts" yaml:"known_hosts,omitempty"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout,omitempty"`

	// ResetCommand runs when a guest is released, before the next lease.
	ResetCommand string `mapstructure:"reset_command" yaml:"reset_command,omitempty"`
}

// HypervisorConfig configures the VM-booting driver.
type HypervisorConfig struct {
	Kernel   string `mapstructure:"kernel" yaml:"kernel,omitempty"`
	Initrd   string `mapstructure:"initrd" yaml:"initrd,omitempty"`
	Cmdline  string `mapstructure:"cmdline" yaml:"cmdline,omitempty"`
	DiskPath string `mapstructure:"disk_path" yaml:"disk_path,omitempty"`

	// BaseDir holds per-VM disk copies (default: <data_dir>/hypervisor/<resource>).
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir,omitempty"`

	// BootTimeout bounds the wait for the guest console to answer.
	BootTimeout time.Duration `mapstructure:"boot_timeout" yaml:"boot_timeout,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults: a single local
// resource named "default".
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		paths = &Paths{DataDir: "/tmp/vmsandbox"}
	}

	cfg := &Config{
		LogLevel:        0,
		LogFormat:       "auto",
		DataDir:         paths.DataDir,
		DefaultResource: "default",
		Resources: []Resource{{
			Name:   "default",
			Driver: DriverLocal,
		}},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields of every resource.
func (c *Config) ApplyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "auto"
	}
	paths := &Paths{DataDir: c.DataDir}
	for i := range c.Resources {
		c.Resources[i].applyDefaults(paths)
	}
	if c.DefaultResource == "" && len(c.Resources) > 0 {
		c.DefaultResource = c.Resources[0].Name
	}
}

func (r *Resource) applyDefaults(paths *Paths) {
	if r.Driver == "" {
		r.Driver = DriverLocal
	}
	if r.Policy == "" {
		r.Policy = PolicyShared
	}
	if r.Provisioning == "" {
		r.Provisioning = ProvisioningLazy
	}
	if r.Capacity == 0 {
		r.Capacity = 1
	}

	switch r.Driver {
	case DriverLocal:
		if r.Local.BaseDir == "" {
			r.Local.BaseDir = paths.DriverDir(DriverLocal, r.Name)
		}
	case DriverDocker:
		if r.Docker.Pull == "" {
			r.Docker.Pull = "missing"
		}
	case DriverSSH:
		if r.SSH.User == "" {
			r.SSH.User = "root"
		}
		if r.SSH.Port == 0 {
			r.SSH.Port = 22
		}
		if r.SSH.KeyPath == "" {
			r.SSH.KeyPath = paths.SSHKeyPath()
		}
		if r.SSH.ConnectTimeout == 0 {
			r.SSH.ConnectTimeout = 10 * time.Second
		}
	case DriverHypervisor:
		if r.Hypervisor.BaseDir == "" {
			r.Hypervisor.BaseDir = paths.DriverDir(DriverHypervisor, r.Name)
		}
		if r.Hypervisor.Cmdline == "" {
			r.Hypervisor.Cmdline = "console=hvc0 root=/dev/vda rw"
		}
		if r.Hypervisor.BootTimeout == 0 {
			r.Hypervisor.BootTimeout = 60 * time.Second
		}
		if r.Image.CPUs == 0 {
			r.Image.CPUs = 1
		}
		if r.Image.MemoryMB == 0 {
			r.Image.MemoryMB = 512
		}
	}
}

// Resource returns the declared resource with the given name. An empty name
// selects DefaultResource.
func (c *Config) Resource(name string) (Resource, error) {
	if name == "" {
		name = c.DefaultResource
	}
	for _, r := range c.Resources {
		if r.Name == name {
			return r, nil
		}
	}
	return Resource{}, fmt.Errorf("%w: %q", ErrUnknownResource, name)
}

// Load reads configuration from file, environment, and defaults. An empty
// path searches config.yaml in the data and config directories; a missing
// file there is not an error.
func Load(path string) (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to determine paths: %w", err)
	}

	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("data_dir", paths.DataDir)
	v.SetDefault("default_resource", "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(paths.DataDir)
		v.AddConfigPath(paths.ConfigDir)
	}

	// Environment variable support: VMSANDBOX_LOG_LEVEL, VMSANDBOX_DATA_DIR, etc.
	v.SetEnvPrefix("VMSANDBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Resources) == 0 {
		cfg.Resources = defaults.Resources
		cfg.Resources[0].Local.BaseDir = ""
	}
	cfg.ApplyDefaults()
	cfg.file = v.ConfigFileUsed()
	return cfg, nil
}

// ConfigFileUsed returns the path of the config file that was loaded, if any.
func (c *Config) ConfigFileUsed() string {
	return c.file
}
