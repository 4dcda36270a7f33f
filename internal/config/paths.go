// Package config provides configuration management for vmsandbox.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific directory paths for vmsandbox.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// macOS: ~/Library/Application Support/vmsandbox
	// Linux: ~/.config/vmsandbox (or XDG_CONFIG_HOME)
	ConfigDir string

	// DataDir holds per-VM work directories and disk copies.
	// All platforms: ~/.vmsandbox
	DataDir string

	// ConfigFile is the path to the main config file.
	ConfigFile string
}

// GetPaths returns platform-aware paths for vmsandbox.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{
		DataDir: filepath.Join(home, ".vmsandbox"),
	}

	switch runtime.GOOS {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "vmsandbox")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "vmsandbox")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "vmsandbox")
		}
	}

	p.ConfigFile = filepath.Join(p.ConfigDir, "config.yaml")
	return p, nil
}

// DriverDir returns the directory a driver keeps the per-VM state of
// one resource in.
func (p *Paths) DriverDir(driver, resource string) string {
	return filepath.Join(p.DataDir, driver, resource)
}

// SSHKeyPath is the default private key of ssh resources.
func (p *Paths) SSHKeyPath() string {
	return filepath.Join(p.DataDir, "ssh", "vmsandbox")
}
