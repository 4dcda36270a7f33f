package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string `yaml:"field"`
	Message string `yaml:"message"`
	Fatal   bool   `yaml:"fatal"` // true = can't proceed, false = will be ignored
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateConfig checks the configuration for errors and warnings.
func ValidateConfig(cfg *Config) []ValidationError {
	var errs []ValidationError

	switch cfg.LogFormat {
	case "auto", "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("unknown log format %q (want auto, text or json)", cfg.LogFormat),
			Fatal:   true,
		})
	}

	if len(cfg.Resources) == 0 {
		errs = append(errs, ValidationError{
			Field:   "resources",
			Message: "no resources declared",
			Fatal:   true,
		})
	}

	seen := make(map[string]bool)
	for i, r := range cfg.Resources {
		prefix := fmt.Sprintf("resources[%d]", i)
		if r.Name != "" {
			prefix = fmt.Sprintf("resources[%s]", r.Name)
		}
		if r.Name == "" {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: "name is required", Fatal: true})
		} else if seen[r.Name] {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: "duplicate resource name", Fatal: true})
		}
		seen[r.Name] = true
		errs = append(errs, validateResource(prefix, r)...)
	}

	if cfg.DefaultResource != "" && !seen[cfg.DefaultResource] {
		errs = append(errs, ValidationError{
			Field:   "default_resource",
			Message: fmt.Sprintf("resource %q is not declared", cfg.DefaultResource),
			Fatal:   true,
		})
	}

	return errs
}

func validateResource(prefix string, r Resource) []ValidationError {
	var errs []ValidationError
	fatal := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: prefix + "." + field, Message: fmt.Sprintf(format, args...), Fatal: true})
	}
	warn := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: prefix + "." + field, Message: fmt.Sprintf(format, args...)})
	}

	if r.Capacity < 1 {
		fatal("capacity", "capacity must be at least 1, got %d", r.Capacity)
	}
	switch r.Policy {
	case PolicyShared, PolicyExclusive:
	default:
		fatal("policy", "unknown policy %q (want shared or exclusive)", r.Policy)
	}
	switch r.Provisioning {
	case ProvisioningLazy, ProvisioningEager:
	default:
		fatal("provisioning", "unknown provisioning %q (want lazy or eager)", r.Provisioning)
	}
	if r.BorrowTimeout < 0 || r.IdleTimeout < 0 || r.LeaseWarning < 0 {
		fatal("timeouts", "timeouts must not be negative")
	}

	switch r.Driver {
	case DriverLocal:
		if r.Image.Name != "" {
			warn("image.name", "ignored by the local driver")
		}
	case DriverDocker:
		if r.Image.Name == "" {
			fatal("image.name", "docker driver requires an image")
		}
		switch r.Docker.Pull {
		case "missing", "always", "never":
		default:
			fatal("docker.pull", "unknown pull policy %q (want missing, always or never)", r.Docker.Pull)
		}
	case DriverSSH:
		if len(r.SSH.Hosts) == 0 {
			fatal("ssh.hosts", "ssh driver requires at least one host")
		} else if len(r.SSH.Hosts) < r.Capacity {
			warn("ssh.hosts", "only %d hosts for capacity %d; extra borrows will fail to provision", len(r.SSH.Hosts), r.Capacity)
		}
		if r.SSH.KnownHosts == "" {
			warn("ssh.known_hosts", "host keys are not verified")
		}
	case DriverHypervisor:
		if r.Hypervisor.Kernel == "" {
			fatal("hypervisor.kernel", "hypervisor driver requires a kernel")
		}
		if r.Image.MemoryMB < 128 {
			fatal("image.memory_mb", "at least 128 MB required, got %d", r.Image.MemoryMB)
		}
		if r.Image.CPUs < 1 {
			fatal("image.cpus", "at least 1 CPU required, got %d", r.Image.CPUs)
		}
	case "":
		fatal("driver", "driver is required")
	default:
		// Drivers registered by other packages are checked when resolved.
	}
	return errs
}

// HasFatal reports whether any of errs is fatal.
func HasFatal(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errors []ValidationError) string {
	if len(errors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration problems:\n")
	for _, e := range errors {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
