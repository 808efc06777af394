package config

import (
	"fmt"
)

// validate checks structural correctness of a loaded config. Filesystem level
// checks (roots exist, commands executable) belong to the doctor, not here,
// so a config can be validated on a machine that isn't the deploy host.
func validate(cfg *Config) error {
	if cfg.Service.MaxConcurrent <= 0 {
		return fmt.Errorf("service.max_concurrent must be positive, got %d", cfg.Service.MaxConcurrent)
	}
	if cfg.Stability.Threshold <= 0 {
		return fmt.Errorf("stability.threshold must be positive, got %d", cfg.Stability.Threshold)
	}
	if cfg.Stability.InitialInterval <= 0 {
		return fmt.Errorf("stability.initial_interval must be positive, got %v", cfg.Stability.InitialInterval)
	}
	if cfg.Stability.MaxWait <= 0 {
		return fmt.Errorf("stability.max_wait must be positive, got %v", cfg.Stability.MaxWait)
	}
	if cfg.Stability.MinFileAge < 0 {
		return fmt.Errorf("stability.min_file_age must not be negative, got %v", cfg.Stability.MinFileAge)
	}
	if cfg.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch.timeout must be positive, got %v", cfg.Dispatch.Timeout)
	}
	if cfg.Dispatch.GracePeriod <= 0 {
		return fmt.Errorf("dispatch.grace_period must be positive, got %v", cfg.Dispatch.GracePeriod)
	}

	if len(cfg.Targets) == 0 {
		return fmt.Errorf("at least one watch target is required")
	}

	seen := make(map[string]bool, len(cfg.Targets))
	for i, t := range cfg.Targets {
		if t.Root == "" {
			return fmt.Errorf("targets[%d]: root is required", i)
		}
		if t.Command == "" {
			return fmt.Errorf("targets[%d] (%s): command is required", i, t.Name)
		}
		if t.Kind != KindRunner && t.Kind != KindShell {
			return fmt.Errorf("targets[%d] (%s): kind must be %q or %q, got %q", i, t.Name, KindRunner, KindShell, t.Kind)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate target name %q", t.Name)
		}
		seen[t.Name] = true
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	if cfg.History.Enabled && cfg.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}
	return nil
}
