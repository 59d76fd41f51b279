package config

import (
	"errors"
	"fmt"
	"os"
)

// Loaded captures resolved config path, parsed values, and non-fatal warnings.
type Loaded struct {
	Path     string
	Config   Config
	Warnings []Warning
	Exists   bool
}

// Load resolves and reads the config file, overlays the environment, and validates the result.
func Load(explicitPath string) (Loaded, error) {
	resolvedPath, err := ResolvePath(explicitPath)
	if err != nil {
		return Loaded{}, err
	}

	loaded := Loaded{Path: resolvedPath, Config: Default()}
	content, err := os.ReadFile(resolvedPath)
	switch {
	case err == nil:
		cfg, warnings, perr := Parse(string(content), loaded.Config)
		if perr != nil {
			return Loaded{}, fmt.Errorf("parse config %q: %w", resolvedPath, perr)
		}
		loaded.Config = cfg
		loaded.Warnings = warnings
		loaded.Exists = true
	case errors.Is(err, os.ErrNotExist):
		loaded.Warnings = []Warning{{
			Message: fmt.Sprintf("config file %q not found; using defaults", resolvedPath),
		}}
	default:
		return Loaded{}, fmt.Errorf("read config %q: %w", resolvedPath, err)
	}

	environ, err := Environment(DotEnvPath(resolvedPath))
	if err != nil {
		return Loaded{}, err
	}
	if err := ApplyEnv(&loaded.Config, environ); err != nil {
		return Loaded{}, err
	}

	validated, err := Validate(loaded.Config)
	if err != nil {
		return Loaded{}, fmt.Errorf("validate config %q: %w", resolvedPath, err)
	}
	loaded.Warnings = append(loaded.Warnings, validated...)
	return loaded, nil
}
