package config

import (
	"errors"
	"strings"
)

// Parse reads JSONC configuration content over base. It does not validate.
func Parse(content string, base Config) (Config, []Warning, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return base, nil, nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		return Config{}, nil, errors.New("config must be a JSONC object")
	}
	return parseJSONC(content, base)
}
