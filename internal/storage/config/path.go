// Package config provides configuration file parsing and validation.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ParseConfigPath resolves the --config flag to a config directory.
// The flag may name the directory itself or a .yaml/.yml file inside it;
// a file must be called config.yaml so Save writes back to the same place.
func ParseConfigPath(path string) (string, error) {
	if path == "" {
		return "", errors.New("config path cannot be empty")
	}

	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		path = abs
	}

	if strings.Contains(path, "..") {
		return "", errors.New("config path contains invalid traversal")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// A directory that does not exist yet is fine: Load falls back to defaults
			if filepath.Ext(path) == "" {
				return filepath.Clean(path), nil
			}
			return "", errors.New("config file does not exist")
		}
		return "", err
	}

	if info.IsDir() {
		return filepath.Clean(path), nil
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return "", errors.New("config file must have .yaml or .yml extension")
	}
	if filepath.Base(path) != FileName {
		return "", errors.New("config file must be named " + FileName)
	}

	return filepath.Dir(path), nil
}
