package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileNames are the settings files Discover looks for, in order.
var FileNames = []string{"flowkit.yaml", "flowkit.yml", "flowkit.json"}

// Discover returns the first of FileNames present in dir.
func Discover(dir string) (string, bool) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// FromFile loads a settings file. The format follows the extension
// (.yaml, .yml, .json); other files are parsed as JSON when they start with
// '{' and as YAML otherwise. ${VAR} references are expanded from the
// environment before parsing.
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator supplied
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config file %s does not exist", path)
		}
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case ext == ".yaml" || ext == ".yml":
		cfg, err = FromYAML(data)
	case ext == ".json", bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")):
		cfg, err = FromJSON(data)
	default:
		cfg, err = FromYAML(data)
	}
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// FromYAML parses YAML data into a Config. An empty document is an empty
// Config.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses a JSON object into a Config.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}
