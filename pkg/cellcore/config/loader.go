package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type decoder func([]byte) (Config, error)

var decoders = map[string]decoder{
	".yaml": FromYAML,
	".yml":  FromYAML,
	".json": FromJSON,
}

// FromFile reads one YAML (.yaml, .yml) or JSON (.json) file. ${VAR}
// references are expanded from the environment before decoding.
func FromFile(path string) (Config, error) {
	decode, ok := decoders[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return Config{}, fmt.Errorf("unsupported config file extension: %s", filepath.Ext(path))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := decode([]byte(os.ExpandEnv(string(raw))))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Load reads every file in order and merges them: sections merge key by
// key, any other value in a later file replaces the earlier one. Loading
// no files gives an empty Config.
func Load(paths ...string) (Config, error) {
	merged := map[string]any{}
	for _, p := range paths {
		cfg, err := FromFile(p)
		if err != nil {
			return Config{}, err
		}
		merge(merged, cfg.data)
	}
	return New(merged), nil
}

func merge(dst, src map[string]any) {
	for k, v := range src {
		srcSection, srcIsSection := section(v)
		dstSection, dstIsSection := section(dst[k])
		if srcIsSection && dstIsSection {
			merged := make(map[string]any, len(dstSection))
			merge(merged, dstSection)
			merge(merged, srcSection)
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// FromYAML decodes a YAML document.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON decodes a JSON object.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}

// ParseEnv fills target from environment variables using its `env` and
// `envDefault` struct tags.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
