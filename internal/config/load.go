package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("schema.json", schemaJSON)
	})
	return schema, schemaErr
}

// Schema returns the embedded JSON schema document.
func Schema() string { return schemaJSON }

// Load reads a configuration file based on its extension, validates it against
// the embedded schema and applies defaults.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(filepath.Ext(path), b)
}

// Parse decodes b in the format named by ext (with or without the dot).
func Parse(ext string, b []byte) (Config, error) {
	var cfg Config
	format := strings.TrimPrefix(strings.ToLower(ext), ".")
	raw, err := decodeRaw(format, b)
	if err != nil {
		return cfg, err
	}
	if err := validateSchema(raw); err != nil {
		return cfg, err
	}
	switch format {
	case "yaml", "yml":
		err = yaml.Unmarshal(b, &cfg)
	case "json":
		err = json.Unmarshal(b, &cfg)
	case "toml":
		err = toml.Unmarshal(b, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("decode %s: %w", format, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// decodeRaw decodes into generic values so the document can be checked against
// the schema before it is bound to Config.
func decodeRaw(format string, b []byte) (any, error) {
	var raw any
	var err error
	switch format {
	case "yaml", "yml":
		err = yaml.Unmarshal(b, &raw)
	case "json":
		err = json.Unmarshal(b, &raw)
	case "toml":
		var m map[string]any
		err = toml.Unmarshal(b, &m)
		raw = m
	default:
		return nil, fmt.Errorf("unsupported config extension: .%s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}
	return raw, nil
}

func validateSchema(raw any) error {
	// Normalize through JSON so YAML and TOML scalars match what the
	// validator expects.
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
