package feeders

import (
	"encoding/json"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/golobby/config/v3/pkg/feeder"
	"gopkg.in/yaml.v3"
)

// YamlFeeder is a feeder that reads YAML files
type YamlFeeder struct {
	feeder.Yaml
}

// NewYamlFeeder creates a new YamlFeeder that reads from the specified YAML file
func NewYamlFeeder(filePath string) YamlFeeder {
	return YamlFeeder{feeder.Yaml{Path: filePath}}
}

// Feed decodes the file into structure, which must be a pointer to a struct.
func (y YamlFeeder) Feed(structure any) error {
	if err := checkFile(y.Path, structure); err != nil {
		return err
	}
	return y.Yaml.Feed(structure)
}

// FeedKey reads a YAML file and extracts a specific key
func (y YamlFeeder) FeedKey(key string, target any) error {
	if y.Path == "" {
		return ErrFeederNoPath
	}
	var allData map[string]any
	if err := y.Yaml.Feed(&allData); err != nil {
		return fmt.Errorf("failed to read YAML: %w", err)
	}

	value, exists := allData[key]
	if !exists {
		return nil
	}

	valueBytes, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err = yaml.Unmarshal(valueBytes, target); err != nil {
		return fmt.Errorf("failed to unmarshal value to target: %w", err)
	}
	return nil
}

// TomlFeeder is a feeder that reads TOML files
type TomlFeeder struct {
	feeder.Toml
}

// NewTomlFeeder creates a new TomlFeeder that reads from the specified TOML file
func NewTomlFeeder(filePath string) TomlFeeder {
	return TomlFeeder{feeder.Toml{Path: filePath}}
}

// Feed decodes the file into structure, which must be a pointer to a struct.
func (t TomlFeeder) Feed(structure any) error {
	if err := checkFile(t.Path, structure); err != nil {
		return err
	}
	return t.Toml.Feed(structure)
}

// FeedKey reads a TOML file and extracts a specific key
func (t TomlFeeder) FeedKey(key string, target any) error {
	if t.Path == "" {
		return ErrFeederNoPath
	}
	var allData map[string]any
	if err := t.Toml.Feed(&allData); err != nil {
		return fmt.Errorf("failed to read toml: %w", err)
	}

	value, exists := allData[key]
	if !exists {
		return nil
	}

	valueBytes, err := toml.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err = toml.Unmarshal(valueBytes, target); err != nil {
		return fmt.Errorf("failed to unmarshal value to target: %w", err)
	}
	return nil
}

// JSONFeeder is a feeder that reads JSON files
type JSONFeeder struct {
	feeder.Json
}

// NewJSONFeeder creates a new JSONFeeder that reads from the specified JSON file
func NewJSONFeeder(filePath string) JSONFeeder {
	return JSONFeeder{feeder.Json{Path: filePath}}
}

// Feed decodes the file into structure, which must be a pointer to a struct.
func (j JSONFeeder) Feed(structure any) error {
	if err := checkFile(j.Path, structure); err != nil {
		return err
	}
	return j.Json.Feed(structure)
}

// FeedKey reads a JSON file and extracts a specific key
func (j JSONFeeder) FeedKey(key string, target any) error {
	if j.Path == "" {
		return ErrFeederNoPath
	}
	var allData map[string]json.RawMessage
	if err := j.Json.Feed(&allData); err != nil {
		return fmt.Errorf("failed to read JSON: %w", err)
	}

	value, exists := allData[key]
	if !exists {
		return nil
	}
	if err := json.Unmarshal(value, target); err != nil {
		return fmt.Errorf("failed to unmarshal value to target: %w", err)
	}
	return nil
}

func checkFile(path string, structure any) error {
	if path == "" {
		return ErrFeederNoPath
	}
	return checkStructure(structure)
}
