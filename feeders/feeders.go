// Package feeders fills configuration structs from YAML, TOML and JSON
// files and from prefixed environment variables.
package feeders

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/golobby/config/v3"
)

// Feeder aliases
type Feeder = config.Feeder

// ComplexFeeder is a file feeder that can also decode a single top-level key.
type ComplexFeeder interface {
	Feeder
	FeedKey(key string, target any) error
}

// ForFile returns the file feeder matching the extension of path.
func ForFile(path string) (ComplexFeeder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return NewYamlFeeder(path), nil
	case ".toml":
		return NewTomlFeeder(path), nil
	case ".json":
		return NewJSONFeeder(path), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

func checkStructure(structure any) error {
	t := reflect.TypeOf(structure)
	if t == nil || t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return wrapStructureError(structure)
	}
	return nil
}
