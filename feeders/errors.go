package feeders

import (
	"errors"
	"fmt"
)

// Feeder errors
var (
	ErrInvalidStructure  = errors.New("expected pointer to struct")
	ErrUnsupportedFormat = errors.New("unsupported configuration file format")
	ErrFeederNoPath      = errors.New("file feeder has no path")
	ErrEnvEmptyPrefix    = errors.New("env: prefix cannot be empty")
	ErrFieldCannotBeSet  = errors.New("field cannot be set")
	ErrEnvTypeConversion = errors.New("env: type conversion error")
)

func wrapStructureError(got any) error {
	return fmt.Errorf("%w, got %T", ErrInvalidStructure, got)
}

func wrapConversionError(name, value string, err error) error {
	return fmt.Errorf("%w: %s=%q: %w", ErrEnvTypeConversion, name, value, err)
}
