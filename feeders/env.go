package feeders

import (
	"encoding"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
)

// DefaultEnvPrefix is the variable prefix used by the host.
const DefaultEnvPrefix = "TENANTHOST"

var (
	durationType        = reflect.TypeOf(time.Duration(0))
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// AffixedEnvFeeder reads environment variables named PREFIX_TAG for every
// field tagged `env:"TAG"`. A tagged struct field extends the prefix of its
// own fields; an untagged one keeps it. Slices are comma separated.
type AffixedEnvFeeder struct {
	Prefix string
	// Lookup defaults to os.LookupEnv.
	Lookup func(name string) (string, bool)
}

// NewAffixedEnvFeeder creates an AffixedEnvFeeder for prefix.
func NewAffixedEnvFeeder(prefix string) AffixedEnvFeeder {
	return AffixedEnvFeeder{Prefix: prefix}
}

// Feed implements Feeder.
func (f AffixedEnvFeeder) Feed(structure any) error {
	if err := checkStructure(structure); err != nil {
		return err
	}
	if f.Prefix == "" {
		return ErrEnvEmptyPrefix
	}
	lookup := f.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return processStructFields(reflect.ValueOf(structure).Elem(), strings.ToUpper(f.Prefix), lookup)
}

// processStructFields iterates through struct fields
func processStructFields(rv reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}
		if err := processField(field, &fieldType, prefix, lookup); err != nil {
			return fmt.Errorf("error in field '%s': %w", fieldType.Name, err)
		}
	}
	return nil
}

// processField handles a single struct field
func processField(field reflect.Value, fieldType *reflect.StructField, prefix string, lookup func(string) (string, bool)) error {
	envTag, tagged := fieldType.Tag.Lookup("env")
	if tagged && envTag == "-" {
		return nil
	}
	name := prefix
	if tagged {
		name = prefix + "_" + strings.ToUpper(envTag)
	}

	if field.Kind() == reflect.Struct && !implementsText(field) {
		return processStructFields(field, name, lookup)
	}
	if field.Kind() == reflect.Pointer && field.Type().Elem().Kind() == reflect.Struct && !implementsText(field) {
		if field.IsNil() {
			return nil
		}
		return processStructFields(field.Elem(), name, lookup)
	}
	if !tagged {
		return nil
	}

	value, ok := lookup(name)
	if !ok || value == "" {
		return nil
	}
	if !field.CanSet() {
		return ErrFieldCannotBeSet
	}
	return setFieldValue(field, name, value)
}

func implementsText(field reflect.Value) bool {
	return field.CanAddr() && field.Addr().Type().Implements(textUnmarshalerType)
}

// setFieldValue converts and sets a field value
func setFieldValue(field reflect.Value, name, value string) error {
	if implementsText(field) {
		if err := field.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(value)); err != nil {
			return wrapConversionError(name, value, err)
		}
		return nil
	}

	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return wrapConversionError(name, value, err)
		}
		field.SetInt(int64(d))
		return nil
	case field.Kind() == reflect.Slice:
		parts := strings.Split(value, ",")
		slice := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			converted, err := cast.FromType(part, field.Type().Elem())
			if err != nil {
				return wrapConversionError(name, value, err)
			}
			slice = reflect.Append(slice, reflect.ValueOf(converted).Convert(field.Type().Elem()))
		}
		field.Set(slice)
		return nil
	}

	converted, err := cast.FromType(value, field.Type())
	if err != nil {
		return wrapConversionError(name, value, err)
	}
	field.Set(reflect.ValueOf(converted).Convert(field.Type()))
	return nil
}
