package initializer

import (
	"context"
	"fmt"
	"io/fs"
	"reflect"

	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// Logger is the logging surface a script may write to through the "logger"
// binding.
type Logger interface {
	Info(msg string, args ...any)
}

// RequestBuilder executes named data-creation requests on behalf of a
// script. Engines expose one through the "builder" binding.
type RequestBuilder interface {
	Execute(ctx context.Context, request string, args Args) error
}

// Args are the string arguments of one script request.
type Args map[string]string

// ArgAs converts the argument key to T.
func ArgAs[T any](a Args, key string) (T, error) {
	var zero T
	raw, ok := a[key]
	if !ok {
		return zero, fmt.Errorf("%w: argument %s", ErrBindingMissing, key)
	}
	v, err := cast.FromType(raw, reflect.TypeOf(zero))
	if err != nil {
		return zero, fmt.Errorf("argument %s: %w", key, err)
	}
	return v.(T), nil
}

// Script is the decoded form of an initializer script:
//
//	steps:
//	  - log: seeding asset types
//	  - request: createAssetType
//	    args:
//	      token: forklift
//	      capacity: "2"
type Script struct {
	Steps []ScriptStep `yaml:"steps"`
}

// ScriptStep is either a log line or a builder request.
type ScriptStep struct {
	Log     string `yaml:"log,omitempty"`
	Request string `yaml:"request,omitempty"`
	Args    Args   `yaml:"args,omitempty"`
}

// ScriptInitializer runs a YAML script read from a file system against the
// builder binding.
type ScriptInitializer struct {
	fsys    fs.FS
	path    string
	enabled bool
}

// NewScriptInitializer creates an initializer for the script at path in fsys.
func NewScriptInitializer(fsys fs.FS, path string, enabled bool) *ScriptInitializer {
	return &ScriptInitializer{fsys: fsys, path: path, enabled: enabled}
}

// Enabled reports whether the script should run.
func (s *ScriptInitializer) Enabled() bool {
	return s.enabled
}

// ScriptPath returns the path of the script inside the file system.
func (s *ScriptInitializer) ScriptPath() string {
	return s.path
}

// Initialize loads and runs the script. Failures to read or decode the
// script wrap ErrScriptAccess; failures while executing it wrap ErrScriptRun.
func (s *ScriptInitializer) Initialize(ctx context.Context, binding Binding) error {
	if !s.enabled {
		return nil
	}

	raw, err := fs.ReadFile(s.fsys, s.path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrScriptAccess, s.path, err)
	}
	var script Script
	if err := yaml.Unmarshal(raw, &script); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrScriptAccess, s.path, err)
	}

	if err := s.run(ctx, script, binding); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrScriptRun, s.path, err)
	}
	return nil
}

func (s *ScriptInitializer) run(ctx context.Context, script Script, binding Binding) error {
	var builder RequestBuilder
	for i, step := range script.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case step.Log != "":
			if logger, err := Lookup[Logger](binding, BindingLogger); err == nil {
				logger.Info(step.Log, "script", s.path, "tenantId", binding[BindingTenantID])
			}
		case step.Request != "":
			if builder == nil {
				b, err := Lookup[RequestBuilder](binding, BindingBuilder)
				if err != nil {
					return err
				}
				builder = b
			}
			if err := builder.Execute(ctx, step.Request, step.Args); err != nil {
				return fmt.Errorf("step %d (%s): %w", i+1, step.Request, err)
			}
		default:
			return fmt.Errorf("step %d: neither log nor request set", i+1)
		}
	}
	return nil
}
