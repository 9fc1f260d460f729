package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/tenanthost"
	"github.com/GoCodeAlone/tenanthost/initializer"
)

// engineDocument is the tenant document validated on every initialize.
const engineDocument = "engine.yaml"

// documentEngine is the engine run by the stock binary. It keeps the
// tenant's configuration documents in memory and applies engine.yaml as its
// settings.
type documentEngine struct {
	id     tenanthost.TenantID
	logger tenanthost.Logger

	mu       sync.RWMutex
	docs     map[string][]byte
	settings map[string]any
	running  bool
}

func newDocumentEngineFactory(logger tenanthost.Logger) tenanthost.TenantEngineFactory {
	return func(id tenanthost.TenantID) (tenanthost.TenantEngine, error) {
		return &documentEngine{
			id:     id,
			logger: logger,
			docs:   map[string][]byte{},
		}, nil
	}
}

func (e *documentEngine) Initialize(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.settings = nil
	if raw, ok := e.docs[engineDocument]; ok {
		settings, err := e.parseSettings(raw)
		if err != nil {
			return err
		}
		e.settings = settings
	}
	return nil
}

func (e *documentEngine) parseSettings(raw []byte) (map[string]any, error) {
	var settings map[string]any
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("tenant %s: %s: %w", e.id, engineDocument, err)
	}
	return settings, nil
}

func (e *documentEngine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
	e.logger.Info("Tenant engine serving", "tenantID", e.id, "documents", len(e.docs))
	return nil
}

func (e *documentEngine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	return nil
}

func (e *documentEngine) OnConfigurationAdded(_ context.Context, relativePath string, payload []byte) error {
	return e.store(relativePath, payload)
}

func (e *documentEngine) OnConfigurationUpdated(_ context.Context, relativePath string, payload []byte) error {
	return e.store(relativePath, payload)
}

func (e *documentEngine) OnConfigurationDeleted(_ context.Context, relativePath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if relativePath == "" {
		clear(e.docs)
		return nil
	}
	delete(e.docs, relativePath)
	for name := range e.docs {
		if strings.HasPrefix(name, relativePath+"/") {
			delete(e.docs, name)
		}
	}
	return nil
}

// store keeps payload under relativePath. A new engine.yaml is applied at
// once and rejected when invalid, keeping the previous document.
func (e *documentEngine) store(relativePath string, payload []byte) error {
	if relativePath == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if relativePath == engineDocument {
		settings, err := e.parseSettings(payload)
		if err != nil {
			return err
		}
		e.settings = settings
	}
	e.docs[relativePath] = append([]byte(nil), payload...)
	return nil
}

// Documents returns the stored document names in order.
func (e *documentEngine) Documents() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.docs))
	for name := range e.docs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Setting returns a top-level key of the last valid engine.yaml.
func (e *documentEngine) Setting(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.settings[key]
	return v, ok
}

// DataBuilder exposes the engine to initializer scripts.
func (e *documentEngine) DataBuilder() any {
	return documentBuilder{engine: e}
}

// documentBuilder answers initializer script requests:
//
//	putDocument    path, content
//	deleteDocument path
type documentBuilder struct {
	engine *documentEngine
}

func (b documentBuilder) Execute(ctx context.Context, request string, args initializer.Args) error {
	path, err := initializer.ArgAs[string](args, "path")
	if err != nil {
		return err
	}
	switch request {
	case "putDocument":
		content, err := initializer.ArgAs[string](args, "content")
		if err != nil {
			return err
		}
		return b.engine.OnConfigurationAdded(ctx, path, []byte(content))
	case "deleteDocument":
		return b.engine.OnConfigurationDeleted(ctx, path)
	}
	return fmt.Errorf("unknown request %q", request)
}
