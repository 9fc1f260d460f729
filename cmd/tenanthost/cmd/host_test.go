package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/tenanthost"
	"github.com/GoCodeAlone/tenanthost/config"
	"github.com/GoCodeAlone/tenanthost/configstore"
	"github.com/GoCodeAlone/tenanthost/initializer"
	"github.com/GoCodeAlone/tenanthost/lifecycle"
)

const (
	firstTenant  = "0f6c1f1e-6b55-4a57-a4a1-4ad2a1f1a3b2"
	secondTenant = "7d1e2f3a-4b5c-4d6e-8f90-a1b2c3d4e5f6"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func testConfig(dir string) *config.HostConfig {
	cfg := config.Defaults()
	cfg.Store.File.Dir = dir
	cfg.Admin.Address = ""
	cfg.ConfigurationReadyTimeout = config.Duration(5 * time.Second)
	return cfg
}

// startHost runs the file source and the microservice until the test ends.
func startHost(t *testing.T, cfg *config.HostConfig) *host {
	t.Helper()
	h, err := newHost(cfg, tenanthost.NopLogger())
	require.NoError(t, err)

	source, closeSource, err := openSource(context.Background(), cfg, tenanthost.NopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return configstore.Run(gctx, h.cache, source) })
	g.Go(func() error { return h.serve(gctx) })
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, g.Wait())
		closeSource()
	})

	require.Eventually(t, func() bool {
		return h.service.Status() == lifecycle.StatusStarted
	}, 5*time.Second, 10*time.Millisecond)
	return h
}

func available(h *host, id string) func() bool {
	return func() bool {
		_, err := h.service.AssureTenantEngineAvailable(tenanthost.MustParseTenantID(id))
		return err == nil
	}
}

func engineOf(t *testing.T, h *host, id string) *documentEngine {
	t.Helper()
	engine, err := h.service.GetTenantEngineByTenantId(tenanthost.MustParseTenantID(id))
	require.NoError(t, err)
	return engine.(*documentEngine)
}

func TestHost_OnboardsTenantsFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "instance/configuration.yaml", "region: eu-west\n")
	writeFile(t, dir, "tenants/"+firstTenant+"/engine.yaml", "plan: gold\n")
	writeFile(t, dir, "tenants/"+firstTenant+"/devices/types.yaml", "- forklift\n")

	h := startHost(t, testConfig(dir))

	require.Eventually(t, available(h, firstTenant), 5*time.Second, 10*time.Millisecond)
	engine := engineOf(t, h, firstTenant)
	require.Eventually(t, func() bool {
		return len(engine.Documents()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"devices/types.yaml", "engine.yaml"}, engine.Documents())
	plan, ok := engine.Setting("plan")
	require.True(t, ok)
	assert.Equal(t, "gold", plan)
	assert.Equal(t, "eu-west", h.service.InstanceConfiguration().Settings()["region"])

	writeFile(t, dir, "tenants/"+secondTenant+"/engine.yaml", "plan: silver\n")
	require.Eventually(t, available(h, secondTenant), 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "tenants", secondTenant)))
	require.Eventually(t, func() bool {
		_, known := h.service.TenantEngineManager().TenantEngineStatus(tenanthost.MustParseTenantID(secondTenant))
		return !known
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHost_GlobalChangeRestartsEngines(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "instance/configuration.yaml", "region: eu-west\n")
	writeFile(t, dir, "tenants/"+firstTenant+"/engine.yaml", "plan: gold\n")

	h := startHost(t, testConfig(dir))
	require.Eventually(t, available(h, firstTenant), 5*time.Second, 10*time.Millisecond)

	writeFile(t, dir, "instance/configuration.yaml", "region: us-east\n")
	require.Eventually(t, func() bool {
		return h.service.InstanceConfiguration().Settings()["region"] == "us-east"
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		info, ok := h.service.TenantEngineManager().TenantEngineInfo(tenanthost.MustParseTenantID(firstTenant))
		return ok && info.Restarts == 1 && info.Status == lifecycle.StatusStarted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDocumentEngine_EngineDocument(t *testing.T) {
	factory := newDocumentEngineFactory(tenanthost.NopLogger())
	te, err := factory(tenanthost.MustParseTenantID(firstTenant))
	require.NoError(t, err)
	engine := te.(*documentEngine)
	ctx := context.Background()

	require.NoError(t, engine.OnConfigurationAdded(ctx, "", nil))
	assert.Empty(t, engine.Documents())

	require.NoError(t, engine.OnConfigurationAdded(ctx, engineDocument, []byte("plan: gold\n")))
	plan, _ := engine.Setting("plan")
	assert.Equal(t, "gold", plan)

	err = engine.OnConfigurationUpdated(ctx, engineDocument, []byte("plan: [unterminated\n"))
	require.Error(t, err)
	plan, _ = engine.Setting("plan")
	assert.Equal(t, "gold", plan)

	require.NoError(t, engine.Initialize(ctx))
	require.NoError(t, engine.Start(ctx))
	require.NoError(t, engine.Stop(ctx))

	engine.docs[engineDocument] = []byte("plan: [unterminated\n")
	assert.Error(t, engine.Initialize(ctx))

	require.NoError(t, engine.OnConfigurationDeleted(ctx, ""))
	assert.Empty(t, engine.Documents())
}

func TestHost_RunsInitializerScript(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "store/tenants/"+firstTenant+"/engine.yaml", "plan: gold\n")
	writeFile(t, dir, "seed.yaml", `steps:
  - log: seeding tenant
  - request: putDocument
    args:
      path: seeded/welcome.txt
      content: hello
`)

	cfg := testConfig(filepath.Join(dir, "store"))
	cfg.Initializer = config.InitializerConfig{Enabled: true, Script: filepath.Join(dir, "seed.yaml")}
	h := startHost(t, cfg)

	require.Eventually(t, available(h, firstTenant), 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, engineOf(t, h, firstTenant).Documents(), "seeded/welcome.txt")
	info, _ := h.service.TenantEngineManager().TenantEngineInfo(tenanthost.MustParseTenantID(firstTenant))
	assert.True(t, info.DataInitialized)
}

func TestDocumentBuilder(t *testing.T) {
	factory := newDocumentEngineFactory(tenanthost.NopLogger())
	te, err := factory(tenanthost.MustParseTenantID(firstTenant))
	require.NoError(t, err)
	engine := te.(*documentEngine)
	builder := engine.DataBuilder().(initializer.RequestBuilder)
	ctx := context.Background()

	require.NoError(t, builder.Execute(ctx, "putDocument", initializer.Args{"path": "a/b.yaml", "content": "x"}))
	require.NoError(t, builder.Execute(ctx, "putDocument", initializer.Args{"path": "a/c.yaml", "content": "y"}))
	require.NoError(t, builder.Execute(ctx, "putDocument", initializer.Args{"path": "d.yaml", "content": "z"}))
	assert.Equal(t, []string{"a/b.yaml", "a/c.yaml", "d.yaml"}, engine.Documents())

	require.NoError(t, builder.Execute(ctx, "deleteDocument", initializer.Args{"path": "a"}))
	assert.Equal(t, []string{"d.yaml"}, engine.Documents())

	assert.Error(t, builder.Execute(ctx, "putDocument", initializer.Args{"path": "e.yaml"}))
	assert.Error(t, builder.Execute(ctx, "explode", initializer.Args{"path": "e.yaml"}))
	assert.Error(t, builder.Execute(ctx, "deleteDocument", initializer.Args{}))
}

func TestNewZapLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := newZapLogger(config.LoggingConfig{Level: "debug", Format: format})
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(-1))
	}
	_, err := newZapLogger(config.LoggingConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestOpenSource_UnknownKind(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Kind = "zookeeper"
	_, closeFn, err := openSource(context.Background(), cfg, tenanthost.NopLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	closeFn()
}
