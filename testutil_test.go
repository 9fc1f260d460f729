package tenanthost

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/GoCodeAlone/tenanthost/lifecycle"
)

var errEngine = errors.New("engine failure")

var testLayout = PathLayout{GlobalPath: "/instance/global.yaml", TenantsRoot: "/tenants"}

const (
	tenantA = "11111111-1111-1111-1111-111111111111"
	tenantB = "22222222-2222-2222-2222-222222222222"
	tenantC = "33333333-3333-3333-3333-333333333333"
)

// fakeEngine records every call it receives. Failures can be injected per
// operation; inFlight detects overlapping calls.
type fakeEngine struct {
	id TenantID

	mu        sync.Mutex
	calls     []string
	config    map[string]string
	failOn    map[lifecycle.Operation]error
	onStart   func()
	hookDelay func()

	inFlight   *atomic.Int32
	overlapped *atomic.Bool
	starts     *atomic.Int32
	stops      *atomic.Int32
}

func newFakeEngine(id TenantID) *fakeEngine {
	return &fakeEngine{
		id:         id,
		config:     map[string]string{},
		failOn:     map[lifecycle.Operation]error{},
		inFlight:   atomic.NewInt32(0),
		overlapped: atomic.NewBool(false),
		starts:     atomic.NewInt32(0),
		stops:      atomic.NewInt32(0),
	}
}

func (e *fakeEngine) enter() {
	if e.inFlight.Inc() > 1 {
		e.overlapped.Store(true)
	}
	if e.hookDelay != nil {
		e.hookDelay()
	}
}

func (e *fakeEngine) leave() { e.inFlight.Dec() }

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
}

func (e *fakeEngine) failure(op lifecycle.Operation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failOn[op]
}

func (e *fakeEngine) setFailure(op lifecycle.Operation, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failOn, op)
		return
	}
	e.failOn[op] = err
}

func (e *fakeEngine) Initialize(ctx context.Context) error {
	e.enter()
	defer e.leave()
	e.record("initialize")
	return e.failure(lifecycle.OperationInitialize)
}

func (e *fakeEngine) Start(ctx context.Context) error {
	e.enter()
	defer e.leave()
	e.record("start")
	if err := e.failure(lifecycle.OperationStart); err != nil {
		return err
	}
	e.starts.Inc()
	if e.onStart != nil {
		e.onStart()
	}
	return nil
}

func (e *fakeEngine) Stop(ctx context.Context) error {
	e.enter()
	defer e.leave()
	e.record("stop")
	e.stops.Inc()
	return e.failure(lifecycle.OperationStop)
}

func (e *fakeEngine) OnConfigurationAdded(ctx context.Context, relativePath string, payload []byte) error {
	e.enter()
	defer e.leave()
	e.record("added " + relativePath)
	e.mu.Lock()
	e.config[relativePath] = string(payload)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) OnConfigurationUpdated(ctx context.Context, relativePath string, payload []byte) error {
	e.enter()
	defer e.leave()
	e.record("updated " + relativePath)
	e.mu.Lock()
	e.config[relativePath] = string(payload)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) OnConfigurationDeleted(ctx context.Context, relativePath string) error {
	e.enter()
	defer e.leave()
	e.record("deleted " + relativePath)
	e.mu.Lock()
	delete(e.config, relativePath)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	copy(out, e.calls)
	return out
}

func (e *fakeEngine) Config(relativePath string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.config[relativePath]
	return v, ok
}

// engineFactory builds fakeEngines and remembers every engine it created.
type engineFactory struct {
	mu      sync.Mutex
	engines map[TenantID][]*fakeEngine
	prepare func(e *fakeEngine)
	err     error
}

func newEngineFactory() *engineFactory {
	return &engineFactory{engines: map[TenantID][]*fakeEngine{}}
}

func (f *engineFactory) New(id TenantID) (TenantEngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := newFakeEngine(id)
	if f.prepare != nil {
		f.prepare(e)
	}
	f.engines[id] = append(f.engines[id], e)
	return e, nil
}

func (f *engineFactory) created(id TenantID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines[id])
}

func (f *engineFactory) engine(id TenantID) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.engines[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// memCache is an in-memory ConfigurationCache.
type memCache struct {
	mu      sync.Mutex
	ready   bool
	readyCh chan struct{}
	entries map[string][]byte
}

func newMemCache(ready bool) *memCache {
	c := &memCache{readyCh: make(chan struct{}), entries: map[string][]byte{}}
	if ready {
		c.markReady()
	}
	return c
}

func (c *memCache) markReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		c.ready = true
		close(c.readyCh)
	}
}

func (c *memCache) put(path string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = payload
}

func (c *memCache) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *memCache) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memCache) Get(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[path]
	return v, ok
}

// recordingRestarter counts global reloads and can be made to fail.
type recordingRestarter struct {
	mu       sync.Mutex
	payloads []string
	err      error
	order    *[]string
}

func (r *recordingRestarter) RestartConfiguration(_ context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.order != nil {
		*r.order = append(*r.order, "reload")
	}
	r.payloads = append(r.payloads, string(payload))
	return r.err
}

func (r *recordingRestarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

// logEntry is one captured log line.
type logEntry struct {
	level string
	msg   string
	args  []any
}

// captureLogger records log lines for assertions.
type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *captureLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.add("error", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *captureLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }

func (l *captureLogger) find(msg string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logEntry
	for _, e := range l.entries {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}

// arg returns the value following key in a log entry.
func (e logEntry) arg(key string) any {
	for i := 0; i+1 < len(e.args); i += 2 {
		if e.args[i] == key {
			return e.args[i+1]
		}
	}
	return nil
}

func tenantPath(id, rel string) string {
	if rel == "" {
		return fmt.Sprintf("%s/%s", testLayout.TenantsRoot, id)
	}
	return fmt.Sprintf("%s/%s/%s", testLayout.TenantsRoot, id, rel)
}
