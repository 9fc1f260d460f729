// Package filestore feeds a configuration cache from a directory tree,
// following changes with fsnotify.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/tenanthost"
	"github.com/GoCodeAlone/tenanthost/configstore"
)

// Source maps every regular file under dir to the path root + "/" + its
// slash-separated relative name. Hidden files and directories are skipped.
type Source struct {
	dir     string
	root    string
	dirKeys string
	logger  tenanthost.Logger

	// known holds the paths reported to the sink; only touched by Run.
	known map[string]struct{}
}

// Option configures a Source.
type Option func(*Source)

// WithPathRoot sets the path prefixed to every relative file name.
func WithPathRoot(root string) Option {
	return func(s *Source) {
		s.root = strings.TrimSuffix(root, "/")
	}
}

// WithDirectoryKeys reports every directory directly below the path parent
// as a path with an empty payload, so removing such a directory deletes its
// own path after the paths below it. Use the tenants root to make removing a
// tenant directory offboard the tenant.
func WithDirectoryKeys(parent string) Option {
	return func(s *Source) {
		s.dirKeys = strings.TrimSuffix(parent, "/")
	}
}

// WithLogger sets the source logger.
func WithLogger(logger tenanthost.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a source for dir.
func New(dir string, opts ...Option) *Source {
	s := &Source{dir: filepath.Clean(dir), logger: tenanthost.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements configstore.Source.
func (s *Source) Name() string {
	return "file:" + s.dir
}

// Run implements configstore.Source.
func (s *Source) Run(ctx context.Context, sink configstore.Sink) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	s.known = make(map[string]struct{})
	snapshot := make(map[string][]byte)
	if err := s.scan(watcher, s.dir, func(p string, payload []byte) { snapshot[p] = payload }); err != nil {
		return err
	}
	for p := range snapshot {
		s.known[p] = struct{}{}
	}
	sink.Load(snapshot)
	s.logger.Debug("Loaded configuration from directory", "dir", s.dir, "files", len(snapshot))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handle(watcher, sink, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}

func (s *Source) handle(watcher *fsnotify.Watcher, sink configstore.Sink, event fsnotify.Event) {
	if hidden(filepath.Base(event.Name)) {
		return
	}
	p, ok := s.path(event.Name)
	if !ok {
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		s.forget(sink, p)
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil {
			s.forget(sink, p)
			return
		}
		if info.IsDir() {
			err = s.scan(watcher, event.Name, func(p string, payload []byte) {
				s.known[p] = struct{}{}
				sink.Put(p, payload)
			})
			if err != nil {
				s.logger.Warn("Failed to scan new directory", "dir", event.Name, "error", err)
			}
			return
		}
		payload, err := os.ReadFile(event.Name)
		if err != nil {
			s.logger.Warn("Failed to read configuration file", "file", event.Name, "error", err)
			return
		}
		s.known[p] = struct{}{}
		sink.Put(p, payload)
	}
}

// forget deletes p and every known path below it, deepest first.
func (s *Source) forget(sink configstore.Sink, p string) {
	var gone []string
	for k := range s.known {
		if k == p || strings.HasPrefix(k, p+"/") {
			gone = append(gone, k)
		}
	}
	slices.Sort(gone)
	slices.Reverse(gone)
	for _, k := range gone {
		delete(s.known, k)
		sink.Delete(k)
	}
}

func (s *Source) isDirKey(p string) bool {
	return s.dirKeys != "" && path.Dir(p) == s.dirKeys
}

// scan watches every directory under dir and reports every file.
func (s *Source) scan(watcher *fsnotify.Watcher, dir string, report func(p string, payload []byte)) error {
	return filepath.WalkDir(dir, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && name != s.dir {
				return nil
			}
			return fmt.Errorf("scan %s: %w", name, err)
		}
		if name != dir && hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := watcher.Add(name); err != nil {
				return fmt.Errorf("failed to watch %s: %w", name, err)
			}
			if p, ok := s.path(name); ok && s.isDirKey(p) {
				report(p, []byte{})
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		p, ok := s.path(name)
		if !ok {
			return nil
		}
		payload, err := os.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		report(p, payload)
		return nil
	})
}

func (s *Source) path(name string) (string, bool) {
	rel, err := filepath.Rel(s.dir, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return s.root + "/" + filepath.ToSlash(rel), true
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
