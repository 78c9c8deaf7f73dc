package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// servicePattern selects unit files anywhere below the service directory.
const servicePattern = "**/*.{service,plist}"

// Cache holds the services found in a directory. The directory is scanned on
// first use and again after Invalidate.
type Cache struct {
	dir     string
	adapter Adapter
	log     *slog.Logger

	mu       sync.Mutex
	services map[string]Service
}

func NewCache(dir string, adapter Adapter, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{dir: dir, adapter: adapter, log: log}
}

// Services returns the services by name, scanning the directory if needed.
func (c *Cache) Services() (map[string]Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.services == nil {
		found, err := c.scan()
		if err != nil {
			return nil, err
		}
		c.services = found
	}
	return c.services, nil
}

// Names returns the service names in sorted order.
func (c *Cache) Names() ([]string, error) {
	services, err := c.Services()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Invalidate drops the cached scan.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.services = nil
	c.mu.Unlock()
}

func (c *Cache) scan() (map[string]Service, error) {
	found := map[string]Service{}
	if _, err := os.Stat(c.dir); errors.Is(err, os.ErrNotExist) {
		return found, nil
	}
	matches, err := doublestar.Glob(os.DirFS(c.dir), servicePattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("scan service dir: %w", err)
	}
	for _, rel := range matches {
		full := filepath.Join(c.dir, filepath.FromSlash(rel))
		if !c.adapter.Supports(full) {
			continue
		}
		name := ServiceName(rel)
		svc, err := c.adapter.CreateService(name, full)
		if err != nil {
			return nil, err
		}
		found[name] = svc
	}
	c.log.Debug("Scanned service directory.", "dir", c.dir, "services", len(found))
	return found, nil
}

// ServiceName derives a service name from a slash separated path relative to
// the service directory: "app/worker.service" becomes "app.worker".
func ServiceName(rel string) string {
	dir, file := path.Split(rel)
	base := strings.TrimSuffix(file, path.Ext(file))
	prefix := strings.ReplaceAll(strings.Trim(dir, "/"), "/", ".")
	return strings.TrimLeft(prefix+"."+base, ".")
}

// Watch invalidates the cache whenever something changes below the service
// directory, until ctx is done. Directories created later are watched too.
func (c *Cache) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := c.addTree(w, c.dir); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			c.log.Debug("Service directory changed.", "path", ev.Name, "op", ev.Op.String())
			c.Invalidate()
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = c.addTree(w, ev.Name)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("Service directory watch error.", "error", err)
		}
	}
}

func (c *Cache) addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.Add(p); err != nil {
				return fmt.Errorf("watch %s: %w", p, err)
			}
		}
		return nil
	})
}
