package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/draftsync/pkg/engine"
)

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// Catalog is a reloadable engine.ReferenceSource. Readers always see a complete catalog:
// a reload that fails keeps the previous data.
type Catalog struct {
	loader  *Loader
	sources []string
	logger  zerolog.Logger

	mu       sync.RWMutex
	data     *engine.ReferenceData
	loadedAt time.Time
	onReload []func(*engine.ReferenceData)
	onFail   []func(error)

	watcher     *fsnotify.Watcher
	reloadDelay time.Duration
}

// New creates a catalog over sources. With no sources the bundled catalog is used.
func New(loader *Loader, sources []string, logger zerolog.Logger) *Catalog {
	return &Catalog{
		loader:      loader,
		sources:     append([]string(nil), sources...),
		logger:      logger.With().Str("component", "catalog").Logger(),
		reloadDelay: DefaultReloadDelay,
	}
}

// Reference returns the current catalog. It is nil until the first successful Reload.
func (c *Catalog) Reference() *engine.ReferenceData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

// LoadedAt returns when the current catalog was loaded.
func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// OnReload registers fn to run after every successful reload.
func (c *Catalog) OnReload(fn func(*engine.ReferenceData)) {
	c.mu.Lock()
	c.onReload = append(c.onReload, fn)
	c.mu.Unlock()
}

// OnReloadFailure registers fn to run when a watched reload fails.
func (c *Catalog) OnReloadFailure(fn func(error)) {
	c.mu.Lock()
	c.onFail = append(c.onFail, fn)
	c.mu.Unlock()
}

// Reload loads the sources again and swaps the catalog in.
func (c *Catalog) Reload(ctx context.Context) error {
	var (
		ref *engine.ReferenceData
		err error
	)
	if len(c.sources) == 0 {
		ref, err = c.loader.Default()
	} else {
		ref, err = c.loader.Load(ctx, c.sources)
	}
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	c.mu.Lock()
	c.data = ref
	c.loadedAt = time.Now()
	hooks := append([]func(*engine.ReferenceData){}, c.onReload...)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(ref)
	}
	c.logger.Info().
		Int("templates", len(ref.Templates)).
		Int("phases", len(ref.Phases)).
		Msg("Catalog loaded")
	return nil
}

// Watch reloads the catalog when one of its source files changes, until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	if len(c.sources) == 0 {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	c.watcher = watcher

	for _, path := range c.sources {
		info, err := os.Stat(path)
		if err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if info.IsDir() {
			err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					return watcher.Add(p)
				}
				return nil
			})
		} else {
			// watch the parent so editors that replace the file are seen
			err = watcher.Add(filepath.Dir(path))
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch path")
		}
	}

	go c.processEvents(ctx)
	c.logger.Info().Int("paths", len(c.sources)).Msg("Started watching catalog paths")
	return nil
}

func (c *Catalog) processEvents(ctx context.Context) {
	var reloadTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = c.watcher.Close()
			return

		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 || !supported(event.Name) {
				continue
			}
			if !c.watched(event.Name) {
				continue
			}
			c.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Catalog file changed")
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(c.reloadDelay, func() {
				if err := c.Reload(ctx); err != nil {
					c.logger.Error().Err(err).Msg("Failed to reload catalog, keeping previous")
					c.mu.RLock()
					hooks := append([]func(error){}, c.onFail...)
					c.mu.RUnlock()
					for _, fn := range hooks {
						fn(err)
					}
				}
			})

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// watched reports whether name is one of the sources or lies under a source directory.
func (c *Catalog) watched(name string) bool {
	clean := filepath.Clean(name)
	for _, src := range c.sources {
		src = filepath.Clean(src)
		if clean == src {
			return true
		}
		if rel, err := filepath.Rel(src, clean); err == nil && rel != ".." && !filepath.IsAbs(rel) && !startsWithParent(rel) {
			return true
		}
	}
	return false
}

func startsWithParent(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
