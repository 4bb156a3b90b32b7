package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/ast"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/draftsync/pkg/engine"
)

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego files and from JSON or YAML definitions.
type Loader struct {
	logger      zerolog.Logger
	mu          sync.RWMutex
	cache       map[string]cacheEntry
	watcher     *fsnotify.Watcher
	reloadDelay time.Duration
}

type cacheEntry struct {
	policy  Policy
	modTime time.Time
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		cache:       make(map[string]cacheEntry),
		reloadDelay: DefaultReloadDelay,
	}
}

func policyFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".rego", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// LoadFromPaths loads policies from files and directories. Any file that fails to
// load fails the whole call; a partially loaded policy set never gates commits.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Info().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")
	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !policyFile(p) {
			return nil
		}
		policy, err := l.loadFromFile(ctx, p)
		if err != nil {
			return err
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return policies, nil
}

// loadFromFile loads one policy. Cached entries are reused while the file's
// modification time is unchanged.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	l.mu.RLock()
	cached, ok := l.cache[path]
	l.mu.RUnlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		p := cached.policy
		return &p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch strings.ToLower(filepath.Ext(path)) {
	case ".rego":
		policy, err = l.parseRegoFile(path, data)
	case ".json":
		policy, err = parseDefinition(path, data, json.Unmarshal)
	case ".yaml", ".yml":
		policy, err = parseDefinition(path, data, yaml.Unmarshal)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	l.mu.Lock()
	l.cache[path] = cacheEntry{policy: *policy, modTime: info.ModTime()}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", policy.Name).
		Msg("Policy loaded from file")
	return policy, nil
}

// parseRegoFile turns a .rego file into a Policy named after the file. Leading
// comment lines form the description; "# severity: <level>" and
// "# statuses: <Status>,<Status>" lines set those fields.
func (l *Loader) parseRegoFile(path string, data []byte) (*Policy, error) {
	if _, err := ast.ParseModule(path, string(data)); err != nil {
		return nil, fmt.Errorf("invalid rego: %w", err)
	}

	policy := &Policy{
		Name:      strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Rego:      string(data),
		Severity:  SeverityWarning,
		Enabled:   true,
		Source:    path,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	var description []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(description) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		key, value, found := strings.Cut(comment, ":")
		switch {
		case found && strings.EqualFold(strings.TrimSpace(key), "severity"):
			policy.Severity = Severity(strings.ToLower(strings.TrimSpace(value)))
		case found && strings.EqualFold(strings.TrimSpace(key), "statuses"):
			for _, s := range strings.Split(value, ",") {
				if s = strings.TrimSpace(s); s != "" {
					policy.Statuses = append(policy.Statuses, engine.Status(s))
				}
			}
		case comment != "":
			description = append(description, comment)
		}
	}
	policy.Description = strings.Join(description, " ")

	if err := checkSeverity(policy.Severity); err != nil {
		return nil, err
	}
	return policy, nil
}

// parseDefinition decodes a JSON or YAML policy definition.
func parseDefinition(path string, data []byte, unmarshal func([]byte, interface{}) error) (*Policy, error) {
	policy := Policy{Enabled: true}
	if err := unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy definition: %w", err)
	}
	if policy.Name == "" {
		policy.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if policy.Rego == "" {
		return nil, fmt.Errorf("policy %s has no rego", policy.Name)
	}
	if _, err := ast.ParseModule(path, policy.Rego); err != nil {
		return nil, fmt.Errorf("invalid rego: %w", err)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	if err := checkSeverity(policy.Severity); err != nil {
		return nil, err
	}
	policy.Source = path
	policy.CreatedAt = time.Now()
	policy.UpdatedAt = policy.CreatedAt
	return &policy, nil
}

func checkSeverity(s Severity) error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return nil
	}
	return fmt.Errorf("unknown severity %q", s)
}

// LoadBundle loads a JSON policy bundle.
func (l *Loader) LoadBundle(_ context.Context, bundlePath string) (*Bundle, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	for i := range bundle.Policies {
		p := &bundle.Policies[i]
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		if _, err := ast.ParseModule(p.Name, p.Rego); err != nil {
			return nil, fmt.Errorf("bundle policy %s: invalid rego: %w", p.Name, err)
		}
		p.Source = bundlePath
	}

	l.logger.Info().
		Str("bundle", bundle.Name).
		Str("version", bundle.Version).
		Int("policies", len(bundle.Policies)).
		Msg("Policy bundle loaded")
	return &bundle, nil
}

// Watch reloads the policies under paths when a policy file changes and hands the
// new set to reloadFn. It stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
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
			err = watcher.Add(filepath.Dir(path))
		}
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch path")
		}
	}

	go l.processEvents(ctx, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Started watching policy paths")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, paths []string, reloadFn func([]Policy) error) {
	var reloadTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !policyFile(event.Name) {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(l.reloadDelay, func() {
				if err := l.triggerReload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies, keeping previous")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) triggerReload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

// ClearCache drops every cached policy.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]cacheEntry)
}
