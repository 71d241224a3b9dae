package persona

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type profileFile struct {
	Personas []Profile `yaml:"personas"`
}

// LoadFile reads a YAML document of the form `personas: [...]`.
func LoadFile(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a persona YAML document. Duplicate IDs and
// duplicate display names are rejected.
func Parse(data []byte) ([]Profile, error) {
	var doc profileFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode persona file: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Personas))
	names := make(map[string]string, len(doc.Personas))
	for _, p := range doc.Personas {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("duplicate persona id %q", p.ID)
		}
		seen[p.ID] = struct{}{}

		// The display name is the proxy name in every channel.
		name := strings.ToLower(strings.TrimSpace(p.DisplayName))
		if other, dup := names[name]; dup {
			return nil, fmt.Errorf("personas %q and %q share displayName %q", other, p.ID, p.DisplayName)
		}
		names[name] = p.ID
	}
	return doc.Personas, nil
}

// ChangeFunc receives the profiles whose output identity changed after a reload.
type ChangeFunc func(changed []Profile)

// Watch reloads path into store whenever it is written, until ctx is done.
// Invalid documents are logged and the previous set stays in place.
func Watch(ctx context.Context, path string, store *MemoryStore, logger *slog.Logger, onChange ChangeFunc) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create persona watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files atomically, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch persona dir: %w", err)
	}

	target := filepath.Clean(path)
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounce = time.After(200 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("persona watcher error", "error", err)
		case <-debounce:
			debounce = nil
			items, err := LoadFile(path)
			if err != nil {
				logger.Warn("persona reload rejected", "path", path, "error", err)
				continue
			}
			prev := store.Replace(items)
			changed := IdentityChanges(prev, items)
			logger.Info("persona file reloaded", "path", path, "count", len(items), "identity_changes", len(changed))
			if onChange != nil && len(changed) > 0 {
				onChange(changed)
			}
		}
	}
}

// IdentityChanges lists profiles in next whose proxy identity differs from prev.
// Profiles absent from prev are new and never count as changed.
func IdentityChanges(prev, next []Profile) []Profile {
	byID := make(map[string]Profile, len(prev))
	for _, p := range prev {
		byID[p.ID] = p
	}

	var changed []Profile
	for _, p := range next {
		old, ok := byID[p.ID]
		if ok && !old.SameIdentity(p) {
			changed = append(changed, p)
		}
	}
	return changed
}
