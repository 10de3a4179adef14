package cel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// reloadDebounce coalesces bursts of file events into one reload.
const reloadDebounce = 250 * time.Millisecond

// LoadDir reads every .yaml/.yml policy document under dir (non-recursive)
// and installs the compiled set. Files that fail to parse are skipped with
// a log line; compilation errors retain the previous good set.
func (e *Engine) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read policy directory: %w", err)
	}

	var docs []Document
	for _, entry := range entries {
		if entry.IsDir() || !isPolicyFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		fileDocs, err := loadFile(path)
		if err != nil {
			e.logger.Error("skipping unparseable policy file", "path", path, "error", err)
			continue
		}
		docs = append(docs, fileDocs...)
	}

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return e.LoadDocuments(docs)
}

// loadFile parses one YAML file holding a single document or a list.
func loadFile(path string) ([]Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var list []Document
	if err := yaml.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list, nil
	}
	var single Document
	if err := yaml.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if single.ID == "" {
		return nil, fmt.Errorf("parse %s: document has no id", path)
	}
	return []Document{single}, nil
}

func isPolicyFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// Watch reloads the directory whenever a policy file changes, until ctx is
// cancelled. Reload failures keep the previous good set; the watcher keeps
// running.
func (e *Engine) Watch(ctx context.Context, dir string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		reload := func() {
			if err := e.LoadDir(dir); err != nil {
				logger.Error("policy reload failed, previous set retained", "error", err)
			}
		}

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isPolicyFile(filepath.Base(ev.Name)) {
					continue
				}
				// Debounce: editors fire several events per save.
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
