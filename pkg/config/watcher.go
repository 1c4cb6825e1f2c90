package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/settle/pkg/observability"
)

// Watcher reloads the jobs section of the config file when it changes and passes
// valid new settings to onChange. Environment overrides still win over the file.
type Watcher struct {
	path     string
	logger   *observability.Logger
	onChange func(JobsConfig)
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	current JobsConfig
}

// NewWatcher watches path, starting from current.
func NewWatcher(path string, current JobsConfig, logger *observability.Logger, onChange func(JobsConfig)) (*Watcher, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors often replace the file, so watch its directory.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		logger:   logger.WithField("config_file", path),
		onChange: onChange,
		watcher:  fw,
		current:  current,
	}, nil
}

// Current returns the last applied job settings.
func (w *Watcher) Current() JobsConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.Reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("config_watch_error")
		}
	}
}

// Reload reads the file now. Invalid or unreadable files keep the current settings.
func (w *Watcher) Reload() {
	w.mu.Lock()
	var file struct {
		Jobs JobsConfig `yaml:"jobs"`
	}
	file.Jobs = w.current
	w.mu.Unlock()

	if err := loadFile(w.path, &file); err != nil {
		w.logger.WithError(err).Warn("config_reload_failed")
		return
	}
	applyJobsEnv(&file.Jobs)
	if err := file.Jobs.Validate(); err != nil {
		w.logger.WithError(err).Warn("config_reload_rejected")
		return
	}

	w.mu.Lock()
	if file.Jobs == w.current {
		w.mu.Unlock()
		return
	}
	w.current = file.Jobs
	w.mu.Unlock()

	w.logger.WithFields(map[string]interface{}{
		"outbox_enabled":   file.Jobs.Outbox.Enabled,
		"outbox_interval":  file.Jobs.Outbox.Interval.String(),
		"timeout_enabled":  file.Jobs.Timeout.Enabled,
		"timeout_interval": file.Jobs.Timeout.Interval.String(),
	}).Info("config_reloaded")
	if w.onChange != nil {
		w.onChange(file.Jobs)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
