package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

type loaded struct {
	eval Evaluator
}

// Reloader is an Evaluator backed by a policy file that is recompiled when
// the file changes. A reload that fails to compile keeps the last good
// policy in place.
type Reloader struct {
	path     string
	current  atomic.Pointer[loaded]
	debounce time.Duration
	logger   *slog.Logger
	onReload atomic.Pointer[func(error)]
}

// NewReloader loads path once; the initial load must succeed.
func NewReloader(path string, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reloader{
		path:     path,
		debounce: 500 * time.Millisecond,
		logger:   logger.With("component", "policy-reloader", "path", path),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// OnReload registers a callback invoked after every reload attempt. It may
// be called while Watch is running; nil clears the callback.
func (r *Reloader) OnReload(fn func(error)) {
	if fn == nil {
		r.onReload.Store(nil)
		return
	}
	r.onReload.Store(&fn)
}

// Reload recompiles the policy file now.
func (r *Reloader) Reload() error {
	eval, err := LoadFile(r.path)
	if err != nil {
		return err
	}
	r.current.Store(&loaded{eval: eval})
	return nil
}

func (r *Reloader) Evaluate(intent *contracts.Intent, snap *contracts.ContextSnapshot) (Decision, error) {
	return r.current.Load().eval.Evaluate(intent, snap)
}

// Watch reloads on file changes until ctx is cancelled. The parent
// directory is watched so editors that replace the file are handled.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", r.path, err)
	}
	target := filepath.Clean(r.path)

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(r.debounce, r.reloadAndReport)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func (r *Reloader) reloadAndReport() {
	err := r.Reload()
	if err != nil {
		r.logger.Error("policy reload failed, keeping previous policy", "error", err)
	} else {
		r.logger.Info("policy reloaded")
	}
	if fn := r.onReload.Load(); fn != nil {
		(*fn)(err)
	}
}
