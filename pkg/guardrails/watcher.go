package guardrails

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"codeforge/pkg/logx"
)

const watchDebounce = 100 * time.Millisecond

// WatchPrompts watches dir for template edits and calls onChange with the
// changed file's path, coalescing bursts of writes. It blocks until ctx is
// cancelled. The engine keeps running on the digests sealed at startup, so an
// edited template surfaces as ErrIntegrity on the next invocation of its step.
func WatchPrompts(ctx context.Context, dir string, onChange func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create prompt watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch prompts dir %q: %w", dir, err)
	}

	logger := logx.NewLogger("guardrails")
	logger.Info("watching prompt templates in %s", dir)

	var (
		mu      sync.Mutex
		pending = map[string]*time.Timer{}
	)
	defer func() {
		mu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			logger.Warn("prompt template %s changed (%s)", event.Name, event.Op)
			name := event.Name
			mu.Lock()
			if t, ok := pending[name]; ok {
				t.Reset(watchDebounce)
			} else {
				pending[name] = time.AfterFunc(watchDebounce, func() {
					mu.Lock()
					delete(pending, name)
					mu.Unlock()
					if ctx.Err() == nil && onChange != nil {
						onChange(name)
					}
				})
			}
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("prompt watcher error: %v", err)
		}
	}
}
