package feedstore

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ralphm/mimir/internal/errors"
)

// Watch reloads the feed list whenever the `feeds` file changes on
// disk, so an operator editing it by hand doesn't need to restart the
// aggregator. This is not in the original implementation, which only
// ever reads the file once at startup; it closes a sharp edge where
// `setfeed` writes and an external editor's writes can silently
// diverge.
func (s *Storage) Watch(ctx context.Context, log *zap.SugaredLogger, onChange func(map[string]*Feed)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create feed list watcher")
	}

	dir := filepath.Dir(s.feedListPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "watch feed store directory %s", dir)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != s.feedListPath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				feeds, err := s.Reload()
				if err != nil {
					if log != nil {
						log.Warnw("failed to reload feed list", "error", err)
					}
					continue
				}
				if onChange != nil {
					onChange(feeds)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if log != nil {
					log.Warnw("feed list watcher error", "error", err)
				}
			}
		}
	}()

	return nil
}
