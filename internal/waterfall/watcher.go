package waterfall

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the source config at path whenever it changes and applies it
// to the registry. A file that fails to parse leaves the previous config in
// place. Watch blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "waterfall: create watcher")
	}
	defer w.Close() //nolint:errcheck

	// Editors often replace the file, so watch the directory.
	dir, name := filepath.Split(filepath.Clean(path))
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return eris.Wrapf(err, "waterfall: watch %s", dir)
	}

	log := zap.L().With(zap.String("component", "waterfall.watcher"), zap.String("path", path))
	log.Info("watching source config")

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("waterfall: watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			r.reload(path, log)
		}
	}
}

func (r *Registry) reload(path string, log *zap.Logger) {
	cfg, err := LoadConfig(path)
	if err != nil {
		log.Warn("waterfall: reload failed, keeping previous config", zap.Error(err))
		return
	}
	r.SetConfig(cfg)
	log.Info("waterfall: source config reloaded", zap.Int("sources", len(cfg.Sources)))
}
