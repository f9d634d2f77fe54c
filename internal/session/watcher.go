package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/termdeck/termdeck/internal/platform"
)

const watchDebounce = 100 * time.Millisecond

// FavoritesWatcher reloads Favorites when favorites.json changes on disk.
// It watches the parent directory because atomic saves replace the file.
type FavoritesWatcher struct {
	favs     *Favorites
	watcher  *fsnotify.Watcher
	onReload func([]string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatchFavorites starts watching. onReload (may be nil) runs after every
// successful reload with the new list.
func WatchFavorites(favs *Favorites, onReload func([]string)) (*FavoritesWatcher, error) {
	dir := filepath.Dir(favs.Path())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create favorites dir: %w", err)
	}
	if warn := platform.CheckFsnotifySupport(dir); warn != "" {
		storageLog.Warn("favorites_watch_degraded", slog.String("reason", warn))
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	fw := &FavoritesWatcher{favs: favs, watcher: w, onReload: onReload, ctx: ctx, cancel: cancel}
	fw.wg.Add(1)
	go fw.run()
	return fw, nil
}

func (fw *FavoritesWatcher) run() {
	defer fw.wg.Done()
	target := filepath.Clean(fw.favs.Path())

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-fw.ctx.Done():
			return

		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, fw.reload)
			timerMu.Unlock()

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			storageLog.Warn("favorites_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (fw *FavoritesWatcher) reload() {
	if fw.ctx.Err() != nil {
		return
	}
	if err := fw.favs.Reload(); err != nil {
		return
	}
	storageLog.Debug("favorites_reloaded", slog.String("path", fw.favs.Path()))
	if fw.onReload != nil {
		fw.onReload(fw.favs.List())
	}
}

// Stop ends the watcher.
func (fw *FavoritesWatcher) Stop() {
	fw.cancel()
	_ = fw.watcher.Close()
	fw.wg.Wait()
}
