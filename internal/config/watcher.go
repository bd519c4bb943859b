package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// TuningWatcher reloads a tuning file into a TuningSource whenever it changes
// on disk. The parent directory is watched so that editors which replace the
// file by rename are picked up. Invalid files are logged and ignored; the
// previous snapshot stays in effect.
type TuningWatcher struct {
	path     string
	source   *TuningSource
	log      logrus.FieldLogger
	debounce time.Duration
	onReload func(*Tuning)
}

// NewTuningWatcher creates a watcher for path. onReload, if non-nil, runs
// after every successful reload.
func NewTuningWatcher(path string, source *TuningSource, log logrus.FieldLogger, onReload func(*Tuning)) *TuningWatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TuningWatcher{
		path:     filepath.Clean(path),
		source:   source,
		log:      log.WithField("component", "tuning-watcher"),
		debounce: 100 * time.Millisecond,
		onReload: onReload,
	}
}

// Run watches until ctx is done.
func (w *TuningWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(w.path), err)
	}
	w.log.WithField("path", w.path).Info("watching tuning file")

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case evt, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("watcher error")
		}
	}
}

func (w *TuningWatcher) reload() {
	t, err := LoadTuning(w.path)
	if err != nil {
		w.log.WithError(err).Error("tuning reload rejected; keeping previous values")
		return
	}
	if err := w.source.Store(t); err != nil {
		w.log.WithError(err).Error("tuning reload rejected; keeping previous values")
		return
	}
	w.log.WithFields(logrus.Fields{
		"auto_resolve_threshold": t.AutoResolveThreshold,
		"top_k":                  t.TopK,
	}).Info("tuning reloaded")
	if w.onReload != nil {
		w.onReload(t)
	}
}
