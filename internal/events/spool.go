package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/entityres/pkg/types"
)

const spoolExt = ".event"

// Spool hands events to another process through a shared directory. Each
// event becomes one file, written to a temporary name and renamed into
// place so a watcher never sees a partial write.
type Spool struct {
	dir string
}

// NewSpool returns a Spool writing into dir.
func NewSpool(dir string) *Spool {
	return &Spool{dir: dir}
}

// Name implements Publisher.
func (s *Spool) Name() string { return "spool" }

// Publish implements Publisher.
func (s *Spool) Publish(_ context.Context, ev *types.ResolutionEvent) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("spool: mkdir %s: %w", s.dir, err)
	}
	data, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return fmt.Errorf("spool: encode: %w", err)
	}
	name := fmt.Sprintf("%d-%s", time.Now().UnixNano(), sanitizeID(ev.ID))
	tmp := filepath.Join(s.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("spool: write: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name+spoolExt)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("spool: rename: %w", err)
	}
	return nil
}

// Close implements Publisher.
func (s *Spool) Close() error { return nil }

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == ':' || r == '\\' {
			return '_'
		}
		return r
	}, id)
}

// SpoolWatcher consumes spool files and forwards their events to a
// Publisher, typically the serving process's Fanout.
type SpoolWatcher struct {
	dir string
	pub Publisher
	log logrus.FieldLogger
}

// NewSpoolWatcher returns a watcher over dir forwarding to pub.
func NewSpoolWatcher(dir string, pub Publisher, log logrus.FieldLogger) *SpoolWatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SpoolWatcher{dir: dir, pub: pub, log: log.WithField("component", "spool")}
}

// Run drains files already present, then forwards new ones until ctx is
// done. It returns nil on cancellation.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("spool: mkdir %s: %w", w.dir, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("spool: watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("spool: watch %s: %w", w.dir, err)
	}

	// Watch before draining so nothing written in between is missed.
	w.drain(ctx)
	w.log.WithField("dir", w.dir).Info("watching event spool")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 && strings.HasSuffix(ev.Name, spoolExt) {
				w.process(ctx, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("spool watcher error")
		}
	}
}

func (w *SpoolWatcher) drain(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), spoolExt) {
			names = append(names, e.Name())
		}
	}
	// Names start with a nanosecond timestamp.
	sort.Strings(names)
	for _, n := range names {
		w.process(ctx, filepath.Join(w.dir, n))
	}
}

func (w *SpoolWatcher) process(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // consumed by another watcher
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.log.WithError(err).WithField("file", filepath.Base(path)).Warn("spool: remove failed")
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Event == nil {
		w.log.WithField("file", filepath.Base(path)).Warn("spool: invalid event file")
		return
	}
	if err := w.pub.Publish(ctx, msg.Event); err != nil {
		w.log.WithError(err).WithField("event_id", msg.Event.ID).Warn("spool: forward failed")
	}
}
