package events

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (p *recordingPublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.got...)
}

func runWatcher(t *testing.T, dir string, pub Publisher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSpoolWatcher(dir, pub, nil).Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestSpool_WritesEventFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events")
	s := NewSpool(dir)
	assert.Equal(t, "spool", s.Name())

	require.NoError(t, s.Publish(context.Background(), sampleEvent("evt:1/a")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, spoolExt, filepath.Ext(entries[0].Name()))
	assert.Contains(t, entries[0].Name(), "evt_1_a")
	assert.NoError(t, s.Close())
}

func TestSpoolWatcher_DrainsExistingInOrder(t *testing.T) {
	dir := t.TempDir()
	s := NewSpool(dir)
	require.NoError(t, s.Publish(context.Background(), sampleEvent("evt-1")))
	require.NoError(t, s.Publish(context.Background(), sampleEvent("evt-2")))

	pub := &recordingPublisher{name: "rec"}
	runWatcher(t, dir, pub)

	require.Eventually(t, func() bool { return len(pub.ids()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"evt-1", "evt-2"}, pub.ids())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "consumed files are removed")
}

func TestSpoolWatcher_ForwardsNewEvents(t *testing.T) {
	dir := t.TempDir()
	pub := &recordingPublisher{name: "rec"}
	runWatcher(t, dir, pub)

	// Give fsnotify a moment to register.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, NewSpool(dir).Publish(context.Background(), sampleEvent("evt-live")))

	require.Eventually(t, func() bool { return len(pub.ids()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"evt-live"}, pub.ids())
}

func TestSpoolWatcher_SkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1-bad"+spoolExt), []byte("{"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2-empty"+spoolExt), []byte(`{"type":"resolution_event"}`), 0o600))
	require.NoError(t, NewSpool(dir).Publish(context.Background(), sampleEvent("evt-ok")))

	pub := &recordingPublisher{name: "rec"}
	runWatcher(t, dir, pub)

	require.Eventually(t, func() bool { return len(pub.ids()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"evt-ok"}, pub.ids())
	require.Eventually(t, func() bool {
		entries, _ := os.ReadDir(dir)
		return len(entries) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSanitizeID(t *testing.T) {
	assert.Equal(t, "ent_a_b_c", sanitizeID(`ent:a/b\c`))
}
