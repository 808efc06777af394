package stability

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dropwatch/internal/config"
)

func newTestDetector(threshold int, maxWait, interval, minAge time.Duration) *Detector {
	return New(config.StabilityConfig{
		Threshold:       threshold,
		MaxWait:         maxWait,
		InitialInterval: interval,
		MinFileAge:      minAge,
	})
}

// writeBackdated creates a file whose mtime lies far enough in the past that
// the minimum-age gate is already satisfied.
func writeBackdated(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	old := time.Now().Add(-1 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	return path
}

func TestStaticFileBecomesStable(t *testing.T) {
	path := writeBackdated(t, t.TempDir(), "done.wav", []byte("payload"))

	d := newTestDetector(3, 5*time.Second, 10*time.Millisecond, 0)
	verdict, err := d.Wait(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, Stable, verdict)
}

func TestYoungFileIsNeverStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.wav")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0644))

	// The file's size never changes, but its age never clears the gate
	// within the wait window.
	d := newTestDetector(2, 300*time.Millisecond, 20*time.Millisecond, 10*time.Second)
	verdict, err := d.Wait(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, GaveUp, verdict)
}

func TestMinAgeGateDelaysStability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.wav")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0644))

	minAge := 300 * time.Millisecond
	d := newTestDetector(3, 5*time.Second, 20*time.Millisecond, minAge)

	start := time.Now()
	verdict, err := d.Wait(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, Stable, verdict)
	assert.GreaterOrEqual(t, time.Since(start), minAge,
		"stability must not be declared before the file clears the minimum age")
}

func TestGrowingFileResetsStreak(t *testing.T) {
	path := writeBackdated(t, t.TempDir(), "growing.wav", []byte("x"))

	growFor := 250 * time.Millisecond
	stop := time.Now().Add(growFor)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for time.Now().Before(stop) {
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
			if err == nil {
				_, _ = f.Write([]byte("chunk"))
				_ = f.Close()
			}
			time.Sleep(15 * time.Millisecond)
		}
		// Keep the mtime in the past so only size governs the verdict.
		old := time.Now().Add(-1 * time.Hour)
		_ = os.Chtimes(path, old, old)
	}()

	d := newTestDetector(4, 10*time.Second, 10*time.Millisecond, 0)
	start := time.Now()
	verdict, err := d.Wait(context.Background(), path)
	<-done
	require.NoError(t, err)
	assert.Equal(t, Stable, verdict)
	assert.GreaterOrEqual(t, time.Since(start), growFor,
		"detector must not declare stability while the file is still growing")
}

func TestMissingFileTimesOut(t *testing.T) {
	d := newTestDetector(2, 200*time.Millisecond, 20*time.Millisecond, 0)
	verdict, err := d.Wait(context.Background(), filepath.Join(t.TempDir(), "never-created.wav"))
	require.NoError(t, err, "transient access errors are tolerated, not returned")
	assert.Equal(t, GaveUp, verdict)
}

func TestFileDeletedMidCheckIsTolerated(t *testing.T) {
	dir := t.TempDir()
	path := writeBackdated(t, dir, "vanishing.wav", []byte("payload"))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.Remove(path)
	}()

	d := newTestDetector(8, 300*time.Millisecond, 15*time.Millisecond, 0)
	verdict, err := d.Wait(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, GaveUp, verdict, "a file that disappears never stabilizes, but the wait must not error")
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.wav")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	d := newTestDetector(100, time.Hour, 20*time.Millisecond, time.Hour)
	_, err := d.Wait(ctx, path)
	require.ErrorIs(t, err, context.Canceled)
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "stable", Stable.String())
	assert.Equal(t, "gave_up", GaveUp.String())
}
