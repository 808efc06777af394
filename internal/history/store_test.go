package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dropwatch/internal/storage"
)

func setupStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), db
}

func sampleRecord(status string) Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return Record{
		ID:          uuid.NewString(),
		Target:      "inbox",
		Path:        "/drop/a.wav",
		Digest:      "abc123",
		Status:      status,
		DetectedAt:  now.Add(-30 * time.Second),
		StartedAt:   now.Add(-20 * time.Second),
		CompletedAt: now,
	}
}

func TestRecordAndGet(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	rec := sampleRecord("succeeded")
	require.NoError(t, store.Record(ctx, rec))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Target, got.Target)
	assert.Equal(t, rec.Path, got.Path)
	assert.Equal(t, rec.Digest, got.Digest)
	assert.Equal(t, rec.Status, got.Status)
	assert.True(t, got.CompletedAt.Equal(rec.CompletedAt))
}

func TestRecordFailureFields(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	rec := sampleRecord("failed")
	rec.ExitCode = 1
	rec.Stderr = "bad format"
	require.NoError(t, store.Record(ctx, rec))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExitCode)
	assert.Equal(t, "bad format", got.Stderr)
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		rec := sampleRecord("succeeded")
		rec.CompletedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Record(ctx, rec))
	}

	recs, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].CompletedAt.After(recs[1].CompletedAt))
}

func TestGetMissingRecord(t *testing.T) {
	store, _ := setupStore(t)
	_, err := store.Get(context.Background(), "no-such-id")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCountByStatus(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, sampleRecord("succeeded")))
	require.NoError(t, store.Record(ctx, sampleRecord("succeeded")))
	require.NoError(t, store.Record(ctx, sampleRecord("timed_out")))

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["succeeded"])
	assert.Equal(t, 1, counts["timed_out"])
}

func TestDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(path, []byte("identical content"), 0644))

	d1, err := Digest(path)
	require.NoError(t, err)
	require.NotEmpty(t, d1)

	other := filepath.Join(dir, "b.bin")
	require.NoError(t, os.WriteFile(other, []byte("identical content"), 0644))
	d2, err := Digest(other)
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "same content, same digest")

	changed := filepath.Join(dir, "c.bin")
	require.NoError(t, os.WriteFile(changed, []byte("different content"), 0644))
	d3, err := Digest(changed)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestDigestMissingFile(t *testing.T) {
	_, err := Digest(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
}
