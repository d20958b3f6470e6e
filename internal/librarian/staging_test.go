package librarian

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kalambet/vaultd/internal/index"
	"github.com/kalambet/vaultd/internal/sidecar"
	"github.com/kalambet/vaultd/internal/vault"
)

func newTestVault(t *testing.T) vault.Layout {
	t.Helper()
	layout := vault.NewLayout(t.TempDir())
	require.NoError(t, layout.Ensure())
	return layout
}

// stageRecord plants a record the way the ingest side would: archived
// file with its sidecar, plus the staging entry that feeds this worker.
func stageRecord(t *testing.T, layout vault.Layout, id, text string) sidecar.Record {
	t.Helper()
	rec := sidecar.Record{
		ID:            id,
		Checksum:      "cafe" + id[:4],
		ContentType:   "pdf",
		SourcePath:    "inbox/documents/report.pdf",
		ArchivePath:   "archive/documents/" + id + ".pdf",
		ExtractedText: text,
		Status:        sidecar.StatusStaged,
	}
	require.NoError(t, os.WriteFile(layout.ArchiveFile("documents", id, ".pdf"), []byte("%PDF-1.4"), 0o644))
	archived := rec
	archived.Status = sidecar.StatusArchived
	require.NoError(t, sidecar.Write(layout.ArchiveSidecar("documents", id), archived))
	require.NoError(t, sidecar.Write(layout.StagingEntry(id), rec))
	return rec
}

func TestStagingWorker_CommitsAfterUpsert(t *testing.T) {
	layout := newTestVault(t)
	ix, store := newTestIndexer(t, 4)
	w := NewStagingWorker(layout, ix, time.Minute)

	rec := stageRecord(t, layout, "aaaaaaaa-0000-0000-0000-000000000001", "quarterly report text")
	require.NoError(t, w.RunOnce(context.Background()))

	// Staging entry is gone: the record is committed.
	_, err := sidecar.Load(layout.StagingEntry(rec.ID))
	require.ErrorIs(t, err, sidecar.ErrNotFound)

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	archived, err := sidecar.Load(layout.ArchiveSidecar("documents", rec.ID))
	require.NoError(t, err)
	require.Equal(t, sidecar.StatusIndexed, archived.Status)
}

func TestStagingWorker_UpsertFailureLeavesEntry(t *testing.T) {
	layout := newTestVault(t)
	store, err := index.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	boom := errors.New("model not loaded")
	ix := NewIndexer(store, &stubEmbedder{dims: 4, fail: boom}, 4)
	w := NewStagingWorker(layout, ix, time.Minute)

	rec := stageRecord(t, layout, "aaaaaaaa-0000-0000-0000-000000000002", "will not embed")
	require.NoError(t, w.RunOnce(context.Background()))

	// Entry survives for the next pass, archive sidecar untouched.
	staged, err := sidecar.Load(layout.StagingEntry(rec.ID))
	require.NoError(t, err)
	require.Equal(t, sidecar.StatusStaged, staged.Status)

	archived, err := sidecar.Load(layout.ArchiveSidecar("documents", rec.ID))
	require.NoError(t, err)
	require.Equal(t, sidecar.StatusArchived, archived.Status)
}

func TestStagingWorker_EmptyTextDropsEntryKeepsArchive(t *testing.T) {
	layout := newTestVault(t)
	ix, store := newTestIndexer(t, 4)
	w := NewStagingWorker(layout, ix, time.Minute)

	rec := stageRecord(t, layout, "aaaaaaaa-0000-0000-0000-000000000003", "")
	require.NoError(t, w.RunOnce(context.Background()))

	_, err := sidecar.Load(layout.StagingEntry(rec.ID))
	require.ErrorIs(t, err, sidecar.ErrNotFound)

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)

	// The document itself stays archived.
	_, err = os.Stat(layout.ArchiveFile("documents", rec.ID, ".pdf"))
	require.NoError(t, err)
}

func TestStagingWorker_DimensionMismatchAborts(t *testing.T) {
	layout := newTestVault(t)
	store, err := index.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ix := NewIndexer(store, &stubEmbedder{dims: 8}, 4)
	w := NewStagingWorker(layout, ix, time.Minute)

	stageRecord(t, layout, "aaaaaaaa-0000-0000-0000-000000000004", "mismatched model")
	require.ErrorIs(t, w.RunOnce(context.Background()), ErrDimensionMismatch)
}

// A model server that accepts the connection and then never answers
// must not freeze the feed: the embed deadline cuts the call off and
// the entry stays in place for the next pass.
func TestStagingWorker_HungEmbedDoesNotBlockFeed(t *testing.T) {
	layout := newTestVault(t)
	store, err := index.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ix := NewIndexer(store, hungEmbedder{}, 4)
	ix.SetEmbedTimeout(30 * time.Millisecond)
	w := NewStagingWorker(layout, ix, time.Minute)

	rec := stageRecord(t, layout, "aaaaaaaa-0000-0000-0000-000000000005", "never embeds")

	done := make(chan error, 1)
	go func() { done <- w.RunOnce(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("RunOnce blocked on a hung embed call")
	}

	staged, err := sidecar.Load(layout.StagingEntry(rec.ID))
	require.NoError(t, err)
	require.Equal(t, sidecar.StatusStaged, staged.Status)
}

func TestStagingWorker_EmptyStagingIsQuiet(t *testing.T) {
	layout := newTestVault(t)
	ix, _ := newTestIndexer(t, 4)
	w := NewStagingWorker(layout, ix, time.Minute)
	require.NoError(t, w.RunOnce(context.Background()))
}

func TestStagingWorker_RunStopsOnCancel(t *testing.T) {
	layout := newTestVault(t)
	ix, _ := newTestIndexer(t, 4)
	w := NewStagingWorker(layout, ix, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
