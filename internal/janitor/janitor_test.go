package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kalambet/vaultd/internal/extract"
	"github.com/kalambet/vaultd/internal/sidecar"
	"github.com/kalambet/vaultd/internal/vault"
)

func newTestJanitor(t *testing.T, maxAttempts int) (*Janitor, vault.Layout) {
	t.Helper()
	layout := vault.NewLayout(t.TempDir())
	require.NoError(t, layout.Ensure())
	return New(layout, extract.New(), time.Minute, maxAttempts), layout
}

func dropFile(t *testing.T, layout vault.Layout, bucket, name string, body []byte) string {
	t.Helper()
	path := filepath.Join(layout.Inbox, bucket, name)
	require.NoError(t, os.WriteFile(path, body, 0o644))
	return path
}

// settle runs two passes, which is what the stability gate needs to
// pick up a file that is not changing.
func settle(j *Janitor, ctx context.Context) {
	j.RunOnce(ctx)
	j.RunOnce(ctx)
}

func TestIngest_ArchivesAndStages(t *testing.T) {
	j, layout := newTestJanitor(t, 3)
	ctx := context.Background()

	body := []byte("dear sir, please find attached")
	dropFile(t, layout, "documents", "letter.txt", body)
	settle(j, ctx)

	// Inbox slot is free.
	_, err := os.Stat(filepath.Join(layout.Inbox, "documents", "letter.txt"))
	require.ErrorIs(t, err, os.ErrNotExist)

	// Original landed in the archive byte for byte.
	archived, err := os.ReadFile(layout.ArchiveFile("documents", "letter", ".txt"))
	require.NoError(t, err)
	require.Equal(t, body, archived)

	checksum, err := vault.Checksum(layout.ArchiveFile("documents", "letter", ".txt"))
	require.NoError(t, err)
	wantID := sidecar.DeriveID("archive/documents/letter.txt", checksum)

	rec, err := sidecar.Load(layout.ArchiveSidecar("documents", "letter"))
	require.NoError(t, err)
	require.Equal(t, wantID, rec.ID)
	require.Equal(t, checksum, rec.Checksum)
	require.Equal(t, sidecar.StatusArchived, rec.Status)
	require.Equal(t, "inbox/documents/letter.txt", rec.SourcePath)
	require.Equal(t, "archive/documents/letter.txt", rec.ArchivePath)
	require.Equal(t, string(body), rec.ExtractedText)

	staged, err := sidecar.Load(layout.StagingEntry(wantID))
	require.NoError(t, err)
	require.Equal(t, wantID, staged.ID)
	require.Equal(t, sidecar.StatusStaged, staged.Status)
	require.Equal(t, string(body), staged.ExtractedText)
}

func TestStabilityGate_SinglePassWaits(t *testing.T) {
	j, layout := newTestJanitor(t, 3)

	path := dropFile(t, layout, "notes", "half-copied.md", []byte("partial"))
	j.RunOnce(context.Background())

	_, err := os.Stat(path)
	require.NoError(t, err, "file must wait for a second stable observation")
}

func TestStabilityGate_GrowingFileWaits(t *testing.T) {
	j, layout := newTestJanitor(t, 3)
	ctx := context.Background()

	path := dropFile(t, layout, "notes", "growing.md", []byte("chunk one"))
	j.RunOnce(ctx)

	// The copy is still in flight: size changes between observations.
	require.NoError(t, os.WriteFile(path, []byte("chunk one chunk two"), 0o644))
	j.RunOnce(ctx)

	_, err := os.Stat(path)
	require.NoError(t, err, "changing file must not be ingested")

	// Once it stops changing, the next two passes take it.
	settle(j, ctx)
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestDuplicate_ParkedWithoutSidecar(t *testing.T) {
	j, layout := newTestJanitor(t, 3)
	ctx := context.Background()

	body := []byte("the same statement twice")
	dropFile(t, layout, "documents", "statement.txt", body)
	settle(j, ctx)

	dropFile(t, layout, "documents", "statement-again.txt", body)
	settle(j, ctx)

	// Second copy sits in duplicates, untouched otherwise.
	_, err := os.Stat(filepath.Join(layout.DuplicateDir(), "statement-again.txt"))
	require.NoError(t, err)

	// Exactly one staging entry: the duplicate is never re-embedded.
	entries, err := os.ReadDir(layout.Staging)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// And no sidecar appeared next to the parked copy.
	_, err = os.Stat(filepath.Join(layout.DuplicateDir(), "statement-again.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestUnsupportedFormat_QuarantinedImmediately(t *testing.T) {
	j, layout := newTestJanitor(t, 5)
	ctx := context.Background()

	dropFile(t, layout, "documents", "backup.sqlite3", []byte{0x13, 0x37})
	settle(j, ctx)

	_, err := os.Stat(filepath.Join(layout.Quarantine, "backup.sqlite3"))
	require.NoError(t, err, "unsupported format skips the retry budget")

	rec, err := sidecar.Load(filepath.Join(layout.Quarantine, "backup.json"))
	require.NoError(t, err)
	require.Equal(t, sidecar.StatusFailed, rec.Status)
	require.Contains(t, rec.Metadata["error"], "unsupported")
}

func TestCorruptFile_RetriedThenQuarantined(t *testing.T) {
	j, layout := newTestJanitor(t, 2)
	ctx := context.Background()

	// Claims to be a PDF, is not one.
	path := dropFile(t, layout, "documents", "mangled.pdf", []byte("not a pdf at all"))

	settle(j, ctx) // attempt 1, kept for retry
	_, err := os.Stat(path)
	require.NoError(t, err)

	settle(j, ctx) // attempt 2, budget exhausted
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)

	rec, err := sidecar.Load(filepath.Join(layout.Quarantine, "mangled.json"))
	require.NoError(t, err)
	require.Equal(t, sidecar.StatusFailed, rec.Status)
	require.NotEmpty(t, rec.Checksum)
}

func TestNameCollision_DifferentContentGetsNewStem(t *testing.T) {
	j, layout := newTestJanitor(t, 3)
	ctx := context.Background()

	dropFile(t, layout, "notes", "meeting.md", []byte("january minutes"))
	settle(j, ctx)
	dropFile(t, layout, "notes", "meeting.md", []byte("february minutes"))
	settle(j, ctx)

	first, err := os.ReadFile(layout.ArchiveFile("notes", "meeting", ".md"))
	require.NoError(t, err)
	require.Equal(t, "january minutes", string(first))

	checksum := mustChecksumBytes(t, []byte("february minutes"))
	second, err := os.ReadFile(layout.ArchiveFile("notes", "meeting-"+checksum[:8], ".md"))
	require.NoError(t, err)
	require.Equal(t, "february minutes", string(second))

	entries, err := os.ReadDir(layout.Staging)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestBootstrap_RestagesArchivedNotIndexed(t *testing.T) {
	j, layout := newTestJanitor(t, 3)
	ctx := context.Background()

	rec := sidecar.Record{
		ID:            "bbbbbbbb-0000-0000-0000-000000000001",
		Checksum:      "feedface",
		ContentType:   "text",
		ArchivePath:   "archive/documents/orphan.txt",
		ExtractedText: "archived before the crash",
		Status:        sidecar.StatusArchived,
	}
	require.NoError(t, os.WriteFile(layout.ArchiveFile("documents", "orphan", ".txt"), []byte("archived before the crash"), 0o644))
	require.NoError(t, sidecar.Write(layout.ArchiveSidecar("documents", "orphan"), rec))

	require.NoError(t, j.Bootstrap(ctx))

	staged, err := sidecar.Load(layout.StagingEntry(rec.ID))
	require.NoError(t, err)
	require.Equal(t, sidecar.StatusStaged, staged.Status)
	require.Equal(t, rec.ExtractedText, staged.ExtractedText)
}

func TestBootstrap_IndexedRecordsLeftAlone(t *testing.T) {
	j, layout := newTestJanitor(t, 3)

	rec := sidecar.Record{
		ID:          "bbbbbbbb-0000-0000-0000-000000000002",
		Checksum:    "deadbeef",
		ArchivePath: "archive/documents/done.txt",
		Status:      sidecar.StatusIndexed,
	}
	require.NoError(t, sidecar.Write(layout.ArchiveSidecar("documents", "done"), rec))

	require.NoError(t, j.Bootstrap(context.Background()))

	_, err := os.Stat(layout.StagingEntry(rec.ID))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestBootstrap_ChecksumIndexCatchesDuplicates(t *testing.T) {
	j, layout := newTestJanitor(t, 3)
	ctx := context.Background()

	body := []byte("previously archived content")
	archivePath := layout.ArchiveFile("documents", "old", ".txt")
	require.NoError(t, os.WriteFile(archivePath, body, 0o644))
	checksum, err := vault.Checksum(archivePath)
	require.NoError(t, err)
	require.NoError(t, sidecar.Write(layout.ArchiveSidecar("documents", "old"), sidecar.Record{
		ID:          "bbbbbbbb-0000-0000-0000-000000000003",
		Checksum:    checksum,
		ArchivePath: "archive/documents/old.txt",
		Status:      sidecar.StatusIndexed,
	}))

	require.NoError(t, j.Bootstrap(ctx))

	// A re-drop of the same bytes is recognized across restarts.
	dropFile(t, layout, "documents", "old-again.txt", body)
	settle(j, ctx)

	_, err = os.Stat(filepath.Join(layout.DuplicateDir(), "old-again.txt"))
	require.NoError(t, err)
}

func mustChecksumBytes(t *testing.T, body []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, body, 0o644))
	sum, err := vault.Checksum(path)
	require.NoError(t, err)
	return sum
}
