package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentTypeFor(t *testing.T) {
	cases := map[string]string{
		"scan.pdf":    TypePDF,
		"photo.JPG":   TypeImage,
		"mail.eml":    TypeEmail,
		"todo.md":     TypeNote,
		"notes.txt":   TypeText,
		"binary.exe":  "",
		"no-ext":      "",
		"archive.tar": "",
	}
	for name, want := range cases {
		assert.Equal(t, want, ContentTypeFor(name), "file %q", name)
	}
}

func TestExtract_Verbatim(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	require.NoError(t, os.WriteFile(path, []byte("# Title\n\nbody text"), 0o644))

	res, err := New().Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, TypeNote, res.ContentType)
	assert.Equal(t, "# Title\n\nbody text", res.Text)
}

func TestExtract_Unsupported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.bin")
	require.NoError(t, os.WriteFile(path, []byte{0x00, 0x01}, 0o644))

	_, err := New().Extract(context.Background(), path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExtract_ImageToolMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.png")
	require.NoError(t, os.WriteFile(path, []byte("not really a png"), 0o644))

	e := New()
	e.TesseractBin = "definitely-not-a-real-binary"
	_, err := e.Extract(context.Background(), path)
	assert.ErrorIs(t, err, ErrToolUnavailable)
}

func TestExtract_CorruptPDF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.pdf")
	require.NoError(t, os.WriteFile(path, []byte("this is not a pdf"), 0o644))

	_, err := New().Extract(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptInput) || errors.Is(err, ErrToolUnavailable),
		"expected corrupt or tool-unavailable classification, got %v", err)
}

func TestExtract_DoesNotMutateSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	_, err := New().Extract(context.Background(), path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}
