// Package vault owns the on-disk layout of the document vault and the
// path rules every other component goes through: inbox buckets, the
// archive tree with its sidecars, the ephemeral staging queue, and the
// containment check used by the file-serving endpoint.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathOutsideRoot is returned by Resolve for any request path that
// escapes the archive and active trees.
var ErrPathOutsideRoot = errors.New("path resolves outside the vault roots")

// Inbox bucket names. The bucket a file arrives in decides its content
// type when the extension alone is ambiguous.
var InboxBuckets = []string{"documents", "emails", "notes", "scans"}

// Layout holds the absolute directories of one vault instance.
type Layout struct {
	Inbox      string
	Active     string
	Archive    string
	Staging    string
	Quarantine string
}

// NewLayout derives the standard layout under dataDir.
// The staging directory is dot-prefixed so inbox/archive scans never
// pick it up by accident.
func NewLayout(dataDir string) Layout {
	return Layout{
		Inbox:      filepath.Join(dataDir, "inbox"),
		Active:     filepath.Join(dataDir, "active"),
		Archive:    filepath.Join(dataDir, "archive"),
		Staging:    filepath.Join(dataDir, ".staging"),
		Quarantine: filepath.Join(dataDir, "quarantine"),
	}
}

// Ensure creates every directory in the layout, including the inbox
// buckets and their archive counterparts. Sidecar writes assume the
// archive bucket already exists.
func (l Layout) Ensure() error {
	dirs := []string{l.Active, l.Archive, l.Staging, l.Quarantine, l.DuplicateDir()}
	for _, b := range InboxBuckets {
		dirs = append(dirs, filepath.Join(l.Inbox, b), filepath.Join(l.Archive, b))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}

// DuplicateDir is where byte-identical re-submissions are parked.
// They get no sidecar and are never re-embedded.
func (l Layout) DuplicateDir() string {
	return filepath.Join(l.Archive, "duplicates")
}

// ArchiveFile returns the archive location for an original file with
// the given bucket, name stem and extension.
func (l Layout) ArchiveFile(bucket, name, ext string) string {
	return filepath.Join(l.Archive, bucket, name+ext)
}

// ArchiveSidecar returns the sidecar path next to an archived original
// with the given name stem.
func (l Layout) ArchiveSidecar(bucket, name string) string {
	return filepath.Join(l.Archive, bucket, name+".json")
}

// StagingEntry returns the staging queue path for a record id.
func (l Layout) StagingEntry(id string) string {
	return filepath.Join(l.Staging, id+".json")
}

// Resolve maps a root-relative request path ("archive/notes/x.md",
// "active/todo.md") onto the filesystem, allowing only the archive and
// active trees. Anything else, including traversal via "..", absolute
// paths, or symlinks pointing out of the roots, fails with
// ErrPathOutsideRoot.
func (l Layout) Resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", ErrPathOutsideRoot
	}

	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrPathOutsideRoot
	}

	var root, remainder string
	switch {
	case cleaned == "archive" || strings.HasPrefix(cleaned, "archive"+string(filepath.Separator)):
		root, remainder = l.Archive, strings.TrimPrefix(cleaned, "archive")
	case cleaned == "active" || strings.HasPrefix(cleaned, "active"+string(filepath.Separator)):
		root, remainder = l.Active, strings.TrimPrefix(cleaned, "active")
	default:
		return "", ErrPathOutsideRoot
	}

	full := filepath.Join(root, remainder)

	// Re-check containment after joining; Clean above makes this
	// redundant for "..", but symlinks inside the tree can still
	// escape, so resolve them when the file exists.
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return full, nil
		}
		return "", fmt.Errorf("resolving %s: %w", rel, err)
	}
	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	if resolved != rootResolved && !strings.HasPrefix(resolved, rootResolved+string(filepath.Separator)) {
		return "", ErrPathOutsideRoot
	}
	return resolved, nil
}

// Rel converts an absolute path under the vault into the root-relative
// form used in sidecars and API responses. Paths outside the vault are
// returned unchanged so callers never fail on legacy records.
func (l Layout) Rel(abs string) string {
	for prefix, name := range map[string]string{
		l.Archive: "archive",
		l.Active:  "active",
		l.Inbox:   "inbox",
		l.Staging: ".staging",
	} {
		if rel, err := filepath.Rel(prefix, abs); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(filepath.Join(name, rel))
		}
	}
	return filepath.ToSlash(abs)
}

// Checksum computes the streamed SHA-256 of a file, hex encoded.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MoveFile moves src to dst, falling back to copy+remove when rename
// crosses filesystems (inbox and archive may live on different mounts).
func MoveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating destination dir: %w", err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copying to destination: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("syncing destination: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
