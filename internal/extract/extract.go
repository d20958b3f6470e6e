// Package extract converts inbox files into plain text. Each supported
// format has its own extraction path behind a single Extract entry
// point; failures are classified so the caller can decide between
// retrying and quarantining.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Extraction failure classes. Callers branch on these with errors.Is:
// ErrToolUnavailable and transient tool failures are retried,
// ErrUnsupportedFormat and ErrCorruptInput are not going to get better
// on a second attempt.
var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrCorruptInput      = errors.New("corrupt input")
	ErrToolUnavailable   = errors.New("extraction tool unavailable")
)

// Content types assigned to extracted documents.
const (
	TypePDF   = "pdf"
	TypeImage = "image"
	TypeEmail = "email"
	TypeNote  = "note"
	TypeText  = "text"
)

// Result is the output of a successful extraction.
type Result struct {
	Text        string
	ContentType string
	// Metadata carries format-specific fields, e.g. email headers.
	Metadata map[string]string
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".tif": true,
	".tiff": true, ".bmp": true, ".gif": true, ".webp": true,
}

// ContentTypeFor classifies a filename by extension. Returns "" for
// formats the pipeline does not understand.
func ContentTypeFor(name string) string {
	switch ext := strings.ToLower(filepath.Ext(name)); {
	case ext == ".pdf":
		return TypePDF
	case imageExts[ext]:
		return TypeImage
	case ext == ".eml":
		return TypeEmail
	case ext == ".md":
		return TypeNote
	case ext == ".txt" || ext == ".rtf":
		return TypeText
	default:
		return ""
	}
}

// Extractor runs format-specific extraction. OCR-backed formats shell
// out to external tools; their binary names are configurable so tests
// can point them at stubs.
type Extractor struct {
	// OCRMyPDFBin and TesseractBin default to the tools on PATH.
	OCRMyPDFBin  string
	TesseractBin string
}

// New returns an Extractor using the default tool names.
func New() *Extractor {
	return &Extractor{OCRMyPDFBin: "ocrmypdf", TesseractBin: "tesseract"}
}

// Extract reads path and returns its text and classification. The
// source file is never modified or removed; temporary files created by
// OCR are cleaned up on every path.
func (e *Extractor) Extract(ctx context.Context, path string) (Result, error) {
	ct := ContentTypeFor(path)
	if ct == "" {
		return Result{}, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnsupportedFormat)
	}

	switch ct {
	case TypePDF:
		text, err := e.extractPDF(ctx, path)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: text, ContentType: TypePDF}, nil
	case TypeImage:
		text, err := e.extractImage(ctx, path)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: text, ContentType: TypeImage}, nil
	case TypeEmail:
		return extractEmail(path)
	default:
		text, err := readVerbatim(path)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: text, ContentType: ct}, nil
	}
}
