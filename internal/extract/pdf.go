package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF pulls the text layer out of a PDF. Scanned documents have
// no text layer, so when the result is empty the file is run through
// ocrmypdf into a temp file and read again.
func (e *Extractor) extractPDF(ctx context.Context, path string) (string, error) {
	text, err := pdfText(path)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, errors.Join(ErrCorruptInput, err))
	}
	if strings.TrimSpace(text) != "" {
		return text, nil
	}

	return e.ocrPDF(ctx, path)
}

// pdfText reads the text layer of every page. The pdf library panics on
// some malformed files, so the panic is converted into an error here.
func pdfText(path string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parser panic: %v", r)
		}
	}()
	return pdfTextInner(path)
}

func pdfTextInner(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	reader, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(&buf, reader); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ocrPDF runs ocrmypdf to burn an OCR text layer into a temporary copy
// and extracts from that. The temp file is removed on all paths.
func (e *Extractor) ocrPDF(ctx context.Context, path string) (string, error) {
	bin := e.OCRMyPDFBin
	if bin == "" {
		bin = "ocrmypdf"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return "", fmt.Errorf("%s: %w", bin, ErrToolUnavailable)
	}

	tmp, err := os.CreateTemp("", "vaultd-ocr-*.pdf")
	if err != nil {
		return "", fmt.Errorf("creating OCR temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	cmd := exec.CommandContext(ctx, bin,
		"--optimize", "1", "--rotate-pages", "--output-type", "pdf",
		path, tmpPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ocrmypdf on %s: %w: %s", path, ErrCorruptInput, strings.TrimSpace(stderr.String()))
	}

	text, err := pdfText(tmpPath)
	if err != nil {
		return "", fmt.Errorf("reading OCR output for %s: %w", path, errors.Join(ErrCorruptInput, err))
	}
	return text, nil
}
