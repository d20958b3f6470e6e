package extract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// extractImage OCRs an image by shelling out to tesseract, which
// prints the recognized text on stdout when the output target is "stdout".
func (e *Extractor) extractImage(ctx context.Context, path string) (string, error) {
	bin := e.TesseractBin
	if bin == "" {
		bin = "tesseract"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return "", fmt.Errorf("%s: %w", bin, ErrToolUnavailable)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, path, "stdout")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract on %s: %w: %s", path, ErrCorruptInput, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
