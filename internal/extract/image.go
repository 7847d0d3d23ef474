package extract

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"strings"

	// Decoders registered for image.DecodeConfig.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// readImage validates that path decodes as an image, then runs OCR over it.
// The OCR command is invoked as "<cmd> <path> stdout [-l lang]".
func (e *Extractor) readImage(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	_, kind, err := image.DecodeConfig(f)
	f.Close()
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	args := []string{path, "stdout"}
	if e.ocrLanguage != "" {
		args = append(args, "-l", e.ocrLanguage)
	}
	out, err := e.runner.Run(ctx, e.ocrCommand, args...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrOCRUnavailable, e.ocrCommand)
		}
		return "", fmt.Errorf("ocr %s image: %w", kind, err)
	}
	return strings.TrimSpace(string(out)), nil
}
