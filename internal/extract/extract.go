// Package extract converts source files into plain text. The extractor is
// polymorphic over three formats selected by file extension: plain text
// (with an encoding fallback chain), PDF (per page) and raster images (OCR
// through an external command).
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
)

// Format identifies the extraction strategy for a file.
type Format string

const (
	// FormatUnknown marks an extension no strategy handles.
	FormatUnknown Format = ""
	// FormatText covers plain text and markup read as text.
	FormatText Format = "text"
	// FormatPDF covers PDF documents.
	FormatPDF Format = "pdf"
	// FormatImage covers raster images read through OCR.
	FormatImage Format = "image"
)

// extensions maps lower-case file extensions to their format.
var extensions = map[string]Format{
	".txt":      FormatText,
	".text":     FormatText,
	".md":       FormatText,
	".markdown": FormatText,
	".rst":      FormatText,
	".csv":      FormatText,
	".tsv":      FormatText,
	".log":      FormatText,
	".json":     FormatText,
	".yaml":     FormatText,
	".yml":      FormatText,
	".xml":      FormatText,
	".html":     FormatText,
	".htm":      FormatText,
	".pdf":      FormatPDF,
	".jpg":      FormatImage,
	".jpeg":     FormatImage,
	".png":      FormatImage,
	".gif":      FormatImage,
	".bmp":      FormatImage,
	".tif":      FormatImage,
	".tiff":     FormatImage,
	".webp":     FormatImage,
}

// Detect infers the format of path from its extension.
func Detect(path string) Format {
	return extensions[strings.ToLower(filepath.Ext(path))]
}

// Supported reports whether path has an extension some strategy handles.
func Supported(path string) bool {
	return Detect(path) != FormatUnknown
}

var (
	// ErrUnsupportedFormat is returned for extensions no strategy handles.
	// Callers skip such files rather than treating them as failures.
	ErrUnsupportedFormat = errors.New("extract: unsupported format")

	// ErrUndecodable is returned when text bytes fail every decoder.
	ErrUndecodable = errors.New("extract: undecodable text")

	// ErrOCRUnavailable is returned when the OCR command is not installed.
	ErrOCRUnavailable = errors.New("extract: OCR command not found")
)

// ExtractionError reports a failure to read text out of a supported file.
type ExtractionError struct {
	// Path is the file that failed.
	Path string
	// Format is the strategy that was attempted.
	Format Format
	// Err is the underlying cause.
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract: %s %s: %v", e.Format, e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// CommandRunner executes an external program and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// execRunner runs commands with os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Extractor reads text from files. It is safe for concurrent use.
type Extractor struct {
	runner      CommandRunner
	ocrCommand  string
	ocrLanguage string
	log         *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithRunner replaces the command runner used for OCR.
func WithRunner(r CommandRunner) Option {
	return func(e *Extractor) {
		if r != nil {
			e.runner = r
		}
	}
}

// WithOCRCommand sets the OCR binary (default: tesseract).
func WithOCRCommand(cmd string) Option {
	return func(e *Extractor) {
		if cmd != "" {
			e.ocrCommand = cmd
		}
	}
}

// WithOCRLanguage passes -l lang to the OCR binary.
func WithOCRLanguage(lang string) Option {
	return func(e *Extractor) { e.ocrLanguage = lang }
}

// WithLogger sets the logger used for skipped pages.
func WithLogger(log *slog.Logger) Option {
	return func(e *Extractor) {
		if log != nil {
			e.log = log
		}
	}
}

// New returns an Extractor with the given options applied.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		runner:     execRunner{},
		ocrCommand: "tesseract",
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the plain text of the file at path.
// Unsupported extensions yield ErrUnsupportedFormat; every other failure is
// an *ExtractionError.
func (e *Extractor) Extract(ctx context.Context, path string) (string, error) {
	format := Detect(path)
	var (
		text string
		err  error
	)
	switch format {
	case FormatText:
		text, err = readText(path)
	case FormatPDF:
		text, err = e.readPDF(ctx, path)
	case FormatImage:
		text, err = e.readImage(ctx, path)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err != nil {
		return "", &ExtractionError{Path: path, Format: format, Err: err}
	}
	return text, nil
}
