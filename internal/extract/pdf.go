package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
)

// readPDF concatenates the text of every page. A page that fails to parse or
// yields no text is skipped; only a document that cannot be opened fails.
func (e *Extractor) readPDF(ctx context.Context, path string) (text string, err error) {
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("pdf: malformed document: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("pdf: open: %w", err)
	}
	defer f.Close()

	var (
		pages   []string
		skipped int
	)
	total := r.NumPage()
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			skipped++
			continue
		}
		pt, err := pageText(page)
		if err != nil {
			e.log.Debug("extract: skipping unreadable pdf page",
				slog.String("path", path),
				slog.Int("page", i),
				slog.String("error", err.Error()),
			)
			skipped++
			continue
		}
		if pt = strings.TrimSpace(pt); pt == "" {
			skipped++
			continue
		}
		pages = append(pages, pt)
	}

	if skipped > 0 {
		e.log.Debug("extract: pdf pages contributed no text",
			slog.String("path", path),
			slog.Int("skipped", skipped),
			slog.Int("pages", total),
		)
	}
	return strings.Join(pages, "\n"), nil
}

// pageText extracts one page, converting parser panics into errors.
func pageText(p pdf.Page) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("page parse: %v", r)
		}
	}()
	return p.GetPlainText(nil)
}
