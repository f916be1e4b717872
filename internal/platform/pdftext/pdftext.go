// Package pdftext extracts plain text from PDF reports.
package pdftext

import (
	"bytes"
	"fmt"
	"os"

	"github.com/ledongthuc/pdf"
)

// Extract reads every page of the PDF at path and returns its plain text.
// A missing file surfaces as an os.ErrNotExist wrap so callers can separate
// "no report this month" from a broken document.
func Extract(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("report pdf: %w", err)
	}

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open report pdf %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract text from %s: %w", path, err)
	}
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("read text from %s: %w", path, err)
	}
	return buf.String(), nil
}
