package documents

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// validatePDF checks that the payload actually opens as a PDF and returns the
// page count. Extension checks alone are not enough; callers routinely rename
// arbitrary files to .pdf.
func validatePDF(fileName string, data []byte) (int, error) {
	if !strings.EqualFold(filepath.Ext(fileName), ".pdf") {
		return 0, ErrNotPDF
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty file", ErrInvalidInput)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	pages := reader.NumPage()
	if pages <= 0 {
		return 0, fmt.Errorf("%w: no pages", ErrNotPDF)
	}
	return pages, nil
}
