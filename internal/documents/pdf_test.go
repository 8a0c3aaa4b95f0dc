package documents

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"testing"
)

// minimalPDF builds the smallest one-page PDF the parser accepts, with a
// correct xref table computed from the actual object offsets.
func minimalPDF() []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")

	offsets := make([]int, 4)
	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	offsets[2] = b.Len()
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	offsets[3] = b.Len()
	b.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>\nendobj\n")

	xref := b.Len()
	b.WriteString("xref\n0 4\n")
	b.WriteString("0000000000 65535 f \n")
	for i := 1; i <= 3; i++ {
		b.WriteString(fmt.Sprintf("%010d 00000 n \n", offsets[i]))
	}
	b.WriteString("trailer\n<< /Size 4 /Root 1 0 R >>\nstartxref\n")
	b.WriteString(strconv.Itoa(xref))
	b.WriteString("\n%%EOF\n")
	return b.Bytes()
}

func TestValidatePDFAcceptsRealPDF(t *testing.T) {
	pages, err := validatePDF("contract.pdf", minimalPDF())
	if err != nil {
		t.Fatalf("validatePDF: %v", err)
	}
	if pages != 1 {
		t.Fatalf("expected 1 page, got %d", pages)
	}
}

func TestValidatePDFExtensionCaseInsensitive(t *testing.T) {
	if _, err := validatePDF("CONTRACT.PDF", minimalPDF()); err != nil {
		t.Fatalf("uppercase extension rejected: %v", err)
	}
}

func TestValidatePDFRejectsWrongExtension(t *testing.T) {
	if _, err := validatePDF("contract.docx", minimalPDF()); !errors.Is(err, ErrNotPDF) {
		t.Fatalf("expected ErrNotPDF, got %v", err)
	}
}

func TestValidatePDFRejectsEmptyFile(t *testing.T) {
	if _, err := validatePDF("contract.pdf", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestValidatePDFRejectsRenamedFile(t *testing.T) {
	// Arbitrary bytes renamed to .pdf must not pass.
	if _, err := validatePDF("contract.pdf", []byte("MZ not a pdf at all")); !errors.Is(err, ErrNotPDF) {
		t.Fatalf("expected ErrNotPDF, got %v", err)
	}
}
