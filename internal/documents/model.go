package documents

import (
	"errors"
	"time"
)

// Document represents one uploaded PDF referenced by jobs.
type Document struct {
	ID               string
	FileName         string
	OriginalFilename string
	MimeType         string
	SizeBytes        int64
	PageCount        int
	Checksum         string
	StorageProvider  string
	StorageKey       string
	CreatedAt        time.Time
}

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotPDF       = errors.New("only PDF files are accepted")
)
