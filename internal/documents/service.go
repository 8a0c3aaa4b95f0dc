package documents

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"compliance-backend/internal/shared/storage/object"
	"compliance-backend/internal/shared/util"
)

// Service contains business logic for documents.
type Service struct {
	Store object.ObjectStore
	Repo  Repo
}

// Upload validates the PDF, saves it to object storage, and records the
// document. Validation happens before anything is written.
func (s *Service) Upload(ctx context.Context, fileName string, r io.Reader) (Document, error) {
	if fileName == "" {
		return Document{}, ErrInvalidInput
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return Document{}, err
	}
	pages, err := validatePDF(fileName, data)
	if err != nil {
		return Document{}, err
	}

	storageKey, size, mimeType, err := s.Store.Save(ctx, fileName, bytes.NewReader(data))
	if err != nil {
		return Document{}, err
	}

	doc := Document{
		ID:               uuid.NewString(),
		FileName:         fileName,
		OriginalFilename: fileName,
		MimeType:         mimeType,
		SizeBytes:        size,
		PageCount:        pages,
		Checksum:         util.HashBytes(data),
		StorageKey:       storageKey,
		CreatedAt:        time.Now().UTC(),
	}

	if err := s.Repo.Create(ctx, doc); err != nil {
		return Document{}, err
	}

	return doc, nil
}

// Get returns a document by ID.
func (s *Service) Get(ctx context.Context, documentID string) (Document, error) {
	if documentID == "" {
		return Document{}, ErrInvalidInput
	}
	return s.Repo.GetByID(ctx, documentID)
}

// List returns documents newest-first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]Document, error) {
	return s.Repo.List(ctx, limit, offset)
}
