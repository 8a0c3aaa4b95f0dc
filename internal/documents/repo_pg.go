package documents

import (
	"context"
	"database/sql"
	"errors"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

// Create inserts a new document.
func (r *PGRepo) Create(ctx context.Context, doc Document) error {
	const query = `
INSERT INTO documents (
    id,
    file_name,
    original_filename,
    mime_type,
    size_bytes,
    page_count,
    checksum,
    storage_provider,
    storage_key,
    created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	originalName := doc.OriginalFilename
	if originalName == "" {
		originalName = doc.FileName
	}
	storageProvider := doc.StorageProvider
	if storageProvider == "" {
		storageProvider = "local"
	}

	_, err := r.DB.ExecContext(
		ctx,
		query,
		doc.ID,
		doc.FileName,
		originalName,
		doc.MimeType,
		doc.SizeBytes,
		doc.PageCount,
		doc.Checksum,
		storageProvider,
		doc.StorageKey,
		doc.CreatedAt,
	)
	return err
}

const documentColumns = `id, file_name, original_filename, mime_type, size_bytes, page_count, checksum, storage_provider, storage_key, created_at`

// GetByID fetches a document by ID.
func (r *PGRepo) GetByID(ctx context.Context, documentID string) (Document, error) {
	const query = `
SELECT ` + documentColumns + `
FROM documents
WHERE id = $1
LIMIT 1`
	doc, err := scanDocument(r.DB.QueryRowContext(ctx, query, documentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return doc, nil
}

// List lists documents ordered newest-first.
func (r *PGRepo) List(ctx context.Context, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	const query = `
SELECT ` + documentColumns + `
FROM documents
ORDER BY created_at DESC
LIMIT $1 OFFSET $2`

	rows, err := r.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var doc Document
	var originalName sql.NullString
	var checksum sql.NullString
	var storageProvider sql.NullString
	var storageKey sql.NullString
	err := row.Scan(
		&doc.ID,
		&doc.FileName,
		&originalName,
		&doc.MimeType,
		&doc.SizeBytes,
		&doc.PageCount,
		&checksum,
		&storageProvider,
		&storageKey,
		&doc.CreatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	if originalName.Valid {
		doc.OriginalFilename = originalName.String
	}
	if checksum.Valid {
		doc.Checksum = checksum.String
	}
	if storageProvider.Valid {
		doc.StorageProvider = storageProvider.String
	}
	if storageKey.Valid {
		doc.StorageKey = storageKey.String
	}
	return doc, nil
}

var _ Repo = (*PGRepo)(nil)
