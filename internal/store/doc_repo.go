package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/clauseguard/engine/internal/domain"
)

// DocRepo stores the raw text of uploaded documents. Text extraction
// happens upstream; the engine only ever sees plain text.
type DocRepo struct {
	DB *sql.DB
}

// NewDocRepo creates a DocRepo over an open database.
func NewDocRepo(db *sql.DB) *DocRepo {
	return &DocRepo{DB: db}
}

// Put stores a document, replacing any previous text under the id.
func (r *DocRepo) Put(ctx context.Context, docID, text string) error {
	const q = `INSERT INTO documents (doc_id, text, created_at) VALUES (?, ?, ?)
ON CONFLICT(doc_id) DO UPDATE SET text = excluded.text`
	_, err := r.DB.ExecContext(ctx, q, docID, text, time.Now().Unix())
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "put document", err)
	}
	return nil
}

// Get returns a document's raw text.
func (r *DocRepo) Get(ctx context.Context, docID string) (string, error) {
	const q = `SELECT text FROM documents WHERE doc_id = ?`
	var text string
	err := r.DB.QueryRowContext(ctx, q, docID).Scan(&text)
	if err == sql.ErrNoRows {
		return "", domain.NewEngineError(domain.ErrStoreQuery.Code, "document not found: "+docID)
	}
	if err != nil {
		return "", domain.WrapEngineError(domain.ErrStoreQuery.Code, "get document", err)
	}
	return text, nil
}
