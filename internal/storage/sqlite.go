package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/mirip/internal/models"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Schema names the catalog table and columns holding embeddings.
type Schema struct {
	Table           string
	IDColumn        string
	EmbeddingColumn string
}

// DefaultSchema matches the catalog's product table.
func DefaultSchema() Schema {
	return Schema{Table: "product", IDColumn: "id", EmbeddingColumn: "embedding"}
}

func (s Schema) validate() error {
	for _, name := range []string{s.Table, s.IDColumn, s.EmbeddingColumn} {
		if !identifierPattern.MatchString(name) {
			return fmt.Errorf("invalid SQL identifier %q", name)
		}
	}
	return nil
}

// SQLiteStore implements EmbeddingStore over the catalog SQLite database.
// The database is opened read-only; the catalog service owns its schema.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	countSQL  string
	pageSQL   string
	singleSQL string
}

// NewSQLiteStore opens the catalog database at dbPath read-only.
func NewSQLiteStore(dbPath string, schema Schema) (*SQLiteStore, error) {
	if err := schema.validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	dsn := "file:" + dbPath + "?mode=ro&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStoreUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStoreUnavailable, err)
	}

	eligible := fmt.Sprintf("%[1]s IS NOT NULL AND %[1]s <> '' AND %[1]s <> '[]'", schema.EmbeddingColumn)
	return &SQLiteStore{
		db:   db,
		path: dbPath,
		countSQL: fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`,
			schema.Table, eligible),
		pageSQL: fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s ORDER BY %s LIMIT ? OFFSET ?`,
			schema.IDColumn, schema.EmbeddingColumn, schema.Table, eligible, schema.IDColumn),
		singleSQL: fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s = ? AND %s`,
			schema.IDColumn, schema.EmbeddingColumn, schema.Table, schema.IDColumn, eligible),
	}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// FetchCount returns the number of items with a non-empty embedding.
func (s *SQLiteStore) FetchCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.countSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count embeddings: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// FetchPage returns eligible items with offset and limit, ordered by id.
// A row whose embedding cannot be decoded is returned with a nil vector so
// the caller can count it as rejected.
func (s *SQLiteStore) FetchPage(ctx context.Context, offset, limit int) ([]models.EmbeddingRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.pageSQL, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch page at %d: %v", ErrStoreUnavailable, offset, err)
	}
	defer rows.Close()

	records := make([]models.EmbeddingRecord, 0, limit)
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", ErrStoreUnavailable, err)
		}
		vec, _ := DecodeEmbedding(raw)
		records = append(records, models.EmbeddingRecord{ID: id, Vector: vec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: fetch page at %d: %v", ErrStoreUnavailable, offset, err)
	}
	return records, nil
}

// GetEmbedding returns the embedding for one item.
func (s *SQLiteStore) GetEmbedding(ctx context.Context, id int64) (*models.EmbeddingRecord, error) {
	var raw []byte
	var got int64
	err := s.db.QueryRowContext(ctx, s.singleSQL, id).Scan(&got, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: item %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get embedding %d: %v", ErrStoreUnavailable, id, err)
	}
	vec, err := DecodeEmbedding(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: item %d: %v", ErrNotFound, id, err)
	}
	return &models.EmbeddingRecord{ID: got, Vector: vec}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DecodeEmbedding parses the catalog's JSON array embedding format.
func DecodeEmbedding(raw []byte) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return vec, nil
}
