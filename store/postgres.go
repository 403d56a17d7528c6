package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Document is the gorm model for the document metadata table.
type Document struct {
	DocID     string `gorm:"column:doc_id;primaryKey"`
	Title     string `gorm:"column:title"`
	OwnerID   string `gorm:"column:owner_id;index"`
	Public    bool   `gorm:"column:public"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName maps the model onto the schema name.
func (Document) TableName() string { return "document" }

// DocumentACL is the gorm model for per-principal grants.
type DocumentACL struct {
	DocID       string `gorm:"column:doc_id;primaryKey"`
	PrincipalID string `gorm:"column:principal_id;primaryKey"`
	Permission  string `gorm:"column:permission"`
}

// TableName maps the model onto the schema name.
func (DocumentACL) TableName() string { return "document_acl" }

// PostgresStore is a DocumentStore backed by PostgreSQL. Metadata and ACL
// rows go through gorm; the hot-path state and snapshot writes go through
// a pgx connection pool directly. State writes are additionally serialized
// per document id in-process so a slow save can never interleave with a
// newer one for the same document.
type PostgresStore struct {
	db   *gorm.DB
	pool *pgxpool.Pool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS document_state (
	doc_id       TEXT PRIMARY KEY,
	state_bytes  BYTEA NOT NULL,
	state_vector BYTEA NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS document_snapshot (
	snapshot_id UUID PRIMARY KEY,
	doc_id      TEXT NOT NULL,
	state_bytes BYTEA NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_document_snapshot_doc ON document_snapshot (doc_id, created_at DESC);
`

// OpenPostgres connects, migrates the metadata tables via gorm and the
// state tables via pgx, and returns the store.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(url), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := db.AutoMigrate(&Document{}, &DocumentACL{}); err != nil {
		return nil, fmt.Errorf("failed to migrate metadata tables: %w", err)
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, stateSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate state tables: %w", err)
	}

	return &PostgresStore{
		db:    db,
		pool:  pool,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *PostgresStore) docLock(docID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[docID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[docID] = l
	}
	return l
}

// CreateDocument implements DocumentStore.
func (s *PostgresStore) CreateDocument(ctx context.Context, meta Metadata, acl ACL) error {
	doc := Document{
		DocID:     meta.DocID,
		Title:     meta.Title,
		OwnerID:   meta.OwnerID,
		Public:    meta.Public,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&doc).Error; err != nil {
			return err
		}
		return replaceACL(tx, meta.DocID, acl)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return unavailable("create document", err)
	}
	return nil
}

// Load implements DocumentStore.
func (s *PostgresStore) Load(ctx context.Context, docID string) (*Record, error) {
	var doc Document
	if err := s.db.WithContext(ctx).First(&doc, "doc_id = ?", docID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable("load document", err)
	}

	var entries []DocumentACL
	if err := s.db.WithContext(ctx).Where("doc_id = ?", docID).Find(&entries).Error; err != nil {
		return nil, unavailable("load acl", err)
	}
	acl := make(ACL, len(entries))
	for _, e := range entries {
		acl[e.PrincipalID] = Permission(e.Permission)
	}

	record := &Record{
		Meta: Metadata{
			DocID:     doc.DocID,
			Title:     doc.Title,
			OwnerID:   doc.OwnerID,
			Public:    doc.Public,
			CreatedAt: doc.CreatedAt,
			UpdatedAt: doc.UpdatedAt,
		},
		ACL: acl,
	}

	err := s.pool.QueryRow(ctx,
		`SELECT state_bytes, state_vector FROM document_state WHERE doc_id = $1`,
		docID,
	).Scan(&record.StateBytes, &record.StateVector)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, unavailable("load state", err)
	}

	return record, nil
}

// SaveState implements DocumentStore.
func (s *PostgresStore) SaveState(ctx context.Context, docID string, stateBytes, stateVector []byte) error {
	l := s.docLock(docID)
	l.Lock()
	defer l.Unlock()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO document_state (doc_id, state_bytes, state_vector, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (doc_id) DO UPDATE
		SET state_bytes = EXCLUDED.state_bytes,
		    state_vector = EXCLUDED.state_vector,
		    updated_at = NOW()`,
		docID, stateBytes, stateVector)
	if err != nil {
		return unavailable("save state", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// SaveMetadata implements DocumentStore.
func (s *PostgresStore) SaveMetadata(ctx context.Context, docID string, meta Metadata, acl ACL) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"title":      meta.Title,
			"owner_id":   meta.OwnerID,
			"public":     meta.Public,
			"updated_at": time.Now().UTC(),
		}
		res := tx.Model(&Document{}).Where("doc_id = ?", docID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return replaceACL(tx, docID, acl)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return unavailable("save metadata", err)
	}
	return nil
}

// Snapshot implements DocumentStore.
func (s *PostgresStore) Snapshot(ctx context.Context, docID string, stateBytes []byte) (string, error) {
	snapshotID := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_snapshot (snapshot_id, doc_id, state_bytes, created_at)
		VALUES ($1, $2, $3, NOW())`,
		snapshotID, docID, stateBytes)
	if err != nil {
		return "", unavailable("snapshot", err)
	}
	return snapshotID, nil
}

// Snapshots implements DocumentStore.
func (s *PostgresStore) Snapshots(ctx context.Context, docID string) ([]Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT snapshot_id, doc_id, created_at
		FROM document_snapshot
		WHERE doc_id = $1
		ORDER BY created_at DESC`,
		docID)
	if err != nil {
		return nil, unavailable("list snapshots", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.SnapshotID, &snap.DocID, &snap.CreatedAt); err != nil {
			return nil, unavailable("scan snapshot", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Close implements DocumentStore.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func replaceACL(tx *gorm.DB, docID string, acl ACL) error {
	if err := tx.Where("doc_id = ?", docID).Delete(&DocumentACL{}).Error; err != nil {
		return err
	}
	for principalID, perm := range acl {
		entry := DocumentACL{DocID: docID, PrincipalID: principalID, Permission: string(perm)}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
