package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// bbolt bucket names
const (
	bucketDocuments = "documents"
	bucketACL       = "acl"
	bucketState     = "state"
	bucketSnapshots = "snapshots"
)

// BoltStore is a DocumentStore backed by an embedded bbolt database.
// bbolt serializes all writes through a single update transaction, which
// satisfies the per-document write serialization for free.
type BoltStore struct {
	db *bolt.DB
}

type boltState struct {
	StateBytes  []byte    `json:"stateBytes"`
	StateVector []byte    `json:"stateVector"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// OpenBolt opens or creates the database file and ensures all buckets exist.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketDocuments, bucketACL, bucketState, bucketSnapshots} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// CreateDocument implements DocumentStore.
func (s *BoltStore) CreateDocument(ctx context.Context, meta Metadata, acl ACL) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket([]byte(bucketDocuments))
		if docs.Get([]byte(meta.DocID)) != nil {
			return ErrConflict
		}
		if err := putJSON(docs, meta.DocID, meta); err != nil {
			return err
		}
		return putJSON(tx.Bucket([]byte(bucketACL)), meta.DocID, acl)
	})
}

// Load implements DocumentStore.
func (s *BoltStore) Load(ctx context.Context, docID string) (*Record, error) {
	record := &Record{ACL: ACL{}}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketDocuments)).Get([]byte(docID))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &record.Meta); err != nil {
			return fmt.Errorf("corrupt document record %s: %w", docID, err)
		}

		if data := tx.Bucket([]byte(bucketACL)).Get([]byte(docID)); data != nil {
			if err := json.Unmarshal(data, &record.ACL); err != nil {
				return fmt.Errorf("corrupt acl record %s: %w", docID, err)
			}
		}

		if data := tx.Bucket([]byte(bucketState)).Get([]byte(docID)); data != nil {
			var st boltState
			if err := json.Unmarshal(data, &st); err != nil {
				return fmt.Errorf("corrupt state record %s: %w", docID, err)
			}
			record.StateBytes = st.StateBytes
			record.StateVector = st.StateVector
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// SaveState implements DocumentStore.
func (s *BoltStore) SaveState(ctx context.Context, docID string, stateBytes, stateVector []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketDocuments)).Get([]byte(docID)) == nil {
			return ErrNotFound
		}
		st := boltState{
			StateBytes:  stateBytes,
			StateVector: stateVector,
			UpdatedAt:   time.Now().UTC(),
		}
		return putJSON(tx.Bucket([]byte(bucketState)), docID, st)
	})
}

// SaveMetadata implements DocumentStore.
func (s *BoltStore) SaveMetadata(ctx context.Context, docID string, meta Metadata, acl ACL) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketDocuments)).Get([]byte(docID)) == nil {
			return ErrNotFound
		}
		meta.DocID = docID
		meta.UpdatedAt = time.Now().UTC()
		if err := putJSON(tx.Bucket([]byte(bucketDocuments)), docID, meta); err != nil {
			return err
		}
		return putJSON(tx.Bucket([]byte(bucketACL)), docID, acl)
	})
}

// Snapshot implements DocumentStore. Keys are docID/rfc3339nano/uuid so a
// prefix scan lists one document's history in time order.
func (s *BoltStore) Snapshot(ctx context.Context, docID string, stateBytes []byte) (string, error) {
	snapshotID := uuid.New().String()
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketDocuments)).Get([]byte(docID)) == nil {
			return ErrNotFound
		}
		snap := Snapshot{
			SnapshotID: snapshotID,
			DocID:      docID,
			StateBytes: stateBytes,
			CreatedAt:  time.Now().UTC(),
		}
		key := fmt.Sprintf("%s/%s/%s", docID, snap.CreatedAt.Format(time.RFC3339Nano), snapshotID)
		return putJSON(tx.Bucket([]byte(bucketSnapshots)), key, snap)
	})
	if err != nil {
		return "", err
	}
	return snapshotID, nil
}

// Snapshots implements DocumentStore.
func (s *BoltStore) Snapshots(ctx context.Context, docID string) ([]Snapshot, error) {
	var snaps []Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketSnapshots)).Cursor()
		prefix := []byte(docID + "/")
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("corrupt snapshot record %s: %w", k, err)
			}
			snap.StateBytes = nil
			snaps = append(snaps, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
	return snaps, nil
}

// Close implements DocumentStore.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(b *bolt.Bucket, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return b.Put([]byte(key), data)
}
