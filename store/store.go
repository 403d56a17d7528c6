// Package store provides durable persistence for collaborative documents:
// metadata, access control lists, the latest merged CRDT state and an
// append-only snapshot history.
//
// Two backends implement the DocumentStore contract: PostgreSQL (gorm for
// the relational metadata/ACL tables, pgx for the hot-path state writes)
// and bbolt for single-node and test deployments. An optional redis cache
// accelerates metadata/ACL lookups and tracks live presence counters.
//
// Writes are serialized per document id and are never partially visible:
// the latest state row always holds a complete merged state.
package store

import (
	"context"
	"errors"
	"time"

	"collab.evalgo.org/auth"
)

// Failure taxonomy. Callers map these onto the wire error codes.
var (
	// ErrNotFound means the document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrConflict means a concurrent write invalidated this one; the
	// caller must reload and rebuild.
	ErrConflict = errors.New("write conflict")

	// ErrUnavailable means a transient infrastructure failure; the
	// operation may be retried with backoff.
	ErrUnavailable = errors.New("store unavailable")
)

// Permission is a per-document grant.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// Valid reports whether the permission is one of the known grants.
func (p Permission) Valid() bool {
	return p == PermissionRead || p == PermissionWrite
}

// CanWrite reports whether the permission allows mutations.
func (p Permission) CanWrite() bool {
	return p == PermissionWrite
}

// Metadata is the document record without state or ACL.
type Metadata struct {
	DocID     string    `json:"docId"`
	Title     string    `json:"title"`
	OwnerID   string    `json:"ownerId"`
	Public    bool      `json:"public"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ACL maps principal ids to their direct document grant.
type ACL map[string]Permission

// Clone returns an independent copy of the ACL.
func (a ACL) Clone() ACL {
	out := make(ACL, len(a))
	for id, p := range a {
		out[id] = p
	}
	return out
}

// Record is the full durable state of one document. StateBytes is nil for
// documents that have never been edited.
type Record struct {
	Meta        Metadata
	ACL         ACL
	StateBytes  []byte
	StateVector []byte
}

// Snapshot is one entry of the append-only snapshot history.
type Snapshot struct {
	SnapshotID string    `json:"snapshotId"`
	DocID      string    `json:"docId"`
	StateBytes []byte    `json:"stateBytes"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DocumentStore is the durable repository contract consumed by rooms and
// the gateway. Implementations serialize writes per document id.
type DocumentStore interface {
	// CreateDocument inserts a new document record with empty state.
	CreateDocument(ctx context.Context, meta Metadata, acl ACL) error

	// Load returns the full record, or ErrNotFound.
	Load(ctx context.Context, docID string) (*Record, error)

	// SaveState atomically overwrites the latest merged state.
	SaveState(ctx context.Context, docID string, stateBytes, stateVector []byte) error

	// SaveMetadata overwrites metadata and ACL.
	SaveMetadata(ctx context.Context, docID string, meta Metadata, acl ACL) error

	// Snapshot appends to the snapshot history and returns the snapshot id.
	Snapshot(ctx context.Context, docID string, stateBytes []byte) (string, error)

	// Snapshots lists the snapshot history, newest first, without state bytes.
	Snapshots(ctx context.Context, docID string) ([]Snapshot, error)

	// Close releases backend resources.
	Close() error
}

// EffectivePermission resolves the permission a principal holds on a
// document: the stronger of their direct ACL entry and any implicit
// grant (owner write, public read). Admin roles write everywhere; viewer
// roles are capped to read. The second return is false when the
// principal has no access at all.
func EffectivePermission(meta Metadata, acl ACL, p auth.Principal) (Permission, bool) {
	if p.Role == auth.RoleAdmin {
		return PermissionWrite, true
	}

	perm, ok := acl[p.ID]
	if meta.OwnerID == p.ID {
		perm, ok = PermissionWrite, true
	}
	if !ok && meta.Public {
		perm, ok = PermissionRead, true
	}
	if !ok {
		return "", false
	}

	if perm.CanWrite() && !p.Role.CanWrite() {
		perm = PermissionRead
	}
	return perm, true
}
