//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresContainer starts a PostgreSQL container for testing
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return url, cleanup
}

func newTestPostgres(t *testing.T) *PostgresStore {
	url, cleanup := setupPostgresContainer(t)
	t.Cleanup(cleanup)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgres_Integration_DocumentLifecycle(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	meta := testMeta("doc-1")
	acl := ACL{"user-2": PermissionRead}

	t.Run("create and load", func(t *testing.T) {
		require.NoError(t, s.CreateDocument(ctx, meta, acl))

		record, err := s.Load(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, meta.Title, record.Meta.Title)
		assert.Equal(t, meta.OwnerID, record.Meta.OwnerID)
		assert.Equal(t, acl, record.ACL)
		assert.Nil(t, record.StateBytes)
	})

	t.Run("duplicate create conflicts", func(t *testing.T) {
		err := s.CreateDocument(ctx, meta, acl)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("load missing", func(t *testing.T) {
		_, err := s.Load(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPostgres_Integration_State(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDocument(ctx, testMeta("doc-state"), nil))

	require.NoError(t, s.SaveState(ctx, "doc-state", []byte("state-v1"), []byte("vector-v1")))
	record, err := s.Load(ctx, "doc-state")
	require.NoError(t, err)
	assert.Equal(t, []byte("state-v1"), record.StateBytes)
	assert.Equal(t, []byte("vector-v1"), record.StateVector)

	// The upsert replaces the previous state completely.
	require.NoError(t, s.SaveState(ctx, "doc-state", []byte("state-v2"), []byte("vector-v2")))
	record, err = s.Load(ctx, "doc-state")
	require.NoError(t, err)
	assert.Equal(t, []byte("state-v2"), record.StateBytes)
}

func TestPostgres_Integration_Metadata(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDocument(ctx, testMeta("doc-meta"), nil))

	meta := testMeta("doc-meta")
	meta.Title = "Renamed"
	meta.Public = true
	acl := ACL{"user-3": PermissionWrite}
	require.NoError(t, s.SaveMetadata(ctx, "doc-meta", meta, acl))

	record, err := s.Load(ctx, "doc-meta")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", record.Meta.Title)
	assert.True(t, record.Meta.Public)
	assert.Equal(t, acl, record.ACL)

	err = s.SaveMetadata(ctx, "missing", meta, acl)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_Integration_Snapshots(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDocument(ctx, testMeta("doc-snap"), nil))

	id1, err := s.Snapshot(ctx, "doc-snap", []byte("v1"))
	require.NoError(t, err)
	id2, err := s.Snapshot(ctx, "doc-snap", []byte("v2"))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	snaps, err := s.Snapshots(ctx, "doc-snap")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Nil(t, snaps[0].StateBytes)

	snaps, err = s.Snapshots(ctx, "other-doc")
	require.NoError(t, err)
	assert.Empty(t, snaps)
}
