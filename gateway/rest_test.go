package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab.evalgo.org/auth"
	"collab.evalgo.org/store"
)

func doJSON(t *testing.T, env *testEnv, method, path, token string, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, env.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := doJSON(t, env, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIssueTokenEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := doJSON(t, env, http.MethodPost, "/auth/token", "", tokenRequest{Username: "alice", Password: "s3cret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr tokenResponse
	decode(t, resp, &tr)
	assert.NotEmpty(t, tr.Token)
	assert.Equal(t, "alice", tr.Principal.ID)

	// The issued token verifies against the service secret.
	p, err := env.tokens.Verify(tr.Token)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleEditor, p.Role)
}

func TestIssueTokenBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	resp := doJSON(t, env, http.MethodPost, "/auth/token", "", tokenRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	resp := doJSON(t, env, http.MethodPost, "/api/documents", "", createDocumentRequest{Title: "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAndGetDocument(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, auth.Principal{ID: "alice", DisplayName: "Alice", Role: auth.RoleEditor})

	resp := doJSON(t, env, http.MethodPost, "/api/documents", token, createDocumentRequest{
		Title:  "My Doc",
		ACL:    store.ACL{"bob": store.PermissionRead},
		Public: false,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created documentResponse
	decode(t, resp, &created)
	assert.NotEmpty(t, created.Metadata.DocID)
	assert.Equal(t, "alice", created.Metadata.OwnerID)
	assert.Equal(t, store.PermissionRead, created.ACL["bob"])

	// The owner sees metadata and the full ACL.
	resp = doJSON(t, env, http.MethodGet, "/api/documents/"+created.Metadata.DocID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got documentResponse
	decode(t, resp, &got)
	assert.Equal(t, "My Doc", got.Metadata.Title)
	assert.NotEmpty(t, got.ACL)

	// A granted reader sees metadata but not the ACL.
	bobToken := env.token(t, auth.Principal{ID: "bob", Role: auth.RoleUser})
	resp = doJSON(t, env, http.MethodGet, "/api/documents/"+created.Metadata.DocID, bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &got)
	assert.Empty(t, got.ACL)

	// Strangers get nothing.
	eveToken := env.token(t, auth.Principal{ID: "eve", Role: auth.RoleUser})
	resp = doJSON(t, env, http.MethodGet, "/api/documents/"+created.Metadata.DocID, eveToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCreateDocumentValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, auth.Principal{ID: "alice", Role: auth.RoleEditor})

	resp := doJSON(t, env, http.MethodPost, "/api/documents", token, createDocumentRequest{Title: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, env, http.MethodPost, "/api/documents", token, createDocumentRequest{
		Title: "x",
		ACL:   store.ACL{"bob": "sudo"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	viewerToken := env.token(t, auth.Principal{ID: "v", Role: auth.RoleViewer})
	resp = doJSON(t, env, http.MethodPost, "/api/documents", viewerToken, createDocumentRequest{Title: "x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetDocumentNotFound(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, auth.Principal{ID: "alice", Role: auth.RoleEditor})
	resp := doJSON(t, env, http.MethodGet, "/api/documents/missing", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateACL(t *testing.T) {
	env := newTestEnv(t)
	env.createDoc(t, "doc-1", "alice", store.ACL{"bob": store.PermissionWrite}, false)

	aliceToken := env.token(t, auth.Principal{ID: "alice", Role: auth.RoleEditor})
	bobToken := env.token(t, auth.Principal{ID: "bob", Role: auth.RoleEditor})

	// Only the owner or an admin may rewrite the ACL.
	resp := doJSON(t, env, http.MethodPut, "/api/documents/doc-1/acl", bobToken, aclRequest{ACL: store.ACL{}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, env, http.MethodPut, "/api/documents/doc-1/acl", aliceToken, aclRequest{
		ACL: store.ACL{"bob": store.PermissionRead},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got documentResponse
	decode(t, resp, &got)
	assert.Equal(t, store.PermissionRead, got.ACL["bob"])

	// Admins may as well.
	adminToken := env.token(t, auth.Principal{ID: "root", Role: auth.RoleAdmin})
	resp = doJSON(t, env, http.MethodPut, "/api/documents/doc-1/acl", adminToken, aclRequest{
		ACL: store.ACL{"bob": store.PermissionWrite},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListSnapshots(t *testing.T) {
	env := newTestEnv(t)
	env.createDoc(t, "doc-1", "alice", nil, false)
	token := env.token(t, auth.Principal{ID: "alice", Role: auth.RoleEditor})

	resp := doJSON(t, env, http.MethodGet, "/api/documents/doc-1/snapshots", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snaps []store.Snapshot
	decode(t, resp, &snaps)
	assert.Empty(t, snaps)
}
