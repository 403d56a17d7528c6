package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"collab.evalgo.org/auth"
	"collab.evalgo.org/store"
)

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string       `json:"token"`
	Principal auth.Summary `json:"principal"`
}

type createDocumentRequest struct {
	Title  string    `json:"title"`
	Public bool      `json:"public"`
	ACL    store.ACL `json:"acl,omitempty"`
}

type documentResponse struct {
	Metadata store.Metadata `json:"metadata"`
	ACL      store.ACL      `json:"acl,omitempty"`
	Present  []string       `json:"present,omitempty"`
}

type aclRequest struct {
	ACL    store.ACL `json:"acl"`
	Public *bool     `json:"public,omitempty"`
}

// registerAPI wires the REST routes. Everything under /api requires a
// valid bearer token.
func (g *Gateway) registerAPI(e *echo.Echo) {
	api := e.Group("/api")
	api.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey: g.tokens.Secret(),
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return &auth.Claims{}
		},
	}))

	api.POST("/documents", g.handleCreateDocument)
	api.GET("/documents/:id", g.handleGetDocument)
	api.GET("/documents/:id/snapshots", g.handleListSnapshots)
	api.PUT("/documents/:id/acl", g.handleUpdateACL)
}

// handleIssueToken exchanges username/password credentials for a JWT.
func (g *Gateway) handleIssueToken(c echo.Context) error {
	if g.creds == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "credential login is not configured")
	}

	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	principal, err := g.creds.VerifyCredentials(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		}
		g.logger.WithError(err).Error("credential verification failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "login failed")
	}

	token, err := g.tokens.Issue(*principal)
	if err != nil {
		g.logger.WithError(err).Error("token issuance failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "login failed")
	}

	return c.JSON(http.StatusOK, tokenResponse{Token: token, Principal: principal.Summary()})
}

func (g *Gateway) handleCreateDocument(c echo.Context) error {
	principal, err := requestPrincipal(c)
	if err != nil {
		return err
	}
	if !principal.Role.CanWrite() {
		return echo.NewHTTPError(http.StatusForbidden, "write access required")
	}

	var req createDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}
	for _, perm := range req.ACL {
		if !perm.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid permission in acl")
		}
	}

	now := time.Now().UTC()
	meta := store.Metadata{
		DocID:     uuid.New().String(),
		Title:     req.Title,
		OwnerID:   principal.ID,
		Public:    req.Public,
		CreatedAt: now,
		UpdatedAt: now,
	}
	acl := req.ACL
	if acl == nil {
		acl = store.ACL{}
	}

	if err := g.docs.CreateDocument(c.Request().Context(), meta, acl); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return echo.NewHTTPError(http.StatusConflict, "document already exists")
		}
		g.logger.WithError(err).Error("document creation failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	}

	return c.JSON(http.StatusCreated, documentResponse{Metadata: meta, ACL: acl})
}

func (g *Gateway) handleGetDocument(c echo.Context) error {
	principal, err := requestPrincipal(c)
	if err != nil {
		return err
	}
	docID := c.Param("id")

	meta, acl, err := g.loadMetadata(c, docID)
	if err != nil {
		return err
	}

	if _, ok := store.EffectivePermission(*meta, acl, *principal); !ok {
		return echo.NewHTTPError(http.StatusForbidden, "no access to document")
	}

	resp := documentResponse{Metadata: *meta}
	// The full ACL is only visible to principals who can change it.
	if canManage(*meta, *principal) {
		resp.ACL = acl
	}
	if g.cache != nil {
		if present, err := g.cache.Presence(c.Request().Context(), docID); err == nil {
			resp.Present = present
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func (g *Gateway) handleListSnapshots(c echo.Context) error {
	principal, err := requestPrincipal(c)
	if err != nil {
		return err
	}
	docID := c.Param("id")

	meta, acl, err := g.loadMetadata(c, docID)
	if err != nil {
		return err
	}
	if _, ok := store.EffectivePermission(*meta, acl, *principal); !ok {
		return echo.NewHTTPError(http.StatusForbidden, "no access to document")
	}

	snaps, err := g.docs.Snapshots(c.Request().Context(), docID)
	if err != nil {
		g.logger.WithError(err).Error("snapshot listing failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	}
	return c.JSON(http.StatusOK, snaps)
}

// handleUpdateACL rewrites a document's ACL and propagates the change to
// the live room, if any.
func (g *Gateway) handleUpdateACL(c echo.Context) error {
	principal, err := requestPrincipal(c)
	if err != nil {
		return err
	}
	docID := c.Param("id")

	record, err := g.docs.Load(c.Request().Context(), docID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		g.logger.WithError(err).Error("document load failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	}

	if !canManage(record.Meta, *principal) {
		return echo.NewHTTPError(http.StatusForbidden, "only the owner or an admin can change access")
	}

	var req aclRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	for _, perm := range req.ACL {
		if !perm.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid permission in acl")
		}
	}

	meta := record.Meta
	if req.Public != nil {
		meta.Public = *req.Public
	}
	acl := req.ACL
	if acl == nil {
		acl = store.ACL{}
	}

	if err := g.docs.SaveMetadata(c.Request().Context(), docID, meta, acl); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		g.logger.WithError(err).Error("acl save failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	}

	if g.cache != nil {
		if err := g.cache.Invalidate(c.Request().Context(), docID); err != nil {
			g.logger.WithError(err).Debug("cache invalidation failed")
		}
	}
	g.registry.ACLChanged(docID, acl)

	meta.UpdatedAt = time.Now().UTC()
	return c.JSON(http.StatusOK, documentResponse{Metadata: meta, ACL: acl})
}

// loadMetadata reads metadata and ACL, going through the cache when
// configured.
func (g *Gateway) loadMetadata(c echo.Context, docID string) (*store.Metadata, store.ACL, error) {
	ctx := c.Request().Context()

	if g.cache != nil {
		meta, acl, err := g.cache.GetMetadata(ctx, docID)
		if err == nil && meta != nil {
			return meta, acl, nil
		}
	}

	record, err := g.docs.Load(ctx, docID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		g.logger.WithError(err).Error("document load failed")
		return nil, nil, echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	}

	if g.cache != nil {
		if err := g.cache.SetMetadata(ctx, record.Meta, record.ACL); err != nil {
			g.logger.WithError(err).Debug("metadata cache write failed")
		}
	}
	return &record.Meta, record.ACL, nil
}

func canManage(meta store.Metadata, principal auth.Principal) bool {
	return principal.Role == auth.RoleAdmin || meta.OwnerID == principal.ID
}

// requestPrincipal extracts the authenticated principal the jwt
// middleware put on the context.
func requestPrincipal(c echo.Context) (*auth.Principal, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "missing token")
	}
	claims, ok := token.Claims.(*auth.Claims)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	return &auth.Principal{
		ID:          claims.PrincipalID,
		DisplayName: claims.DisplayName,
		Role:        claims.Role,
		Permissions: claims.Permissions,
	}, nil
}
