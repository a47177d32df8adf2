package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-mcp/conduit/pkg/models"
	"github.com/conduit-mcp/conduit/test/util"
)

func TestProjectService_Create(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewProjectService(db)
	ctx := context.Background()

	t.Run("creates project with defaults", func(t *testing.T) {
		p, err := svc.Create(ctx, models.CreateProjectRequest{
			Name: "Analytics",
			Slug: "analytics",
		})
		require.NoError(t, err)

		assert.NotEmpty(t, p.ID)
		assert.Equal(t, "Analytics", p.Name)
		assert.Equal(t, "analytics", p.Slug)
		assert.True(t, p.SSEAuthRequired)
		assert.False(t, p.MessageAuthRequired)
		assert.True(t, p.UnifiedMCPEnabled)
		assert.False(t, p.ValidateToolArgs)
	})

	t.Run("applies explicit flags", func(t *testing.T) {
		f := false
		tr := true
		p, err := svc.Create(ctx, models.CreateProjectRequest{
			Name:                "Open",
			Slug:                "open",
			SSEAuthRequired:     &f,
			MessageAuthRequired: &tr,
			AllowedIPRanges:     []string{"10.0.0.0/8"},
			Instructions:        "internal tools only",
		})
		require.NoError(t, err)

		assert.False(t, p.SSEAuthRequired)
		assert.True(t, p.MessageAuthRequired)
		assert.Equal(t, []string{"10.0.0.0/8"}, p.AllowedIPRanges)
		assert.Equal(t, "internal tools only", p.Instructions)
	})

	t.Run("rejects duplicate slug", func(t *testing.T) {
		_, err := svc.Create(ctx, models.CreateProjectRequest{Name: "Dup", Slug: "analytics"})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("validates slug format", func(t *testing.T) {
		for _, slug := range []string{"", "Has-Upper", "under_score", "-leading", "trailing-"} {
			_, err := svc.Create(ctx, models.CreateProjectRequest{Name: "X", Slug: slug})
			assert.True(t, IsValidationError(err), "slug %q should be rejected", slug)
		}
	})
}

func TestProjectService_GetAndList(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewProjectService(db)
	ctx := context.Background()

	created := createTestProject(t, db, "fetch-me")

	byID, err := svc.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Slug, byID.Slug)

	bySlug, err := svc.GetBySlug(ctx, "fetch-me")
	require.NoError(t, err)
	assert.Equal(t, created.ID, bySlug.ID)

	_, err = svc.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)

	createTestProject(t, db, "another")
	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestProjectService_Update(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewProjectService(db)
	ctx := context.Background()

	p := createTestProject(t, db, "mutable")

	name := "Renamed"
	f := false
	ranges := []string{"192.168.0.0/16", "10.1.0.0/24"}
	updated, err := svc.Update(ctx, p.ID, models.UpdateProjectRequest{
		Name:            &name,
		SSEAuthRequired: &f,
		AllowedIPRanges: &ranges,
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.False(t, updated.SSEAuthRequired)
	assert.Equal(t, ranges, updated.AllowedIPRanges)

	// Unchanged fields survive the partial update
	reloaded, err := svc.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "mutable", reloaded.Slug)
	assert.True(t, reloaded.UnifiedMCPEnabled)
	assert.Equal(t, ranges, reloaded.AllowedIPRanges)
}

func TestProjectService_Delete(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewProjectService(db)
	ctx := context.Background()

	p := createTestProject(t, db, "doomed")
	enc := testEncryption(t)
	server := createTestServer(t, db, enc, p.ID, "child")

	require.NoError(t, svc.Delete(ctx, p.ID))
	assert.ErrorIs(t, svc.Delete(ctx, p.ID), ErrNotFound)

	// Cascade removed the server
	requireNoRows(t, db, `SELECT COUNT(*) FROM mcp_servers WHERE id = $1`, server.ID)
}

func TestProjectService_APIKey(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewProjectService(db)
	ctx := context.Background()

	p := createTestProject(t, db, "keyed")

	key, err := svc.RotateAPIKey(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "cdk_"))

	reloaded, err := svc.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, reloaded.APIKeyHash)
	assert.NotContains(t, reloaded.APIKeyHash, key, "hash must not embed the key")

	assert.True(t, svc.VerifyAPIKey(reloaded, key))
	assert.False(t, svc.VerifyAPIKey(reloaded, "cdk_wrong"))
	assert.False(t, svc.VerifyAPIKey(reloaded, ""))

	// Rotation invalidates the old key
	newKey, err := svc.RotateAPIKey(ctx, p.ID)
	require.NoError(t, err)
	reloaded, err = svc.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, svc.VerifyAPIKey(reloaded, key))
	assert.True(t, svc.VerifyAPIKey(reloaded, newKey))

	// Projects without a key reject everything
	bare := createTestProject(t, db, "bare")
	assert.False(t, svc.VerifyAPIKey(bare, key))
}
