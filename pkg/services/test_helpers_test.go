package services

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conduit-mcp/conduit/pkg/config"
	"github.com/conduit-mcp/conduit/pkg/crypto"
	"github.com/conduit-mcp/conduit/pkg/masking"
	"github.com/conduit-mcp/conduit/pkg/models"
)

// testEncryption creates a throwaway AES-256 service for a test.
func testEncryption(t *testing.T) *crypto.EncryptionService {
	t.Helper()

	key, err := crypto.GenerateKeyString()
	require.NoError(t, err)
	svc, err := crypto.NewEncryptionServiceFromString(key)
	require.NoError(t, err)
	return svc
}

// testMasking creates a masking service with the default security group.
func testMasking() *masking.Service {
	return masking.NewService(config.DefaultMaskingConfig())
}

// createTestProject seeds a project row and returns it.
func createTestProject(t *testing.T, db *sql.DB, slug string) *models.Project {
	t.Helper()

	svc := NewProjectService(db)
	p, err := svc.Create(context.Background(), models.CreateProjectRequest{
		Name: "Test " + slug,
		Slug: slug,
	})
	require.NoError(t, err)
	return p
}

// createTestServer seeds a server row under the project and returns it.
func createTestServer(t *testing.T, db *sql.DB, enc *crypto.EncryptionService, projectID, name string) *models.McpServer {
	t.Helper()

	svc := NewServerService(db, enc, 30)
	server, err := svc.Create(context.Background(), models.CreateServerRequest{
		ProjectID: projectID,
		Name:      name,
		Command:   "test-mcp-server",
		Args:      []string{"--flag"},
		Env:       map[string]string{"TOKEN": "secret-value"},
	})
	require.NoError(t, err)
	return server
}

func requireNoRows(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()

	var count int
	require.NoError(t, db.QueryRow(query, args...).Scan(&count))
	require.Zero(t, count)
}
