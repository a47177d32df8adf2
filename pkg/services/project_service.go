package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-mcp/conduit/pkg/models"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ProjectService manages project lifecycle and API keys.
type ProjectService struct {
	db *sql.DB
}

// NewProjectService creates a new ProjectService
func NewProjectService(db *sql.DB) *ProjectService {
	return &ProjectService{db: db}
}

const projectColumns = `id, name, slug, sse_auth_required, message_auth_required,
	api_key_hash, unified_mcp_enabled, allowed_ip_ranges, instructions,
	validate_tool_args, created_at, updated_at`

// Create creates a new project. The slug must be unique across all projects.
func (s *ProjectService) Create(ctx context.Context, req models.CreateProjectRequest) (*models.Project, error) {
	if req.Name == "" {
		return nil, NewValidationError("name", "must not be empty")
	}
	if !slugPattern.MatchString(req.Slug) {
		return nil, NewValidationError("slug", "must be lowercase alphanumeric with hyphens")
	}

	p := &models.Project{
		ID:                  uuid.New().String(),
		Name:                req.Name,
		Slug:                req.Slug,
		SSEAuthRequired:     true,
		MessageAuthRequired: false,
		UnifiedMCPEnabled:   true,
		AllowedIPRanges:     req.AllowedIPRanges,
		Instructions:        req.Instructions,
	}
	if req.SSEAuthRequired != nil {
		p.SSEAuthRequired = *req.SSEAuthRequired
	}
	if req.MessageAuthRequired != nil {
		p.MessageAuthRequired = *req.MessageAuthRequired
	}
	if req.UnifiedMCPEnabled != nil {
		p.UnifiedMCPEnabled = *req.UnifiedMCPEnabled
	}
	if req.ValidateToolArgs != nil {
		p.ValidateToolArgs = *req.ValidateToolArgs
	}

	ranges, err := marshalRanges(p.AllowedIPRanges)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, slug, sse_auth_required, message_auth_required,
			api_key_hash, unified_mcp_enabled, allowed_ip_ranges, instructions,
			validate_tool_args, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, '', $6, $7, $8, $9, $10, $11)`,
		p.ID, p.Name, p.Slug, p.SSEAuthRequired, p.MessageAuthRequired,
		p.UnifiedMCPEnabled, ranges, p.Instructions, p.ValidateToolArgs,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("project slug %q: %w", req.Slug, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	return p, nil
}

// GetByID retrieves a project by its UUID.
func (s *ProjectService) GetByID(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	return scanProject(row)
}

// GetBySlug retrieves a project by its URL slug.
func (s *ProjectService) GetBySlug(ctx context.Context, slug string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE slug = $1`, slug)
	return scanProject(row)
}

// List returns all projects ordered by creation time.
func (s *ProjectService) List(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// Update applies the non-nil fields of req to the stored project.
func (s *ProjectService) Update(ctx context.Context, id string, req models.UpdateProjectRequest) (*models.Project, error) {
	p, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if *req.Name == "" {
			return nil, NewValidationError("name", "must not be empty")
		}
		p.Name = *req.Name
	}
	if req.SSEAuthRequired != nil {
		p.SSEAuthRequired = *req.SSEAuthRequired
	}
	if req.MessageAuthRequired != nil {
		p.MessageAuthRequired = *req.MessageAuthRequired
	}
	if req.UnifiedMCPEnabled != nil {
		p.UnifiedMCPEnabled = *req.UnifiedMCPEnabled
	}
	if req.AllowedIPRanges != nil {
		p.AllowedIPRanges = *req.AllowedIPRanges
	}
	if req.Instructions != nil {
		p.Instructions = *req.Instructions
	}
	if req.ValidateToolArgs != nil {
		p.ValidateToolArgs = *req.ValidateToolArgs
	}

	ranges, err := marshalRanges(p.AllowedIPRanges)
	if err != nil {
		return nil, err
	}

	p.UpdatedAt = time.Now()
	_, err = s.db.ExecContext(ctx,
		`UPDATE projects SET name = $2, sse_auth_required = $3, message_auth_required = $4,
			unified_mcp_enabled = $5, allowed_ip_ranges = $6, instructions = $7,
			validate_tool_args = $8, updated_at = $9
		 WHERE id = $1`,
		p.ID, p.Name, p.SSEAuthRequired, p.MessageAuthRequired,
		p.UnifiedMCPEnabled, ranges, p.Instructions, p.ValidateToolArgs, p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}

	return p, nil
}

// Delete removes a project and, via cascades, its servers, tools, and logs.
func (s *ProjectService) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateAPIKey issues a fresh API key for the project and stores its hash.
// The plaintext key is returned exactly once and never persisted.
func (s *ProjectService) RotateAPIKey(ctx context.Context, id string) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	key := "cdk_" + hex.EncodeToString(raw)

	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET api_key_hash = $2, updated_at = $3 WHERE id = $1`,
		id, hashAPIKey(key), time.Now())
	if err != nil {
		return "", fmt.Errorf("failed to store API key hash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}

	return key, nil
}

// VerifyAPIKey reports whether the presented key matches the project's stored
// hash. Projects without an issued key reject every presented key.
func (s *ProjectService) VerifyAPIKey(p *models.Project, presented string) bool {
	if p.APIKeyHash == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(p.APIKeyHash), []byte(hashAPIKey(presented))) == 1
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func marshalRanges(ranges []string) ([]byte, error) {
	if len(ranges) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(ranges)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal allowed_ip_ranges: %w", err)
	}
	return data, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	var p models.Project
	var ranges []byte

	err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.SSEAuthRequired, &p.MessageAuthRequired,
		&p.APIKeyHash, &p.UnifiedMCPEnabled, &ranges, &p.Instructions,
		&p.ValidateToolArgs, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}

	if len(ranges) > 0 {
		if err := json.Unmarshal(ranges, &p.AllowedIPRanges); err != nil {
			return nil, fmt.Errorf("failed to unmarshal allowed_ip_ranges: %w", err)
		}
	}

	return &p, nil
}
