package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-mcp/conduit/pkg/crypto"
	"github.com/conduit-mcp/conduit/pkg/models"
)

// ServerService manages MCP server records. Command args and env are
// encrypted at rest; decryption happens only on the spawn path via
// GetWithSecrets.
type ServerService struct {
	db              *sql.DB
	crypto          *crypto.EncryptionService
	defaultTimeoutS int
}

// NewServerService creates a new ServerService. defaultTimeoutS applies to
// servers created without an explicit timeout.
func NewServerService(db *sql.DB, enc *crypto.EncryptionService, defaultTimeoutS int) *ServerService {
	return &ServerService{db: db, crypto: enc, defaultTimeoutS: defaultTimeoutS}
}

const serverColumns = `id, project_id, name, command, args_encrypted, env_encrypted,
	timeout_s, is_enabled, transport_type, status, last_started_at, last_error,
	total_tool_calls, last_used_at, created_at, updated_at`

// Create registers a new MCP server under a project.
func (s *ServerService) Create(ctx context.Context, req models.CreateServerRequest) (*models.McpServer, error) {
	if req.Name == "" {
		return nil, NewValidationError("name", "must not be empty")
	}
	if req.Command == "" {
		return nil, NewValidationError("command", "must not be empty")
	}
	if req.ProjectID == "" {
		return nil, NewValidationError("project_id", "must not be empty")
	}

	timeout := req.TimeoutS
	if timeout <= 0 {
		timeout = s.defaultTimeoutS
	}
	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}

	argsEnc, envEnc, err := s.encryptSecrets(req.Args, req.Env)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	server := &models.McpServer{
		ID:        uuid.New().String(),
		ProjectID: req.ProjectID,
		Name:      req.Name,
		Command:   req.Command,
		Args:      req.Args,
		Env:       req.Env,
		TimeoutS:  timeout,
		IsEnabled: enabled,
		Transport: models.TransportStdio,
		Status:    models.ServerStatusInactive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mcp_servers (id, project_id, name, command, args_encrypted,
			env_encrypted, timeout_s, is_enabled, transport_type, status,
			created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		server.ID, server.ProjectID, server.Name, server.Command, argsEnc, envEnc,
		server.TimeoutS, server.IsEnabled, server.Transport, server.Status,
		server.CreatedAt, server.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("server %q in project %s: %w", req.Name, req.ProjectID, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return server, nil
}

// GetByID retrieves a server without decrypting its secrets.
func (s *ServerService) GetByID(ctx context.Context, id string) (*models.McpServer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM mcp_servers WHERE id = $1`, id)
	server, _, _, err := scanServer(row)
	return server, err
}

// GetWithSecrets retrieves a server with Args and Env decrypted, ready for
// spawning the child process.
func (s *ServerService) GetWithSecrets(ctx context.Context, id string) (*models.McpServer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM mcp_servers WHERE id = $1`, id)
	server, argsEnc, envEnc, err := scanServer(row)
	if err != nil {
		return nil, err
	}
	if err := s.decryptSecrets(server, argsEnc, envEnc); err != nil {
		return nil, err
	}
	return server, nil
}

// GetByName retrieves a server by its project-scoped name.
func (s *ServerService) GetByName(ctx context.Context, projectID, name string) (*models.McpServer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM mcp_servers WHERE project_id = $1 AND name = $2`,
		projectID, name)
	server, _, _, err := scanServer(row)
	return server, err
}

// ListByProject returns all servers belonging to a project.
func (s *ServerService) ListByProject(ctx context.Context, projectID string) ([]*models.McpServer, error) {
	return s.list(ctx,
		`SELECT `+serverColumns+` FROM mcp_servers WHERE project_id = $1 ORDER BY name`,
		projectID)
}

// ListEnabledByProject returns the enabled servers of a project, the set the
// proxy fans out to.
func (s *ServerService) ListEnabledByProject(ctx context.Context, projectID string) ([]*models.McpServer, error) {
	return s.list(ctx,
		`SELECT `+serverColumns+` FROM mcp_servers
		 WHERE project_id = $1 AND is_enabled ORDER BY name`,
		projectID)
}

// ListEnabled returns every enabled server across all projects, the set the
// scheduler probes.
func (s *ServerService) ListEnabled(ctx context.Context) ([]*models.McpServer, error) {
	return s.list(ctx,
		`SELECT `+serverColumns+` FROM mcp_servers WHERE is_enabled ORDER BY project_id, name`)
}

func (s *ServerService) list(ctx context.Context, query string, args ...any) ([]*models.McpServer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var servers []*models.McpServer
	for rows.Next() {
		server, _, _, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

// Update applies the non-nil fields of req and re-encrypts secrets when Args
// or Env change.
func (s *ServerService) Update(ctx context.Context, id string, req models.UpdateServerRequest) (*models.McpServer, error) {
	server, err := s.GetWithSecrets(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if *req.Name == "" {
			return nil, NewValidationError("name", "must not be empty")
		}
		server.Name = *req.Name
	}
	if req.Command != nil {
		if *req.Command == "" {
			return nil, NewValidationError("command", "must not be empty")
		}
		server.Command = *req.Command
	}
	if req.Args != nil {
		server.Args = *req.Args
	}
	if req.Env != nil {
		server.Env = *req.Env
	}
	if req.TimeoutS != nil {
		if *req.TimeoutS <= 0 {
			return nil, NewValidationError("timeout_s", "must be positive")
		}
		server.TimeoutS = *req.TimeoutS
	}
	if req.IsEnabled != nil {
		server.IsEnabled = *req.IsEnabled
	}

	argsEnc, envEnc, err := s.encryptSecrets(server.Args, server.Env)
	if err != nil {
		return nil, err
	}

	server.UpdatedAt = time.Now()
	_, err = s.db.ExecContext(ctx,
		`UPDATE mcp_servers SET name = $2, command = $3, args_encrypted = $4,
			env_encrypted = $5, timeout_s = $6, is_enabled = $7, updated_at = $8
		 WHERE id = $1`,
		server.ID, server.Name, server.Command, argsEnc, envEnc,
		server.TimeoutS, server.IsEnabled, server.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("server %q in project %s: %w", server.Name, server.ProjectID, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to update server: %w", err)
	}

	return server, nil
}

// Delete removes a server and, via cascades, its tools and logs.
func (s *ServerService) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus persists the scheduler's view of a server. lastError replaces
// the stored value; pass "" to clear it.
func (s *ServerService) UpdateStatus(ctx context.Context, id string, status models.ServerStatus, lastError string) error {
	if !status.Valid() {
		return NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE mcp_servers SET status = $2, last_error = $3, updated_at = $4 WHERE id = $1`,
		id, status, lastError, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update server status: %w", err)
	}
	return nil
}

// MarkStarted records a successful child spawn.
func (s *ServerService) MarkStarted(ctx context.Context, id string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE mcp_servers SET last_started_at = $2, updated_at = $2 WHERE id = $1`,
		id, now)
	if err != nil {
		return fmt.Errorf("failed to mark server started: %w", err)
	}
	return nil
}

// RecordToolCall bumps the server's call counter and last-used timestamp.
func (s *ServerService) RecordToolCall(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mcp_servers SET total_tool_calls = total_tool_calls + 1, last_used_at = $2 WHERE id = $1`,
		id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record tool call: %w", err)
	}
	return nil
}

func (s *ServerService) encryptSecrets(args []string, env map[string]string) (argsEnc, envEnc string, err error) {
	if len(args) > 0 {
		data, err := json.Marshal(args)
		if err != nil {
			return "", "", fmt.Errorf("failed to marshal args: %w", err)
		}
		argsEnc, err = s.crypto.Encrypt(string(data))
		if err != nil {
			return "", "", fmt.Errorf("failed to encrypt args: %w", err)
		}
	}
	if len(env) > 0 {
		data, err := json.Marshal(env)
		if err != nil {
			return "", "", fmt.Errorf("failed to marshal env: %w", err)
		}
		envEnc, err = s.crypto.Encrypt(string(data))
		if err != nil {
			return "", "", fmt.Errorf("failed to encrypt env: %w", err)
		}
	}
	return argsEnc, envEnc, nil
}

func (s *ServerService) decryptSecrets(server *models.McpServer, argsEnc, envEnc string) error {
	if argsEnc != "" {
		if err := s.decodeSecret(argsEnc, &server.Args); err != nil {
			return fmt.Errorf("failed to decode args for server %s: %w", server.ID, err)
		}
	}
	if envEnc != "" {
		if err := s.decodeSecret(envEnc, &server.Env); err != nil {
			return fmt.Errorf("failed to decode env for server %s: %w", server.ID, err)
		}
	}
	return nil
}

// decodeSecret decrypts one stored secret column into out. Rows written
// before encryption was introduced hold plain JSON, which never parses as
// base64 ciphertext; those are unmarshaled as-is. A decryption failure on
// well-formed ciphertext still errors, since that signals a key mismatch
// rather than a legacy row.
func (s *ServerService) decodeSecret(stored string, out any) error {
	plain, err := s.crypto.Decrypt(stored)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return err
		}
		if jsonErr := json.Unmarshal([]byte(stored), out); jsonErr == nil {
			return nil
		}
		return err
	}
	return json.Unmarshal([]byte(plain), out)
}

func scanServer(row rowScanner) (*models.McpServer, string, string, error) {
	var server models.McpServer
	var argsEnc, envEnc string
	var lastStarted, lastUsed sql.NullTime

	err := row.Scan(&server.ID, &server.ProjectID, &server.Name, &server.Command,
		&argsEnc, &envEnc, &server.TimeoutS, &server.IsEnabled, &server.Transport,
		&server.Status, &lastStarted, &server.LastError, &server.TotalToolCalls,
		&lastUsed, &server.CreatedAt, &server.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", "", ErrNotFound
		}
		return nil, "", "", fmt.Errorf("failed to scan server: %w", err)
	}

	if lastStarted.Valid {
		server.LastStartedAt = &lastStarted.Time
	}
	if lastUsed.Valid {
		server.LastUsedAt = &lastUsed.Time
	}

	return &server, argsEnc, envEnc, nil
}
