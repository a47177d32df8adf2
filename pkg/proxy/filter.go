package proxy

import (
	"context"
	"errors"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/conduit-mcp/conduit/pkg/mcp"
	"github.com/conduit-mcp/conduit/pkg/models"
	"github.com/conduit-mcp/conduit/pkg/services"
)

// visibleTools filters a child's discovered tools through the project's
// preferences. A tool with no preference row is enabled.
func (e *Engine) visibleTools(ctx context.Context, projectID, serverID string, discovered []models.DiscoveredTool) ([]models.DiscoveredTool, error) {
	disabled, err := e.prefs.DisabledTools(ctx, projectID, serverID)
	if err != nil {
		return nil, err
	}
	visible := make([]models.DiscoveredTool, 0, len(discovered))
	for _, tool := range discovered {
		if disabled[tool.Name] {
			continue
		}
		visible = append(visible, tool)
	}
	return visible, nil
}

// validateArguments checks tools/call arguments against the tool's stored
// input schema when the project opted in via validate_tool_args. Returns a
// -32602 error on violation. Validation fails open: a missing catalog row,
// an empty schema, or a validator failure never blocks the call.
func (e *Engine) validateArguments(ctx context.Context, projectID, serverID, toolName string, args map[string]any) *mcp.RPCError {
	project, err := e.projects.GetByID(ctx, projectID)
	if err != nil {
		e.logger.Warn("Skipping argument validation, project lookup failed",
			"project_id", projectID, "error", err)
		return nil
	}
	if !project.ValidateToolArgs {
		return nil
	}

	tool, err := e.tools.GetByName(ctx, serverID, toolName)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			e.logger.Warn("Skipping argument validation, tool lookup failed",
				"server_id", serverID, "tool", toolName, "error", err)
		}
		return nil
	}
	if len(tool.InputSchema) == 0 || string(tool.InputSchema) == "null" {
		return nil
	}

	if args == nil {
		args = map[string]any{}
	}
	schemaLoader := gojsonschema.NewBytesLoader(tool.InputSchema)
	documentLoader := gojsonschema.NewGoLoader(args)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		e.logger.Warn("Skipping argument validation, schema did not compile",
			"server_id", serverID, "tool", toolName, "error", err)
		return nil
	}
	if result.Valid() {
		return nil
	}

	messages := make([]string, 0, len(result.Errors()))
	for _, verr := range result.Errors() {
		messages = append(messages, verr.String())
	}
	return &mcp.RPCError{
		Code:    mcp.CodeInvalidParams,
		Message: "Invalid params: arguments do not match tool schema",
		Data:    strings.Join(messages, "; "),
	}
}
