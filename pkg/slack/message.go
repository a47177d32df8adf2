package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/conduit-mcp/conduit/pkg/models"
)

const maxBlockTextLength = 2900

func serverURL(server *models.McpServer, dashboardURL string) string {
	return fmt.Sprintf("%s/projects/%s/servers/%s", dashboardURL, server.ProjectID, server.ID)
}

// BuildServerFailedMessage creates Block Kit blocks for a server failure
// notification posted when the scheduler marks a server error.
func BuildServerFailedMessage(server *models.McpServer, errMsg, dashboardURL string) []goslack.Block {
	headerText := fmt.Sprintf(":red_circle: *MCP server failed: %s*", server.Name)
	if errMsg != "" {
		headerText += fmt.Sprintf("\n\n*Error:*\n%s", truncateForSlack(errMsg))
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
	}

	btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, "View Server", false, false))
	btn.URL = serverURL(server, dashboardURL)
	blocks = append(blocks, goslack.NewActionBlock("", btn))

	return blocks
}

// BuildServerRecoveredMessage creates Block Kit blocks for a recovery
// notification posted when a failed server turns healthy again.
func BuildServerRecoveredMessage(server *models.McpServer, dashboardURL string) []goslack.Block {
	text := fmt.Sprintf(":large_green_circle: *MCP server recovered: %s*\n<%s|View Server>",
		server.Name, serverURL(server, dashboardURL))

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated, view details in dashboard)_"
}
