package mcpserver

import (
	"errors"
	"fmt"

	"slice-duel/internal/room"

	"github.com/mark3labs/mcp-go/mcp"
)

func toolResult(data any) *mcp.CallToolResult {
	return mcp.NewToolResultStructuredOnly(data)
}

func toolError(code, message string) *mcp.CallToolResult {
	result := mcp.NewToolResultStructured(
		map[string]any{
			"error": map[string]any{
				"code":    code,
				"message": message,
			},
		},
		fmt.Sprintf("%s: %s", code, message),
	)
	result.IsError = true
	return result
}

func mapDomainError(err error) *mcp.CallToolResult {
	switch {
	case err == nil:
		return toolError("internal_error", "unknown error")
	case errors.Is(err, room.ErrSessionNotFound):
		return toolError("session_not_found", err.Error())
	case errors.Is(err, room.ErrInvalidCode):
		return toolError("invalid_code", err.Error())
	case errors.Is(err, room.ErrSessionFull):
		return toolError("session_full", err.Error())
	case errors.Is(err, room.ErrTransport):
		return toolError("store_unavailable", err.Error())
	default:
		return toolError("internal_error", err.Error())
	}
}
