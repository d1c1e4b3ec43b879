package mcpserver

import (
	"context"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerSessionTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_sessions",
			mcp.WithDescription("List duel sessions, newest first"),
			mcp.WithString("state", mcp.Description("waiting|countdown|playing|finished")),
			mcp.WithNumber("limit", mcp.Description("Max sessions to return")),
		),
		s.handleListSessions,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_session",
			mcp.WithDescription("Get one session by id"),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		),
		s.handleGetSession,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"find_session_by_code",
			mcp.WithDescription("Resolve a join code to the waiting session it names"),
			mcp.WithString("code", mcp.Required(), mcp.Description("Four character join code")),
		),
		s.handleFindSessionByCode,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"sweep_stale",
			mcp.WithDescription("Delete abandoned waiting sessions, old finished sessions and orphaned signaling"),
			mcp.WithNumber("older_than_seconds", mcp.Description("Age threshold; defaults to the hub setting")),
		),
		s.handleSweepStale,
	)
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state := request.GetString("state", "")
	if !isAllowedState(state) {
		return toolError("invalid_request", "unknown state "+state), nil
	}
	limit := clampLimit(request.GetInt("limit", defaultPageLimit))

	sessions, malformed, err := s.rooms.Repository().List(ctx)
	if err != nil {
		return mapDomainError(err), nil
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt == sessions[j].CreatedAt {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].CreatedAt > sessions[j].CreatedAt
	})
	items := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		if state != "" && string(sess.State) != state {
			continue
		}
		if len(items) == limit {
			break
		}
		items = append(items, summarize(sess))
	}
	return toolResult(map[string]any{
		"items":     items,
		"malformed": len(malformed),
	}), nil
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return toolError("invalid_request", err.Error()), nil
	}
	sess, err := s.rooms.Repository().Get(ctx, id)
	if err != nil {
		return mapDomainError(err), nil
	}
	return toolResult(summarize(sess)), nil
}

func (s *Server) handleFindSessionByCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return toolError("invalid_request", err.Error()), nil
	}
	sess, err := s.rooms.FindByCode(ctx, code)
	if err != nil {
		return mapDomainError(err), nil
	}
	return toolResult(summarize(sess)), nil
}

func (s *Server) handleSweepStale(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	olderThan := s.staleAfter
	if secs := request.GetFloat("older_than_seconds", 0); secs > 0 {
		olderThan = time.Duration(secs * float64(time.Second))
	}
	removed, err := s.rooms.SweepStale(ctx, olderThan)
	if err != nil {
		return mapDomainError(err), nil
	}
	return toolResult(map[string]any{
		"removed":            removed,
		"older_than_seconds": olderThan.Seconds(),
	}), nil
}
