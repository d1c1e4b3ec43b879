// Package mcpserver exposes read and maintenance tools over the hub's
// sessions to MCP clients.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"slice-duel/internal/room"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type Server struct {
	rooms      *room.Service
	staleAfter time.Duration

	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

func New(rooms *room.Service, staleAfter time.Duration) *Server {
	mcpSrv := server.NewMCPServer(
		"slice-duel-hub",
		"0.1.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithRecovery(),
		server.WithResourceRecovery(),
	)
	s := &Server{
		rooms:      rooms,
		staleAfter: staleAfter,
		mcpServer:  mcpSrv,
		httpServer: server.NewStreamableHTTPServer(mcpSrv, server.WithStateLess(true), server.WithDisableStreaming(true)),
	}
	s.registerSessionTools()
	s.registerResources()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer
}

func (s *Server) registerResources() {
	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"session://{session_id}",
			"session_record",
			mcp.WithTemplateDescription("Current record of one duel session"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			raw := request.Params.URI
			id := strings.TrimPrefix(raw, "session://")
			if id == raw || id == "" {
				return nil, nil
			}
			sess, err := s.rooms.Repository().Get(ctx, id)
			if err != nil {
				if errors.Is(err, room.ErrSessionNotFound) {
					return nil, nil
				}
				return nil, err
			}
			payload, err := json.Marshal(summarize(sess))
			if err != nil {
				return nil, err
			}
			return []mcp.ResourceContents{
				mcp.TextResourceContents{
					URI:      raw,
					MIMEType: "application/json",
					Text:     string(payload),
				},
			}, nil
		},
	)
}
