package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mbocsi/relaychat/app"
	"github.com/mbocsi/relaychat/proto"
)

const defaultHistoryLimit = 20

// Backend is the part of the application the MCP tools drive.
type Backend interface {
	Send(ctx context.Context, content string) (proto.Message, error)
	History(limit int) []proto.Message
	Status() app.StatusInfo
}

type MCPServer struct {
	Server  *server.MCPServer
	backend Backend
}

func NewMCPServer(backend Backend, version string) *MCPServer {
	s := &MCPServer{
		Server:  server.NewMCPServer("relaychat", version, server.WithToolCapabilities(false)),
		backend: backend,
	}
	s.registerTools()
	return s
}

func (s *MCPServer) registerTools() {
	sendTool := mcp.NewTool("send_message",
		mcp.WithDescription("Send a text message to every other device on the chat channel"),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Message text"),
		),
	)
	s.Server.AddTool(sendTool, s.handleSendMessage)

	historyTool := mcp.NewTool("message_history",
		mcp.WithDescription("List recent chat messages, newest first"),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of messages to return"),
		),
	)
	s.Server.AddTool(historyTool, s.handleMessageHistory)

	statusTool := mcp.NewTool("connection_status",
		mcp.WithDescription("Get the broker connection status of this device"),
	)
	s.Server.AddTool(statusTool, s.handleConnectionStatus)
}

// Run serves MCP over stdio until ctx is done or the input closes.
func (s *MCPServer) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	slog.Info("Started stdio MCP server")
	defer slog.Info("Shut down stdio MCP server")
	return server.NewStdioServer(s.Server).Listen(ctx, in, out)
}

func (s *MCPServer) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("content is required and must be a string"), nil
	}

	msg, err := s.backend.Send(ctx, content)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
	}
	return jsonResult(msg)
}

func (s *MCPServer) handleMessageHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", defaultHistoryLimit)
	if limit < 0 {
		return mcp.NewToolResultError("limit must not be negative"), nil
	}

	messages := s.backend.History(limit)
	return jsonResult(map[string]any{
		"messages": messages,
		"count":    len(messages),
	})
}

func (s *MCPServer) handleConnectionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.backend.Status())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
