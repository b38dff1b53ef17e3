// Package mcp exposes doodle-forge generation as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"doodle-forge/backend/internal/auth"
	"doodle-forge/backend/internal/pipeline"
	"doodle-forge/backend/pkg/models"
)

// Generator runs generation submissions.
type Generator interface {
	Run(ctx context.Context, sub pipeline.Submission) (*pipeline.Result, error)
	Catalog() *pipeline.Catalog
}

// Credits reads a caller's account.
type Credits interface {
	Balance(ctx context.Context, userID string) (*models.CreditAccount, error)
}

type Server struct {
	mcpServer *server.MCPServer
	generator Generator
	verifier  pipeline.Verifier
	credits   Credits
}

func NewServer(generator Generator, verifier pipeline.Verifier, credits Credits, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Doodle Forge",
			version,
			server.WithToolCapabilities(true),
		),
		generator: generator,
		verifier:  verifier,
		credits:   credits,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_flows",
			mcp.WithDescription("List the flows and recipes that can be requested, with their credit cost"),
		),
		s.handleListFlows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"generate",
			mcp.WithDescription("Run a metered, moderated generation request"),
			mcp.WithString("token", mcp.Description("Bearer token of the caller; defaults to the connection's token")),
			mcp.WithString("recipe", mcp.Description("Name of a recipe, e.g. avatar")),
			mcp.WithArray("stages", mcp.WithStringItems(), mcp.Description("Explicit flow names; wins over recipe")),
			mcp.WithString("payload", mcp.Required(), mcp.Description("JSON object passed to the first stage")),
		),
		s.handleGenerate,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"credits",
			mcp.WithDescription("Show the caller's credit balance"),
			mcp.WithString("token", mcp.Description("Bearer token of the caller; defaults to the connection's token")),
		),
		s.handleCredits,
	)
}

func (s *Server) handleListFlows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jsonBytes, _ := json.Marshal(s.generator.Catalog().Describe())
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGenerate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	payload, ok := args["payload"].(string)
	if !ok || payload == "" {
		return mcp.NewToolResultError("Missing required parameter: payload"), nil
	}
	recipe, _ := args["recipe"].(string)

	var stages []string
	if raw, ok := args["stages"].([]interface{}); ok {
		for _, v := range raw {
			name, ok := v.(string)
			if !ok {
				return mcp.NewToolResultError("stages must be a list of flow names"), nil
			}
			stages = append(stages, name)
		}
	}

	result, err := s.generator.Run(ctx, pipeline.Submission{
		Token:   tokenFrom(ctx, args),
		Recipe:  recipe,
		Stages:  stages,
		Payload: json.RawMessage(payload),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to generate: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(result.Response())
	if result.Status != models.StatusSucceeded {
		return mcp.NewToolResultError(string(jsonBytes)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleCredits(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})

	session, err := s.verifier.Verify(ctx, tokenFrom(ctx, args))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return mcp.NewToolResultError("Unauthorized"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to verify token: %v", err)), nil
	}

	account, err := s.credits.Balance(ctx, session.UID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read credits: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(account)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

type tokenContextKey struct{}

// tokenFrom prefers an explicit token argument over the connection's token.
func tokenFrom(ctx context.Context, args map[string]interface{}) string {
	if token, ok := args["token"].(string); ok && token != "" {
		return token
	}
	token, _ := ctx.Value(tokenContextKey{}).(string)
	return token
}

// withRequestToken carries the bearer token of the HTTP request that opened
// or posted to the MCP session into tool calls.
func withRequestToken(ctx context.Context, r *http.Request) context.Context {
	if token := auth.TokenFromRequest(r); token != "" {
		return context.WithValue(ctx, tokenContextKey{}, token)
	}
	return ctx
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(withRequestToken),
	)

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
