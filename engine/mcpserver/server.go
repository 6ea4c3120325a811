package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spicemcp/spice/engine/core"
	"github.com/spicemcp/spice/pkg/logger"
	"github.com/spicemcp/spice/pkg/version"
)

const (
	serverName   = "spice"
	instructions = "Query Dune Analytics. Use dune_query with a query id, dune.com URL or SQL; " +
		"long running queries return an execution_id that can be resumed with format=poll."
)

// Server exposes the tools over MCP.
type Server struct {
	mcp   *server.MCPServer
	tools *Tools
	deps  *Deps
	log   logger.Logger
	newID func() string
}

// New registers every tool and resource on a fresh MCP server.
func New(ctx context.Context, deps *Deps) *Server {
	s := &Server{
		tools: NewTools(deps),
		deps:  deps,
		log:   logger.FromContext(ctx),
		newID: uuid.NewString,
	}
	s.mcp = server.NewMCPServer(
		serverName,
		version.Get().Version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithInstructions(instructions),
		server.WithRecovery(),
	)
	s.mcp.AddTool(queryTool(), s.handle(ToolQuery, s.callQuery))
	s.mcp.AddTool(queryInfoTool(), s.handle(ToolQueryInfo, s.callQueryInfo))
	s.mcp.AddTool(healthTool(), s.handle(ToolHealth, s.callHealth))
	s.registerResources()
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// Tools returns the transport independent tool set.
func (s *Server) Tools() *Tools {
	return s.tools
}

func queryTool() mcp.Tool {
	return mcp.NewTool(ToolQuery,
		mcp.WithDescription("Execute a Dune query (numeric id, dune.com URL or raw SQL) and return an agent-sized view. "+
			"Results are reused from cache or the latest execution unless refresh is set."),
		mcp.WithTitleAnnotation("Run Dune Query"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(true),
		mcp.WithString("query", mcp.Description("Query id, dune.com/queries URL or SQL text")),
		mcp.WithString("execution_id", mcp.Description("Resume a previous execution instead of starting one")),
		mcp.WithObject("parameters", mcp.Description("Query parameters by name")),
		mcp.WithBoolean("refresh", mcp.Description("Force a new execution"), mcp.DefaultBool(false)),
		mcp.WithNumber("max_age", mcp.Description("Maximum age in seconds of reused results"), mcp.Min(0)),
		mcp.WithNumber("limit", mcp.Description("Rows to return (preview defaults to 10, raw to 100)"), mcp.Min(0)),
		mcp.WithNumber("offset", mcp.Description("Row offset; use next_offset from a previous page"), mcp.Min(0)),
		mcp.WithNumber("sample_count", mcp.Description("Uniformly sample this many rows"), mcp.Min(0)),
		mcp.WithString("sort_by", mcp.Description("Sort expression, e.g. \"block_time desc\"")),
		mcp.WithArray("columns",
			mcp.Description("Columns to keep"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("filters", mcp.Description("Row filter expression evaluated by Dune")),
		mcp.WithString("format",
			mcp.Description("Result view"),
			mcp.Enum("preview", "raw", "metadata", "poll"),
			mcp.DefaultString("preview"),
		),
		mcp.WithString("performance", mcp.Description("Execution tier"), mcp.Enum("medium", "large")),
		mcp.WithNumber("timeout_seconds", mcp.Description("How long to wait before returning a resumable execution"),
			mcp.Min(0)),
	)
}

func queryInfoTool() mcp.Tool {
	return mcp.NewTool(ToolQueryInfo,
		mcp.WithDescription("Fetch saved Dune query metadata (name, parameters, tags, SQL)."),
		mcp.WithTitleAnnotation("Query Info"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("query", mcp.Required(), mcp.Description("Query id or dune.com/queries URL")),
	)
}

func healthTool() mcp.Tool {
	return mcp.NewTool(ToolHealth,
		mcp.WithDescription("Report API key presence, history logging, cache backend and template query health."),
		mcp.WithTitleAnnotation("Health Check"),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

type toolFunc func(ctx context.Context, args map[string]any) (result any, details map[string]any, err error)

// handle attaches a request id and logger to every call and maps errors into the failure envelope.
func (s *Server) handle(name string, fn toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		reqID := s.newID()
		log := s.log.With("tool", name, "request_id", reqID)
		ctx = logger.ContextWithLogger(core.ContextWithRequestID(ctx, reqID), log)
		started := time.Now()
		result, details, err := fn(ctx, req.GetArguments())
		if err != nil {
			if details == nil {
				details = map[string]any{"tool": name}
			}
			details["request_id"] = reqID
			failure := NewFailure(err, details)
			log.Warn("Tool call failed", "code", failure.Error.Code, "error", err, "duration", time.Since(started))
			return toolResult(failure, true)
		}
		log.Debug("Tool call completed", "duration", time.Since(started))
		return toolResult(result, false)
	}
}

func toolResult(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	res := mcp.NewToolResultText(string(data))
	res.IsError = isError
	return res, nil
}

func (s *Server) callQuery(ctx context.Context, raw map[string]any) (any, map[string]any, error) {
	var args QueryArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, nil, err
	}
	res, err := s.tools.Query(ctx, &args)
	if err != nil {
		return nil, args.Context(), err
	}
	return res, nil, nil
}

func (s *Server) callQueryInfo(ctx context.Context, raw map[string]any) (any, map[string]any, error) {
	var args InfoArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, nil, err
	}
	res, err := s.tools.QueryInfo(ctx, &args)
	if err != nil {
		return nil, map[string]any{"tool": ToolQueryInfo, "query": args.Query}, err
	}
	return res, nil, nil
}

func (s *Server) callHealth(ctx context.Context, _ map[string]any) (any, map[string]any, error) {
	return s.tools.Health(ctx), nil, nil
}

// ServeStdio speaks MCP over in/out until ctx is canceled or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetContextFunc(func(ctx context.Context) context.Context {
		return logger.ContextWithLogger(ctx, s.log)
	})
	s.log.Info("Serving MCP over stdio", "version", version.Get().Version)
	if err := stdio.Listen(ctx, in, out); err != nil &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("stdio transport: %w", err)
	}
	return nil
}
