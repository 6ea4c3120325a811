package mcpserver

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spicemcp/spice/engine/audit"
)

const (
	historyPrefix  = "spice:history/tail/"
	artifactPrefix = "spice:artifact/"
)

func (s *Server) registerResources() {
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(historyPrefix+"{n}", "Query History Tail",
			mcp.WithTemplateDescription("Last N audit records (1-1000) as JSON lines"),
			mcp.WithTemplateMIMEType("application/x-ndjson"),
		),
		s.readHistory,
	)
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(artifactPrefix+"{sha}", "SQL Artifact",
			mcp.WithTemplateDescription("SQL text stored under its SHA-256 digest"),
			mcp.WithTemplateMIMEType("application/sql"),
		),
		s.readArtifact,
	)
}

// HistoryTail renders the last n audit records as newline separated JSON.
// A disabled history yields an empty document.
func (t *Tools) HistoryTail(ctx context.Context, n int) (string, error) {
	if t.deps.Audit == nil {
		return "", nil
	}
	lines, err := t.deps.Audit.Tail(ctx, n)
	if err != nil {
		if errors.Is(err, audit.ErrHistoryDisabled) {
			return "", nil
		}
		return "", err
	}
	var b strings.Builder
	for _, line := range lines {
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (s *Server) readHistory(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(req.Params.URI, historyPrefix))
	if err != nil {
		n = audit.DefaultTail
	}
	text, err := s.tools.HistoryTail(ctx, n)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/x-ndjson", Text: text},
	}, nil
}

func (s *Server) readArtifact(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.deps.Audit == nil {
		return nil, audit.ErrArtifactNotFound
	}
	sql, err := s.deps.Audit.Artifact(ctx, strings.TrimPrefix(req.Params.URI, artifactPrefix))
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/sql", Text: sql},
	}, nil
}
