package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tsugi/internal/model"
)

func (s *Server) registerResources() {
	// tsugi://runs/{id}/chain: every hop of the chain a run belongs to.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"tsugi://runs/{id}/chain",
			"Run Chain",
			mcplib.WithTemplateDescription("All hops of the continuation chain a run belongs to, oldest first"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunChain,
	)

	// tsugi://threads/{id}/messages: the thread's conversation.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"tsugi://threads/{id}/messages",
			"Thread Messages",
			mcplib.WithTemplateDescription("Messages of a thread in order, including tool results"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleThreadMessages,
	)
}

func (s *Server) handleRunChain(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseResourceID(uri, "tsugi://runs/", "/chain")
	if err != nil {
		return nil, err
	}
	chain, err := s.runs.Chain(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: run chain: %w", err)
	}
	return jsonContents(uri, chain)
}

func (s *Server) handleThreadMessages(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseResourceID(uri, "tsugi://threads/", "/messages")
	if err != nil {
		return nil, err
	}
	msgs, err := s.db.ListMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: thread messages: %w", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return jsonContents(uri, msgs)
}

// parseResourceID extracts the numeric id between prefix and suffix.
func parseResourceID(uri, prefix, suffix string) (int64, error) {
	rest, ok := strings.CutPrefix(uri, prefix)
	if ok {
		rest, ok = strings.CutSuffix(rest, suffix)
	}
	if !ok {
		return 0, fmt.Errorf("mcp: invalid resource URI: %s", uri)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("mcp: invalid id in resource URI: %s", uri)
	}
	return id, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
