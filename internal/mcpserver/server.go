// Package mcpserver exposes the munin tools to LLM clients via the MCP
// stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/munin/internal/index"
	"github.com/starford/munin/internal/models"
	"github.com/starford/munin/internal/rank"
	"github.com/starford/munin/internal/store"
)

// Server wraps the MCP server with the munin tool surface.
type Server struct {
	mcp    *server.MCPServer
	store  *store.Store
	db     *index.DB
	ranker *rank.Ranker
}

// New creates an MCP server with all tools registered.
func New(st *store.Store, db *index.DB, ranker *rank.Ranker) *Server {
	s := &Server{store: st, db: db, ranker: ranker}

	s.mcp = server.NewMCPServer(
		"Munin",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s.mcp.AddTool(mcp.NewTool("context",
		mcp.WithDescription("Retrieve a ranked, deduplicated context block for a query. "+
			"Pass session_id to suppress bullets already served to this session."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Free-text query")),
		mcp.WithString("session_id", mcp.Description("Optional session identifier for dedup/boost")),
	), s.contextTool)

	s.mcp.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Hybrid keyword+vector search over bullets. Returns ranked hits."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of hits (default 20)")),
	), s.searchTool)

	s.mcp.AddTool(mcp.NewTool("show",
		mcp.WithDescription("Show a node: all live bullets with IDs, votes, and backlinks."),
		mcp.WithString("slug", mcp.Required(), mcp.Description("Node slug")),
	), s.showTool)

	s.mcp.AddTool(mcp.NewTool("add_bullet",
		mcp.WithDescription("Append an atomic fact to a node. The node is created on first add. "+
			"Reference other nodes with [[slug]] in the text."),
		mcp.WithString("slug", mcp.Required(), mcp.Description("Node slug (lowercase, digits, dashes)")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Bullet text")),
		mcp.WithString("kind", mcp.Description("fact | gotcha | decision | task | note | success | failure")),
	), s.addBulletTool)

	s.mcp.AddTool(mcp.NewTool("mark_reviewed",
		mcp.WithDescription("Mark a node reviewed, resetting its served-budget counter."),
		mcp.WithString("slug", mcp.Required(), mcp.Description("Node slug")),
	), s.markReviewedTool)

	return s
}

// intArg reads a numeric tool argument (JSON numbers arrive as float64).
func intArg(req mcp.CallToolRequest, key string, def int) int {
	if v, ok := req.GetArguments()[key].(float64); ok {
		return int(v)
	}
	return def
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) contextTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sessionID := req.GetString("session_id", "")
	res, err := s.ranker.Context(ctx, rank.ContextOptions{Query: query, SessionID: sessionID})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	block := res.Block
	if res.Status.Partial {
		block += "\n\n(partial: " + strings.Join(res.Status.Notes, "; ") + ")"
	}
	if block == "" {
		block = "no matching context"
	}
	return mcp.NewToolResultText(block), nil
}

func (s *Server) searchTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := intArg(req, "limit", 20)
	hits, _, err := s.ranker.Search(ctx, query, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	type hit struct {
		BulletID string  `json:"bullet_id"`
		Slug     string  `json:"slug"`
		Text     string  `json:"text"`
		Score    float64 `json:"score"`
	}
	out := make([]hit, len(hits))
	for i, h := range hits {
		out[i] = hit{BulletID: h.BulletID, Slug: h.Slug, Text: h.Text, Score: h.Score}
	}
	raw, _ := json.MarshalIndent(out, "", "  ")
	return mcp.NewToolResultText(string(raw)), nil
}

func (s *Server) showTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slug, err := req.RequireString("slug")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	node, err := s.store.Load(slug)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", slug)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", node.Slug, node.Title())
	for _, bl := range node.Live() {
		fmt.Fprintf(&b, "- (%s) %s ←%s", bl.Kind, bl.Text, bl.ID)
		if bl.Useful > 0 || bl.Harmful > 0 {
			fmt.Fprintf(&b, " [+%d/-%d]", bl.Useful, bl.Harmful)
		}
		b.WriteString("\n")
	}
	if back, err := s.db.Backlinks(slug); err == nil && len(back) > 0 {
		fmt.Fprintf(&b, "↩ Linked from: %s\n", strings.Join(back, ", "))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) addBulletTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slug, err := req.RequireString("slug")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind := models.Kind(req.GetString("kind", string(models.KindFact)))
	id, err := s.store.Add(slug, text, kind)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(id), nil
}

func (s *Server) markReviewedTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slug, err := req.RequireString("slug")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.store.MarkReviewed(slug); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	// The reviewed record clears the counter at the next reindex; reset
	// eagerly so status is immediately consistent.
	if err := s.db.ResetBudget(slug); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("ok"), nil
}
