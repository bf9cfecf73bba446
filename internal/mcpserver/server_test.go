package mcpserver

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/munin/internal/index"
	"github.com/starford/munin/internal/rank"
	"github.com/starford/munin/internal/store"
	"github.com/starford/munin/internal/testutil"
)

func testServer(t *testing.T) (*Server, *store.Store, *index.DB) {
	t.Helper()
	st := testutil.TestStore(t)
	db := testutil.TestDB(t)
	ranker := &rank.Ranker{
		DB:              db,
		Weights:         rank.DefaultWeights,
		BudgetThreshold: 3000,
		Sessions:        rank.NewSessionStore(0),
	}
	return New(st, db, ranker), st, db
}

func callTool(t *testing.T, srv *Server, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return res
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type %T", res.Content[0])
	}
	return tc.Text
}

func TestAddBulletAndShow(t *testing.T) {
	srv, st, db := testServer(t)

	res := callTool(t, srv, srv.addBulletTool, map[string]any{
		"slug": "topic", "text": "a useful fact", "kind": "gotcha",
	})
	id := textOf(t, res)
	if !strings.HasPrefix(id, "b-") {
		t.Fatalf("add_bullet returned %q, want a bullet ID", id)
	}
	if _, err := index.ReindexNode(db, st, "topic"); err != nil {
		t.Fatal(err)
	}

	res = callTool(t, srv, srv.showTool, map[string]any{"slug": "topic"})
	out := textOf(t, res)
	if !strings.Contains(out, "a useful fact") || !strings.Contains(out, id) {
		t.Fatalf("show output = %q", out)
	}
}

func TestAddBulletRejectsBadSlug(t *testing.T) {
	srv, _, _ := testServer(t)
	res := callTool(t, srv, srv.addBulletTool, map[string]any{
		"slug": "Bad Slug", "text": "x",
	})
	if !res.IsError {
		t.Fatal("bad slug should yield a tool error")
	}
}

func TestMarkReviewedResetsBudget(t *testing.T) {
	srv, st, db := testServer(t)
	if _, err := st.Add("topic", "x", "fact"); err != nil {
		t.Fatal(err)
	}
	if _, err := index.ReindexNode(db, st, "topic"); err != nil {
		t.Fatal(err)
	}
	if err := db.AddServedChars("topic", 5000); err != nil {
		t.Fatal(err)
	}

	res := callTool(t, srv, srv.markReviewedTool, map[string]any{"slug": "topic"})
	if got := textOf(t, res); got != "ok" {
		t.Fatalf("mark_reviewed = %q, want ok", got)
	}
	served, err := db.ServedBudget("topic")
	if err != nil {
		t.Fatal(err)
	}
	if served != 0 {
		t.Fatalf("served = %v after review, want 0", served)
	}
}

func TestContextToolServesBlock(t *testing.T) {
	srv, st, db := testServer(t)
	if _, err := st.Add("topic", "retrieval engine notes", "fact"); err != nil {
		t.Fatal(err)
	}
	if _, err := index.ReindexNode(db, st, "topic"); err != nil {
		t.Fatal(err)
	}

	res := callTool(t, srv, srv.contextTool, map[string]any{"query": "retrieval"})
	out := textOf(t, res)
	if !strings.Contains(out, "[topic]") {
		t.Fatalf("context output = %q", out)
	}
}

func TestSearchToolMissingQuery(t *testing.T) {
	srv, _, _ := testServer(t)
	res := callTool(t, srv, srv.searchTool, map[string]any{})
	if !res.IsError {
		t.Fatal("missing query should yield a tool error")
	}
}
