package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/taxolab/taxo/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "taxo.db"))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	run := store.Run{
		ID:            "run-1",
		StartedAt:     time.Now().UTC().Add(-time.Minute),
		FinishedAt:    time.Now().UTC(),
		Items:         3,
		OracleCalls:   2,
		FinalClusters: 2,
		ReportJSON:    "{}",
	}
	clusters := []store.ClusterRow{
		{ID: "c-001", Label: "shipping", Description: "shipping questions", Size: 2, Status: "finalized", ReviewCount: 1},
		{ID: "c-002", Label: "refunds", Description: "refund requests", Size: 1, Status: "finalized", ReviewCount: 1},
	}
	assignments := []store.Assignment{
		{ItemID: "q-01", Text: "where is my parcel", ClusterID: "c-001"},
		{ItemID: "q-02", Text: "shipment delayed", ClusterID: "c-001"},
		{ItemID: "q-03", Text: "refund me", ClusterID: "c-002"},
	}
	if err := s.SaveRun(context.Background(), run, clusters, assignments); err != nil {
		t.Fatalf("saving test run: %v", err)
	}
	return s
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// callTool invokes a tool through the server's JSON-RPC entry point.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]any) (string, bool) {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	}))

	respBytes := mustMarshal(t, result)
	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, respBytes)
	}
	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Result.Content) == 0 {
		t.Fatal("empty tool result")
	}
	return resp.Result.Content[0].Text, resp.Result.IsError
}

func TestNewServer(t *testing.T) {
	if srv := NewServer(ServerConfig{Store: setupTestStore(t)}); srv == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestRunsTool(t *testing.T) {
	srv := NewServer(ServerConfig{Store: setupTestStore(t)})
	text, isErr := callTool(t, srv, "taxo_runs", map[string]any{})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var runs []store.Run
	if err := json.Unmarshal([]byte(text), &runs); err != nil {
		t.Fatalf("parsing runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestClustersTool(t *testing.T) {
	srv := NewServer(ServerConfig{Store: setupTestStore(t)})
	text, isErr := callTool(t, srv, "taxo_clusters", map[string]any{"run_id": "run-1"})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var clusters []store.ClusterRow
	if err := json.Unmarshal([]byte(text), &clusters); err != nil {
		t.Fatalf("parsing clusters: %v", err)
	}
	if len(clusters) != 2 || clusters[0].Label != "shipping" {
		t.Fatalf("clusters = %+v", clusters)
	}
}

func TestClustersToolUnknownRun(t *testing.T) {
	srv := NewServer(ServerConfig{Store: setupTestStore(t)})
	text, isErr := callTool(t, srv, "taxo_clusters", map[string]any{"run_id": "nope"})
	if !isErr {
		t.Fatalf("expected tool error, got %s", text)
	}
}

func TestClusterTool(t *testing.T) {
	srv := NewServer(ServerConfig{Store: setupTestStore(t)})
	text, isErr := callTool(t, srv, "taxo_cluster", map[string]any{"run_id": "run-1", "cluster_id": "c-001"})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var items []store.Assignment
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		t.Fatalf("parsing items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %+v", items)
	}
}

func TestItemTool(t *testing.T) {
	srv := NewServer(ServerConfig{Store: setupTestStore(t)})
	text, isErr := callTool(t, srv, "taxo_item", map[string]any{"run_id": "run-1", "item_id": "q-03"})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	if !strings.Contains(text, "c-002") {
		t.Fatalf("unexpected assignment: %s", text)
	}

	if text, isErr = callTool(t, srv, "taxo_item", map[string]any{"run_id": "run-1", "item_id": "q-99"}); !isErr {
		t.Fatalf("expected tool error for unknown item, got %s", text)
	}
}

func TestRunsResource(t *testing.T) {
	srv := NewServer(ServerConfig{Store: setupTestStore(t)})
	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "resources/read",
		"params":  map[string]any{"uri": "taxo://runs"},
	}))
	respBytes := mustMarshal(t, result)
	var resp struct {
		Result struct {
			Contents []mcplib.TextResourceContents `json:"contents"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Result.Contents) != 1 || !strings.Contains(resp.Result.Contents[0].Text, "run-1") {
		t.Fatalf("resource contents = %+v", resp.Result.Contents)
	}
}
