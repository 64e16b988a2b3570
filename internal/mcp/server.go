// Package mcp exposes persisted refinement runs over the Model Context
// Protocol: list runs, browse a run's clusters, inspect one cluster's
// items, and look up where an item landed. All tools are read-only views
// over the store; refinement itself only runs through the CLI.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/taxolab/taxo/internal/store"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store   *store.Store
	Version string
}

// NewServer creates the MCP server with all taxo tools registered.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Taxo",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerRunsTool(s, cfg.Store)
	registerClustersTool(s, cfg.Store)
	registerClusterTool(s, cfg.Store)
	registerItemTool(s, cfg.Store)
	registerRunsResource(s, cfg.Store)

	return s
}

func registerRunsTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("taxo_runs",
		mcp.WithDescription("List saved refinement runs, newest first, with item and cluster counts."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runs, err := st.ListRuns(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing runs: %v", err)), nil
		}
		data, _ := json.MarshalIndent(runs, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerClustersTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("taxo_clusters",
		mcp.WithDescription("List the clusters of one run, including dissolved intermediates, with label, size, depth, status, and review count."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run id, as shown by taxo_runs"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcp.NewToolResultError("run_id is required"), nil
		}
		clusters, err := st.ListClusters(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing clusters: %v", err)), nil
		}
		if len(clusters) == 0 {
			return mcp.NewToolResultError(fmt.Sprintf("no clusters for run %q", runID)), nil
		}
		data, _ := json.MarshalIndent(clusters, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerClusterTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("taxo_cluster",
		mcp.WithDescription("Show one cluster of a run with every item assigned to it."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run id, as shown by taxo_runs"),
		),
		mcp.WithString("cluster_id",
			mcp.Required(),
			mcp.Description("Cluster id within the run, e.g. c-003"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcp.NewToolResultError("run_id is required"), nil
		}
		clusterID, err := req.RequireString("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}

		items, err := st.ClusterItems(ctx, runID, clusterID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing cluster items: %v", err)), nil
		}
		data, _ := json.MarshalIndent(items, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerItemTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("taxo_item",
		mcp.WithDescription("Look up which cluster an item ended up in for one run."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run id, as shown by taxo_runs"),
		),
		mcp.WithString("item_id",
			mcp.Required(),
			mcp.Description("Item id from the input dataset"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcp.NewToolResultError("run_id is required"), nil
		}
		itemID, err := req.RequireString("item_id")
		if err != nil {
			return mcp.NewToolResultError("item_id is required"), nil
		}

		assignment, err := st.FindItem(ctx, runID, itemID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("finding item: %v", err)), nil
		}
		data, _ := json.MarshalIndent(assignment, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerRunsResource(s *server.MCPServer, st *store.Store) {
	resource := mcp.NewResource(
		"taxo://runs",
		"Refinement Runs",
		mcp.WithResourceDescription("All saved refinement runs with their headline numbers."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := st.ListRuns(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing runs resource: %w", err)
		}
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding runs resource: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "taxo://runs",
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}
