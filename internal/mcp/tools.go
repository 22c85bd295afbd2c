package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ofisk/loresmith-ai/backend/pkg/assembly"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
)

const maxDepth = 5

type ContextAssembler interface {
	AssembleContext(ctx context.Context, query, campaignID string, opts assembly.Options) (assembly.ContextAssembly, error)
}

type NeighborReader interface {
	GetNeighbors(ctx context.Context, campaignID, entityID string, q common.NeighborhoodQuery) ([]common.Neighbor, error)
}

type PendingLister interface {
	ListPending(ctx context.Context, campaignID string, limit int) ([]common.DeduplicationEntry, error)
}

// Tools holds the services the tool handlers call.
type Tools struct {
	Assembly ContextAssembler
	Graph    NeighborReader
	Dedupe   PendingLister
}

type AssembleContextInput struct {
	CampaignID      string   `json:"campaign_id" jsonschema:"Campaign id"`
	Query           string   `json:"query" jsonschema:"Natural-language planning question"`
	TopK            int      `json:"top_k,omitempty" jsonschema:"Maximum number of entities from similarity search"`
	NeighborDepth   int      `json:"neighbor_depth,omitempty" jsonschema:"Relationship hops to expand around each entity"`
	EntityType      string   `json:"entity_type,omitempty" jsonschema:"Restrict similarity search to one entity type"`
	Relationships   []string `json:"relationship_types,omitempty" jsonschema:"Relationship types to follow"`
	IncludeArchived bool     `json:"include_archived,omitempty" jsonschema:"Also fold archived changelog entries into the overlay"`
}

type GetNeighborsInput struct {
	CampaignID    string   `json:"campaign_id" jsonschema:"Campaign id"`
	EntityID      string   `json:"entity_id" jsonschema:"Entity to start from"`
	Depth         int      `json:"depth,omitempty" jsonschema:"Maximum hops, 1 to 5 (default 1)"`
	Relationships []string `json:"relationship_types,omitempty" jsonschema:"Relationship types to follow"`
}

type ListPendingInput struct {
	CampaignID string `json:"campaign_id" jsonschema:"Campaign id"`
	Limit      int    `json:"limit,omitempty" jsonschema:"Maximum entries to return (default 50)"`
}

func (t *Tools) AssembleContext(ctx context.Context, _ *gomcp.CallToolRequest, input AssembleContextInput) (*gomcp.CallToolResult, any, error) {
	if input.CampaignID == "" || input.Query == "" {
		return toolError("campaign_id and query are required"), nil, nil
	}
	result, err := t.Assembly.AssembleContext(ctx, input.Query, input.CampaignID, assembly.Options{
		TopK:              input.TopK,
		NeighborDepth:     input.NeighborDepth,
		EntityType:        input.EntityType,
		RelationshipTypes: input.Relationships,
		IncludeArchived:   input.IncludeArchived,
	})
	if err != nil {
		return toolError("Failed to assemble context: %v", err), nil, nil
	}
	return toolJSON(result)
}

func (t *Tools) GetNeighbors(ctx context.Context, _ *gomcp.CallToolRequest, input GetNeighborsInput) (*gomcp.CallToolResult, any, error) {
	if input.CampaignID == "" || input.EntityID == "" {
		return toolError("campaign_id and entity_id are required"), nil, nil
	}
	depth := input.Depth
	if depth == 0 {
		depth = 1
	}
	if depth < 0 || depth > maxDepth {
		return toolError("depth must be between 1 and %d", maxDepth), nil, nil
	}
	neighbors, err := t.Graph.GetNeighbors(ctx, input.CampaignID, input.EntityID, common.NeighborhoodQuery{
		MaxDepth:          depth,
		RelationshipTypes: input.Relationships,
	})
	if err != nil {
		return toolError("Failed to load neighbors: %v", err), nil, nil
	}
	return toolJSON(neighbors)
}

func (t *Tools) ListPendingDuplicates(ctx context.Context, _ *gomcp.CallToolRequest, input ListPendingInput) (*gomcp.CallToolResult, any, error) {
	if input.CampaignID == "" {
		return toolError("campaign_id is required"), nil, nil
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}
	entries, err := t.Dedupe.ListPending(ctx, input.CampaignID, limit)
	if err != nil {
		return toolError("Failed to list pending duplicates: %v", err), nil, nil
	}
	return toolJSON(entries)
}

func toolError(format string, args ...any) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func toolJSON(v any) (*gomcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("Failed to marshal result: %v", err), nil, nil
	}
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: string(data)}},
	}, nil, nil
}
