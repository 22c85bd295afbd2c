package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofisk/loresmith-ai/backend/pkg/assembly"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
)

type fakeAssembler struct {
	gotQuery string
	gotOpts  assembly.Options
}

func (f *fakeAssembler) AssembleContext(_ context.Context, query, campaignID string, opts assembly.Options) (assembly.ContextAssembly, error) {
	f.gotQuery = query
	f.gotOpts = opts
	var out assembly.ContextAssembly
	out.Metadata.CampaignID = campaignID
	return out, nil
}

type fakeNeighbors struct {
	gotDepth int
	err      error
}

func (f *fakeNeighbors) GetNeighbors(_ context.Context, _, _ string, q common.NeighborhoodQuery) ([]common.Neighbor, error) {
	f.gotDepth = q.MaxDepth
	if f.err != nil {
		return nil, f.err
	}
	return []common.Neighbor{{EntityID: "n1", RelationshipType: "allied_with", Depth: 1}}, nil
}

type fakePending struct{ gotLimit int }

func (f *fakePending) ListPending(_ context.Context, campaignID string, limit int) ([]common.DeduplicationEntry, error) {
	f.gotLimit = limit
	return []common.DeduplicationEntry{{ID: "d1", CampaignID: campaignID, Status: common.DedupPending}}, nil
}

func connect(t *testing.T, tools *Tools) *gomcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	srv := New(tools)
	serverTransport, clientTransport := gomcp.NewInMemoryTransports()

	_, err := srv.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	client := gomcp.NewClient(&gomcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *gomcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &gomcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*gomcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text, result.IsError
}

func TestAssembleContextTool(t *testing.T) {
	asm := &fakeAssembler{}
	session := connect(t, &Tools{Assembly: asm, Graph: &fakeNeighbors{}, Dedupe: &fakePending{}})

	text, isErr := callTool(t, session, "assemble_context", map[string]any{
		"campaign_id": "c1", "query": "who rules the keep", "top_k": 3, "include_archived": true,
	})
	require.False(t, isErr, text)

	var out assembly.ContextAssembly
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.Equal(t, "c1", out.Metadata.CampaignID)
	assert.Equal(t, "who rules the keep", asm.gotQuery)
	assert.Equal(t, 3, asm.gotOpts.TopK)
	assert.True(t, asm.gotOpts.IncludeArchived)

	_, isErr = callTool(t, session, "assemble_context", map[string]any{"campaign_id": "c1", "query": ""})
	assert.True(t, isErr)
}

func TestGetNeighborsTool(t *testing.T) {
	nb := &fakeNeighbors{}
	session := connect(t, &Tools{Assembly: &fakeAssembler{}, Graph: nb, Dedupe: &fakePending{}})

	text, isErr := callTool(t, session, "get_neighbors", map[string]any{"campaign_id": "c1", "entity_id": "e1"})
	require.False(t, isErr, text)
	assert.Equal(t, 1, nb.gotDepth)

	var neighbors []common.Neighbor
	require.NoError(t, json.Unmarshal([]byte(text), &neighbors))
	require.Len(t, neighbors, 1)
	assert.Equal(t, "n1", neighbors[0].EntityID)

	_, isErr = callTool(t, session, "get_neighbors", map[string]any{"campaign_id": "c1", "entity_id": "e1", "depth": 9})
	assert.True(t, isErr)

	nb.err = errors.New("graph offline")
	text, isErr = callTool(t, session, "get_neighbors", map[string]any{"campaign_id": "c1", "entity_id": "e1", "depth": 2})
	assert.True(t, isErr)
	assert.Contains(t, text, "graph offline")
}

func TestListPendingDuplicatesTool(t *testing.T) {
	pending := &fakePending{}
	session := connect(t, &Tools{Assembly: &fakeAssembler{}, Graph: &fakeNeighbors{}, Dedupe: pending})

	text, isErr := callTool(t, session, "list_pending_duplicates", map[string]any{"campaign_id": "c1"})
	require.False(t, isErr, text)
	assert.Equal(t, 50, pending.gotLimit)
	assert.Contains(t, text, "d1")

	_, isErr = callTool(t, session, "list_pending_duplicates", map[string]any{"campaign_id": ""})
	assert.True(t, isErr)
}
