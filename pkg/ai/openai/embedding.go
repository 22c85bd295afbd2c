package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ofisk/loresmith-ai/backend/pkg/ai"

	"github.com/openai/openai-go/v3"
)

// Embed creates a vector embedding for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

// EmbedBatch creates embeddings for multiple inputs in one request. Blank
// inputs get zero vectors and are not sent.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	idxMap, stringsIn, out := normalizeEmbeddingInputs(texts, e.dim)
	if len(stringsIn) == 0 {
		return out, nil
	}
	if err := e.checkConfig(); err != nil {
		return nil, err
	}

	stringsOut, err := e.generateEmbeddingsForStrings(ctx, stringsIn)
	if err != nil {
		return nil, err
	}
	if err := ai.ValidateBatch(stringsOut, len(stringsIn), e.dim); err != nil {
		return nil, err
	}
	for i := range stringsOut {
		out[idxMap[i]] = stringsOut[i]
	}
	return out, nil
}

func normalizeEmbeddingInputs(inputs []string, dim int) (idxMap []int, stringsIn []string, out [][]float32) {
	idxMap = make([]int, 0, len(inputs))
	stringsIn = make([]string, 0, len(inputs))
	out = make([][]float32, len(inputs))
	for i, in := range inputs {
		if strings.TrimSpace(in) == "" {
			out[i] = make([]float32, dim)
			continue
		}
		idxMap = append(idxMap, i)
		stringsIn = append(stringsIn, in)
	}
	return idxMap, stringsIn, out
}

func (e *Embedder) generateEmbeddingsForStrings(ctx context.Context, inputs []string) ([][]float32, error) {
	rCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.requestDimensions {
		body.Dimensions = openai.Int(int64(e.dim))
	}

	if err := e.embeddingLock.Acquire(rCtx, 1); err != nil {
		return nil, err
	}
	defer e.embeddingLock.Release(1)

	start := time.Now()
	response, err := e.client.Embeddings.New(rCtx, body)
	if err != nil {
		return nil, err
	}

	e.modifyMetrics(ai.ModelMetrics{
		InputTokens: int(response.Usage.PromptTokens),
		TotalTokens: int(response.Usage.TotalTokens),
		DurationMs:  time.Since(start).Milliseconds(),
		Requests:    1,
	})

	if len(response.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding response size mismatch: got %d want %d", len(response.Data), len(inputs))
	}

	out := make([][]float32, len(inputs))
	for _, embedding := range response.Data {
		dataIdx := int(embedding.Index)
		if dataIdx < 0 || dataIdx >= len(inputs) {
			return nil, fmt.Errorf("embedding index out of range: %d", embedding.Index)
		}
		vec := make([]float32, len(embedding.Embedding))
		for i, v := range embedding.Embedding {
			vec[i] = float32(v)
		}
		out[dataIdx] = vec
	}
	for i := range out {
		if out[i] == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	return out, nil
}
