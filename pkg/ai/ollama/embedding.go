package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/ofisk/loresmith-ai/backend/pkg/ai"

	"github.com/ollama/ollama/api"
)

// Embed creates a vector embedding for the given text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

// EmbedBatch sends all non-blank inputs in a single embed request. The
// response must hold exactly one vector of Dimensions() floats per input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	idxMap := make([]int, 0, len(texts))
	inputs := make([]string, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			out[i] = make([]float32, e.dim)
			continue
		}
		idxMap = append(idxMap, i)
		inputs = append(inputs, t)
	}
	if len(inputs) == 0 {
		return out, nil
	}
	if e.model == "" {
		return nil, &ai.ConfigError{Provider: "ollama", Reason: "no embedding model configured"}
	}

	rCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.reqLock.Acquire(rCtx, 1); err != nil {
		return nil, err
	}
	defer e.reqLock.Release(1)

	res, err := e.Client.Embed(rCtx, &api.EmbedRequest{
		Model: e.model,
		Input: inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}

	e.modifyMetrics(ai.ModelMetrics{
		InputTokens: res.PromptEvalCount,
		TotalTokens: res.PromptEvalCount,
		DurationMs:  res.TotalDuration.Milliseconds(),
		Requests:    1,
	})

	if err := ai.ValidateBatch(res.Embeddings, len(inputs), e.dim); err != nil {
		return nil, err
	}
	for i, vec := range res.Embeddings {
		out[idxMap[i]] = vec
	}
	return out, nil
}
