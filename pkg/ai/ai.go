package ai

import (
	"context"
	"errors"
	"fmt"
)

// EmbeddingProvider turns text into fixed-length vectors.
//
// Implementations return vectors of exactly Dimensions() floats. Empty or
// whitespace-only input yields a zero vector without a provider round-trip.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// MetricsReporter is implemented by providers that track usage.
type MetricsReporter interface {
	GetMetrics() ModelMetrics
	ResetMetrics()
}

// ModelMetrics contains performance metrics from AI model operations.
type ModelMetrics struct {
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	DurationMs     int64   `json:"duration_ms"`
	Requests       int     `json:"requests"`
	TokenPerSecond float32 `json:"tokens_per_second"`
}

// Add folds m into the receiver and recomputes the throughput.
func (mm *ModelMetrics) Add(m ModelMetrics) {
	mm.InputTokens += m.InputTokens
	mm.OutputTokens += m.OutputTokens
	mm.TotalTokens += m.TotalTokens
	mm.DurationMs += m.DurationMs
	mm.Requests += m.Requests
	if mm.DurationMs > 0 {
		tps := float64(mm.TotalTokens) * 1000.0 / float64(mm.DurationMs)
		mm.TokenPerSecond = float32(int(tps*100+0.5)) / 100
	}
}

// ConfigError reports a provider that cannot work as configured, e.g. a
// missing API key or model name. Retrying does not help.
type ConfigError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s embedding provider misconfigured: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s embedding provider misconfigured: %s", e.Provider, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ValidateDimensions rejects vectors whose length differs from dim.
func ValidateDimensions(vec []float32, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(vec), dim)
	}
	return nil
}

// ValidateBatch applies ValidateDimensions to every vector and checks the count.
func ValidateBatch(vecs [][]float32, want, dim int) error {
	if len(vecs) != want {
		return fmt.Errorf("embedding result size mismatch: got %d want %d", len(vecs), want)
	}
	for i, v := range vecs {
		if err := ValidateDimensions(v, dim); err != nil {
			return fmt.Errorf("embedding %d: %w", i, err)
		}
	}
	return nil
}
