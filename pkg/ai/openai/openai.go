package openai

import (
	"sync"
	"time"

	"github.com/ofisk/loresmith-ai/backend/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
)

const (
	defaultDimensions    = 1536
	defaultMaxConcurrent = 4
	defaultTimeout       = time.Minute
)

// Embedder implements ai.EmbeddingProvider against the OpenAI embeddings
// API or any compatible endpoint.
//
// An Embedder should be created using NewEmbedder. A missing API key or
// model does not fail construction; it surfaces as an *ai.ConfigError on
// the first call so that callers can decide how to degrade.
type Embedder struct {
	model             string
	dim               int
	requestDimensions bool
	timeout           time.Duration

	embeddingLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	client *openai.Client
}

// NewEmbedderParams configures NewEmbedder.
//
// RequestDimensions asks the API to shorten vectors to Dimensions, which
// text-embedding-3 models support. Without it the model must natively
// return Dimensions floats.
type NewEmbedderParams struct {
	Model             string
	BaseURL           string
	APIKey            string
	Dimensions        int
	RequestDimensions bool
	MaxConcurrent     int64
	Timeout           time.Duration
}

func NewEmbedder(params NewEmbedderParams) *Embedder {
	dim := params.Dimensions
	if dim <= 0 {
		dim = defaultDimensions
	}
	maxConcurrent := params.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Embedder{
		model:             params.Model,
		dim:               dim,
		requestDimensions: params.RequestDimensions,
		timeout:           timeout,
		embeddingLock:     semaphore.NewWeighted(maxConcurrent),
		client:            newOpenaiClient(params.BaseURL, params.APIKey),
	}
}

func newOpenaiClient(baseURL string, apiKey string) *openai.Client {
	if apiKey == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(options...)
	return &client
}

func (e *Embedder) Dimensions() int { return e.dim }

func (e *Embedder) ResetMetrics() {
	e.metricsLock.Lock()
	e.metrics = ai.ModelMetrics{}
	e.metricsLock.Unlock()
}

func (e *Embedder) GetMetrics() ai.ModelMetrics {
	e.metricsLock.Lock()
	defer e.metricsLock.Unlock()
	return e.metrics
}

func (e *Embedder) modifyMetrics(m ai.ModelMetrics) {
	e.metricsLock.Lock()
	defer e.metricsLock.Unlock()
	e.metrics.Add(m)
}

func (e *Embedder) checkConfig() error {
	if e.client == nil {
		return &ai.ConfigError{Provider: "openai", Reason: "no API key configured"}
	}
	if e.model == "" {
		return &ai.ConfigError{Provider: "openai", Reason: "no embedding model configured"}
	}
	return nil
}
