package ollama

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ofisk/loresmith-ai/backend/pkg/ai"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"
)

const (
	defaultDimensions    = 768
	defaultMaxConcurrent = 2
	defaultTimeout       = 2 * time.Minute
)

// Embedder implements ai.EmbeddingProvider using a locally hosted or
// proxied Ollama server.
type Embedder struct {
	model   string
	dim     int
	timeout time.Duration

	reqLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	Client *api.Client
}

// NewEmbedderParams contains configuration options for creating a new Embedder.
type NewEmbedderParams struct {
	Model      string
	Dimensions int

	BaseURL string
	ApiKey  string

	MaxConcurrentRequests int64
	Timeout               time.Duration
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewEmbedder connects to the Ollama server at BaseURL, or the client
// default when empty. An unparsable BaseURL is reported as *ai.ConfigError.
func NewEmbedder(params NewEmbedderParams) (*Embedder, error) {
	var u *url.URL
	if params.BaseURL != "" {
		parsed, err := url.Parse(params.BaseURL)
		if err != nil {
			return nil, &ai.ConfigError{Provider: "ollama", Reason: "invalid base url", Err: err}
		}
		u = parsed
	}

	transport := http.DefaultTransport
	if params.ApiKey != "" {
		transport = &headerTransport{
			headers: map[string]string{"Authorization": "Bearer " + params.ApiKey},
			rt:      http.DefaultTransport,
		}
	}
	httpClient := &http.Client{Transport: transport}

	dim := params.Dimensions
	if dim <= 0 {
		dim = defaultDimensions
	}
	maxConcurrent := params.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var cli *api.Client
	if u != nil {
		cli = api.NewClient(u, httpClient)
	} else {
		env, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, &ai.ConfigError{Provider: "ollama", Reason: "no server address", Err: err}
		}
		cli = env
	}

	return &Embedder{
		model:   params.Model,
		dim:     dim,
		timeout: timeout,
		reqLock: semaphore.NewWeighted(maxConcurrent),
		Client:  cli,
	}, nil
}

func (e *Embedder) Dimensions() int { return e.dim }
