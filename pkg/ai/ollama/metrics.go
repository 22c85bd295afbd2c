package ollama

import "github.com/ofisk/loresmith-ai/backend/pkg/ai"

// ResetMetrics clears all accumulated token and timing metrics to zero.
func (e *Embedder) ResetMetrics() {
	e.metricsLock.Lock()
	e.metrics = ai.ModelMetrics{}
	e.metricsLock.Unlock()
}

// GetMetrics returns the accumulated token usage and timing metrics since the last reset.
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
