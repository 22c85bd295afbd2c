package config

import (
	"fmt"
	"slices"
)

// Validate checks the cross-field rules the struct tags cannot express.
// Load calls it automatically.
func (c *Config) Validate() error {
	if err := c.Dedupe.validate(); err != nil {
		return fmt.Errorf("dedupe: %w", err)
	}
	if err := c.Rebuild.validate(); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	if err := c.Assembly.validate(); err != nil {
		return fmt.Errorf("assembly: %w", err)
	}
	if !slices.Contains([]string{"openai", "ollama"}, c.AI.Adapter) {
		return fmt.Errorf("ai.adapter must be openai or ollama (got %q)", c.AI.Adapter)
	}
	if c.AI.Dimensions <= 0 {
		return fmt.Errorf("ai.dimensions must be > 0 (got %d)", c.AI.Dimensions)
	}
	switch c.Graph.Backend {
	case "postgres":
	case "neo4j":
		if c.Graph.Neo4jURI == "" {
			return fmt.Errorf("graph.neo4j_uri is required for the neo4j backend")
		}
	default:
		return fmt.Errorf("graph.backend must be postgres or neo4j (got %q)", c.Graph.Backend)
	}
	if !slices.Contains([]string{"console", "json"}, c.Log.Format) {
		return fmt.Errorf("log.format must be console or json (got %q)", c.Log.Format)
	}
	return nil
}

func (d DedupeConfig) validate() error {
	if d.LowThreshold <= 0 || d.LowThreshold > d.HighThreshold || d.HighThreshold > 1 {
		return fmt.Errorf("thresholds must satisfy 0 < low <= high <= 1 (got low=%v high=%v)", d.LowThreshold, d.HighThreshold)
	}
	if d.TopK <= 0 {
		return fmt.Errorf("top_k must be > 0 (got %d)", d.TopK)
	}
	return nil
}

func (r RebuildConfig) validate() error {
	if r.PartialThreshold <= 0 || r.PartialThreshold > r.FullThreshold {
		return fmt.Errorf("thresholds must satisfy 0 < partial <= full (got partial=%v full=%v)", r.PartialThreshold, r.FullThreshold)
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", r.MaxAttempts)
	}
	if r.BaseBackoff < 0 {
		return fmt.Errorf("base_backoff must be >= 0 (got %v)", r.BaseBackoff)
	}
	if r.LeaseTTL <= 0 {
		return fmt.Errorf("lease_ttl must be > 0 (got %v)", r.LeaseTTL)
	}
	return nil
}

func (a AssemblyConfig) validate() error {
	if a.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be > 0 (got %v)", a.CacheTTL)
	}
	if a.SweepProbability < 0 || a.SweepProbability > 1 {
		return fmt.Errorf("sweep_probability must be in [0,1] (got %v)", a.SweepProbability)
	}
	if a.TopK <= 0 {
		return fmt.Errorf("top_k must be > 0 (got %d)", a.TopK)
	}
	if a.NeighborDepth < 0 {
		return fmt.Errorf("neighbor_depth must be >= 0 (got %d)", a.NeighborDepth)
	}
	return nil
}
