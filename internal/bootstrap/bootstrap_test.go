package bootstrap

import (
	"testing"

	"github.com/ofisk/loresmith-ai/backend/internal/config"
)

func TestNewEmbedder(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.AIConfig
		wantDim int
		wantErr bool
	}{
		{"openai", config.AIConfig{Adapter: "openai", Model: "text-embedding-3-small", Dimensions: 1536}, 1536, false},
		{"default adapter", config.AIConfig{Model: "m", Dimensions: 8}, 8, false},
		{"ollama", config.AIConfig{Adapter: "ollama", Model: "nomic-embed-text", URL: "http://localhost:11434", Dimensions: 768}, 768, false},
		{"unknown", config.AIConfig{Adapter: "bedrock"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEmbedder(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for adapter %q", tt.cfg.Adapter)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewEmbedder: %v", err)
			}
			if e.Dimensions() != tt.wantDim {
				t.Fatalf("Dimensions() = %d, want %d", e.Dimensions(), tt.wantDim)
			}
		})
	}
}

func TestNewTokenLimiterDisabled(t *testing.T) {
	l, err := NewTokenLimiter(config.AIConfig{TokenLimit: 0})
	if err != nil || l != nil {
		t.Fatalf("NewTokenLimiter = %v, %v; want nil, nil", l, err)
	}
}

func TestInitLogger(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		if err := InitLogger(config.LogConfig{Level: "debug", Format: format}, "test"); err != nil {
			t.Fatalf("InitLogger(%s): %v", format, err)
		}
	}
}
