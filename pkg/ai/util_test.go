package ai

import (
	"testing"
)

func TestUnmarshalFlexible_ObjectVariants(t *testing.T) {
	type candidate struct {
		Name string `json:"name"`
		Type string `json:"type,omitempty"`
	}

	tests := []struct {
		name  string
		input string
		want  candidate
	}{
		{
			name:  "valid json object",
			input: `{"name":"Volo"}`,
			want:  candidate{Name: "Volo"},
		},
		{
			name:  "code fence",
			input: "```json\n{\"name\":\"Volo\",\"type\":\"npc\"}\n```",
			want:  candidate{Name: "Volo", Type: "npc"},
		},
		{
			name:  "unquoted key and single quotes",
			input: `{name: 'Volo'}`,
			want:  candidate{Name: "Volo"},
		},
		{
			name:  "trailing comma",
			input: `{"name":"Volo",}`,
			want:  candidate{Name: "Volo"},
		},
		{
			name:  "stringified invalid json object",
			input: `"{name: 'Volo'}"`,
			want:  candidate{Name: "Volo"},
		},
		{
			name:  "duplicate leading brace no newlines",
			input: `{ { "name": "Volo" }`,
			want:  candidate{Name: "Volo"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got candidate
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("UnmarshalFlexible() got = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestUnmarshalFlexible_ArrayVariants(t *testing.T) {
	type candidate struct {
		Name string `json:"name"`
	}

	var got []candidate
	if err := UnmarshalFlexible(`[{name:'A'},{name:'B',}]`, &got); err != nil {
		t.Fatalf("UnmarshalFlexible() error = %v", err)
	}
	if len(got) != 2 || got[0].Name != "A" || got[1].Name != "B" {
		t.Fatalf("UnmarshalFlexible() got = %+v, want A,B", got)
	}
}

func TestGenerateSchema(t *testing.T) {
	type candidate struct {
		Name string `json:"name" jsonschema:"required"`
	}
	schema := GenerateSchema(&candidate{})
	if schema == nil || schema.Properties == nil {
		t.Fatal("expected schema with properties")
	}
	if _, ok := schema.Properties.Get("name"); !ok {
		t.Fatal("expected name property")
	}
}
