package common

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ContentKind tags the shape of an entity's structured payload.
type ContentKind string

const (
	ContentCharacter ContentKind = "character"
	ContentLocation  ContentKind = "location"
	ContentItem      ContentKind = "item"
	ContentFaction   ContentKind = "faction"
	ContentOpaque    ContentKind = "opaque"
)

// Content is the structured payload of an entity. The concrete type is
// chosen from the entity type; payloads that do not fit a known shape are
// kept verbatim as OpaqueContent.
type Content interface {
	Kind() ContentKind
	// Text renders the payload as plain text for embeddings and mention scans.
	Text() string
}

// CharacterContent describes people: player characters, NPCs, deities.
type CharacterContent struct {
	Description string   `json:"description,omitempty"`
	Role        string   `json:"role,omitempty"`
	Race        string   `json:"race,omitempty"`
	Class       string   `json:"class,omitempty"`
	Alignment   string   `json:"alignment,omitempty"`
	Traits      []string `json:"traits,omitempty"`
	Status      string   `json:"status,omitempty"`
}

func (CharacterContent) Kind() ContentKind { return ContentCharacter }

func (c CharacterContent) Text() string {
	return joinNonEmpty(c.Description, c.Role, c.Race, c.Class, c.Alignment, strings.Join(c.Traits, ", "), c.Status)
}

type LocationContent struct {
	Description string   `json:"description,omitempty"`
	Region      string   `json:"region,omitempty"`
	Terrain     string   `json:"terrain,omitempty"`
	Inhabitants []string `json:"inhabitants,omitempty"`
	Status      string   `json:"status,omitempty"`
}

func (LocationContent) Kind() ContentKind { return ContentLocation }

func (l LocationContent) Text() string {
	return joinNonEmpty(l.Description, l.Region, l.Terrain, strings.Join(l.Inhabitants, ", "), l.Status)
}

type ItemContent struct {
	Description string   `json:"description,omitempty"`
	Rarity      string   `json:"rarity,omitempty"`
	Owner       string   `json:"owner,omitempty"`
	Properties  []string `json:"properties,omitempty"`
}

func (ItemContent) Kind() ContentKind { return ContentItem }

func (i ItemContent) Text() string {
	return joinNonEmpty(i.Description, i.Rarity, i.Owner, strings.Join(i.Properties, ", "))
}

type FactionContent struct {
	Description string   `json:"description,omitempty"`
	Goals       []string `json:"goals,omitempty"`
	Leader      string   `json:"leader,omitempty"`
	Headquarter string   `json:"headquarter,omitempty"`
}

func (FactionContent) Kind() ContentKind { return ContentFaction }

func (f FactionContent) Text() string {
	return joinNonEmpty(f.Description, strings.Join(f.Goals, ", "), f.Leader, f.Headquarter)
}

// OpaqueContent keeps any JSON value as-is.
type OpaqueContent struct {
	Raw json.RawMessage
}

func (OpaqueContent) Kind() ContentKind { return ContentOpaque }

func (o OpaqueContent) Text() string {
	if len(o.Raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(o.Raw, &s); err == nil {
		return s
	}
	var m map[string]any
	if err := json.Unmarshal(o.Raw, &m); err == nil {
		if d, ok := m["description"].(string); ok {
			return d
		}
	}
	return string(o.Raw)
}

func (o OpaqueContent) MarshalJSON() ([]byte, error) {
	if len(o.Raw) == 0 {
		return []byte("null"), nil
	}
	return o.Raw, nil
}

// ContentKindFor maps an entity type to the payload shape it uses.
func ContentKindFor(entityType string) ContentKind {
	switch strings.ToLower(strings.TrimSpace(entityType)) {
	case "character", "npc", "pc", "player_character", "person", "deity", "monster", "creature":
		return ContentCharacter
	case "location", "place", "region", "city", "dungeon", "landmark":
		return ContentLocation
	case "item", "artifact", "object", "weapon", "treasure":
		return ContentItem
	case "faction", "organization", "guild", "group":
		return ContentFaction
	default:
		return ContentOpaque
	}
}

// DecodeContent decodes raw into the shape registered for entityType.
// Unknown fields or mismatched shapes fall back to OpaqueContent so nothing is lost.
func DecodeContent(entityType string, raw json.RawMessage) Content {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return OpaqueContent{}
	}
	var target Content
	switch ContentKindFor(entityType) {
	case ContentCharacter:
		var c CharacterContent
		if strictDecode(raw, &c) {
			target = c
		}
	case ContentLocation:
		var l LocationContent
		if strictDecode(raw, &l) {
			target = l
		}
	case ContentItem:
		var i ItemContent
		if strictDecode(raw, &i) {
			target = i
		}
	case ContentFaction:
		var f FactionContent
		if strictDecode(raw, &f) {
			target = f
		}
	}
	if target == nil {
		cp := make(json.RawMessage, len(raw))
		copy(cp, raw)
		return OpaqueContent{Raw: cp}
	}
	return target
}

// EncodeContent returns the JSON form of c; nil encodes as null.
func EncodeContent(c Content) (json.RawMessage, error) {
	if c == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(c)
}

func strictDecode(raw []byte, v any) bool {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v) == nil
}

func joinNonEmpty(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ". ")
}
