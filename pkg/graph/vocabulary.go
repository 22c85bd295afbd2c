package graph

import (
	"math"
	"strings"

	"github.com/ofisk/loresmith-ai/backend/internal/util"
)

// Canonical relationship types.
const (
	RelAlliedWith = "allied_with"
	RelEnemyOf    = "enemy_of"
	RelRivalOf    = "rival_of"
	RelFriendOf   = "friend_of"
	RelMarriedTo  = "married_to"
	RelSiblingOf  = "sibling_of"
	RelKnows      = "knows"
	RelTradesWith = "trades_with"
	RelRelatedTo  = "related_to"
	RelMemberOf   = "member_of"
	RelLeads      = "leads"
	RelLocatedIn  = "located_in"
	RelOwns       = "owns"
	RelWorksFor   = "works_for"
	RelParentOf   = "parent_of"
	RelChildOf    = "child_of"
	RelServes     = "serves"
	RelWorships   = "worships"
	RelCreated    = "created"
	RelGuards     = "guards"
	RelSeeks      = "seeks"
)

var symmetric = map[string]struct{}{
	RelAlliedWith: {},
	RelEnemyOf:    {},
	RelRivalOf:    {},
	RelFriendOf:   {},
	RelMarriedTo:  {},
	RelSiblingOf:  {},
	RelKnows:      {},
	RelTradesWith: {},
	RelRelatedTo:  {},
}

var directed = []string{
	RelMemberOf, RelLeads, RelLocatedIn, RelOwns, RelWorksFor, RelParentOf,
	RelChildOf, RelServes, RelWorships, RelCreated, RelGuards, RelSeeks,
}

// synonyms maps snakified free-form labels onto canonical types.
var synonyms = map[string]string{
	"ally": RelAlliedWith, "allies": RelAlliedWith, "allied": RelAlliedWith,
	"alliance": RelAlliedWith, "allies_with": RelAlliedWith, "ally_of": RelAlliedWith,

	"enemy": RelEnemyOf, "enemies": RelEnemyOf, "foe": RelEnemyOf, "nemesis": RelEnemyOf,
	"hostile_to": RelEnemyOf, "enemies_with": RelEnemyOf, "at_war_with": RelEnemyOf,

	"rival": RelRivalOf, "rivals": RelRivalOf, "rivals_with": RelRivalOf, "competes_with": RelRivalOf,

	"friend": RelFriendOf, "friends": RelFriendOf, "friends_with": RelFriendOf, "befriended": RelFriendOf,

	"spouse": RelMarriedTo, "spouse_of": RelMarriedTo, "married": RelMarriedTo,
	"wife_of": RelMarriedTo, "husband_of": RelMarriedTo,

	"sibling": RelSiblingOf, "siblings": RelSiblingOf, "brother_of": RelSiblingOf, "sister_of": RelSiblingOf,

	"acquainted_with": RelKnows, "knows_of": RelKnows, "met": RelKnows,

	"trades": RelTradesWith, "trade_partner": RelTradesWith, "does_business_with": RelTradesWith,

	"related": RelRelatedTo, "associated_with": RelRelatedTo, "connected_to": RelRelatedTo,

	"member": RelMemberOf, "belongs_to": RelMemberOf, "part_of": RelMemberOf, "joined": RelMemberOf,

	"leader": RelLeads, "leader_of": RelLeads, "rules": RelLeads, "commands": RelLeads, "heads": RelLeads,

	"located_at": RelLocatedIn, "lives_in": RelLocatedIn, "resides_in": RelLocatedIn,
	"based_in": RelLocatedIn, "found_in": RelLocatedIn, "inside": RelLocatedIn,

	"owner_of": RelOwns, "possesses": RelOwns, "has": RelOwns, "wields": RelOwns, "carries": RelOwns,

	"employed_by": RelWorksFor, "works_at": RelWorksFor, "employee_of": RelWorksFor,

	"parent": RelParentOf, "father_of": RelParentOf, "mother_of": RelParentOf,

	"child": RelChildOf, "son_of": RelChildOf, "daughter_of": RelChildOf,

	"servant_of": RelServes, "serves_under": RelServes, "loyal_to": RelServes,

	"worshipper_of": RelWorships, "devoted_to": RelWorships, "follows": RelWorships,

	"made": RelCreated, "forged": RelCreated, "founded": RelCreated, "built": RelCreated,

	"protects": RelGuards, "defends": RelGuards, "guardian_of": RelGuards,

	"searches_for": RelSeeks, "hunts": RelSeeks, "looking_for": RelSeeks, "wants": RelSeeks,
}

func init() {
	for t := range symmetric {
		synonyms[t] = t
	}
	for _, t := range directed {
		synonyms[t] = t
	}
}

// Canonicalize maps a free-form relationship label to the fixed vocabulary.
// The second result is false when the label was unknown and fell back to
// related_to.
func Canonicalize(relationshipType string) (string, bool) {
	key := util.Snakify(relationshipType)
	if c, ok := synonyms[key]; ok {
		return c, true
	}
	return RelRelatedTo, false
}

// CanonicalType is Canonicalize without the known flag.
func CanonicalType(relationshipType string) string {
	c, _ := Canonicalize(relationshipType)
	return c
}

// IsSymmetric reports whether edges of the canonical type are stored as a
// mirrored pair.
func IsSymmetric(canonicalType string) bool {
	_, ok := symmetric[canonicalType]
	return ok
}

// CanonicalTypes canonicalizes a filter list, dropping blanks and repeats.
func CanonicalTypes(types []string) []string {
	if len(types) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(types))
	out := make([]string, 0, len(types))
	for _, t := range types {
		if strings.TrimSpace(t) == "" {
			continue
		}
		c := CanonicalType(t)
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// NormalizeStrength reads magnitudes above 1 as percentages. The result is
// clamped to [0,1]; nil and NaN stay unset.
func NormalizeStrength(strength *float64) *float64 {
	if strength == nil || math.IsNaN(*strength) {
		return nil
	}
	v := *strength
	if v > 1 {
		v /= 100
	}
	v = math.Max(0, math.Min(1, v))
	return &v
}
