// Package classifier maps resource and operation names to semantic resource
// types. Explicit type fields always win; the keyword heuristic only covers
// payloads that predate them.
package classifier

import (
	"strings"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

// Semantic resource types
const (
	TypeMill          = "mill"
	TypeMashTun       = "mash_tun"
	TypeLauterTun     = "lauter_tun"
	TypeKettle        = "kettle"
	TypeWhirlpool     = "whirlpool"
	TypeFermenter     = "fermenter"
	TypeBrightTank    = "bright_tank"
	TypeCentrifuge    = "centrifuge"
	TypeFilter        = "filter"
	TypePackagingLine = "packaging_line"
	TypeGeneral       = "general"
)

type rule struct {
	kind     string
	keywords []string
}

// Order matters: the first rule with a matching keyword wins.
var rules = []rule{
	{TypeMill, []string{"mill"}},
	{TypeMashTun, []string{"mash"}},
	{TypeLauterTun, []string{"lauter"}},
	{TypeKettle, []string{"kettle", "boil", "copper"}},
	{TypeWhirlpool, []string{"whirlpool"}},
	{TypeFermenter, []string{"ferment"}},
	{TypeBrightTank, []string{"bright", "condition", "bbt"}},
	{TypeCentrifuge, []string{"centrifug"}},
	{TypeFilter, []string{"filter", "filtration"}},
	{TypePackagingLine, []string{"packag", "bottl", "canning", "keg", "line"}},
}

// Classify returns the semantic type for a display name. Matching is case
// insensitive; unknown names map to TypeGeneral.
func Classify(name string) string {
	lower := strings.ToLower(name)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.kind
			}
		}
	}
	return TypeGeneral
}

// ResourceType prefers the explicit Type field and falls back to the name.
func ResourceType(r types.Resource) string {
	if r.Type != "" {
		return normalize(r.Type)
	}
	return Classify(r.Name)
}

// OperationType returns the resource type an operation needs.
func OperationType(op types.Operation) string {
	if op.ResourceType != "" {
		return normalize(op.ResourceType)
	}
	return Classify(op.Name)
}

// Known reports whether kind is one of the types this package produces.
func Known(kind string) bool {
	if kind == TypeGeneral {
		return true
	}
	for _, r := range rules {
		if r.kind == kind {
			return true
		}
	}
	return false
}

func normalize(kind string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(kind)), " ", "_")
}
