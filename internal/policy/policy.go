// Package policy decides which effect a face gets for a given emotion.
package policy

import (
	"fmt"
	"math"
	"strings"

	"github.com/andresmejia3/cvdescent/internal/types"
)

// EffectKind names one of the transforms in the effect library.
type EffectKind string

const (
	None       EffectKind = "none"
	Invert     EffectKind = "invert"
	Swirl      EffectKind = "swirl"
	Glitch     EffectKind = "glitch"
	Barrel     EffectKind = "barrel"
	Substitute EffectKind = "substitute"
)

// Invocation is a resolved effect with its intensity normalized to [0, 1].
type Invocation struct {
	Kind      EffectKind
	Intensity float64
}

// Identity is the no-op invocation.
var Identity = Invocation{Kind: None}

// Variant selects one of the built-in policy tables.
type Variant string

const (
	// Default glitches every negative emotion and inverts happy faces.
	Default Variant = "default"
	// FaceSwap is Default with surprise replaced by the face asset.
	FaceSwap Variant = "faceswap"
	// Classic swirls angry faces and swaps surprised ones.
	Classic Variant = "classic"
)

// Variants lists the accepted --policy values.
var Variants = []Variant{Default, FaceSwap, Classic}

// ParseVariant validates a variant name.
func ParseVariant(s string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(s)))
	if v == "" {
		return Default, nil
	}
	for _, known := range Variants {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid policy %q. Must be one of: default, faceswap, classic", s)
}

type rule struct {
	kind  EffectKind
	scale float64 // intensity = min(confidence·scale, 1); 0 means no intensity
}

// Policy maps emotion labels to effect invocations. It is immutable and safe
// for concurrent use.
type Policy struct {
	variant Variant
	rules   map[types.Emotion]rule
}

// New builds the table for the given variant. Unknown variants fall back to
// Default; validate with ParseVariant first.
func New(v Variant) *Policy {
	rules := map[types.Emotion]rule{
		types.Happy:    {kind: Invert},
		types.Fear:     {kind: Glitch, scale: 1},
		types.Angry:    {kind: Glitch, scale: 1.5},
		types.Disgust:  {kind: Glitch, scale: 1.5},
		types.Surprise: {kind: Glitch, scale: 1.5},
		types.Sad:      {kind: Glitch, scale: 1.5},
	}

	switch v {
	case FaceSwap:
		rules[types.Surprise] = rule{kind: Substitute}
	case Classic:
		rules = map[types.Emotion]rule{
			types.Happy:    {kind: Invert},
			types.Fear:     {kind: Glitch, scale: 1},
			types.Angry:    {kind: Swirl, scale: 1},
			types.Surprise: {kind: Substitute},
		}
	default:
		v = Default
	}
	return &Policy{variant: v, rules: rules}
}

// Variant reports which table the policy was built from.
func (p *Policy) Variant() Variant { return p.variant }

// Resolve returns the invocation for a label and confidence. It is total:
// neutral, empty and unrecognized labels all resolve to Identity.
func (p *Policy) Resolve(label types.Emotion, confidence float64) Invocation {
	r, ok := p.rules[types.ParseEmotion(string(label))]
	if !ok {
		return Identity
	}
	inv := Invocation{Kind: r.kind}
	if r.scale > 0 {
		inv.Intensity = math.Min(types.Clamp01(confidence)*r.scale, 1)
	}
	return inv
}
