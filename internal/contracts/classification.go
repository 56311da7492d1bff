package contracts

import (
	"fmt"
	"strings"
)

// Bucket splits positions into long-term and market-making books.
type Bucket string

const (
	BucketLT Bucket = "LT"
	BucketMM Bucket = "MM"
)

// Direction is the side of the book an order works on.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Effect says whether an order grows or shrinks the position.
type Effect string

const (
	EffectIncrease Effect = "INCREASE"
	EffectDecrease Effect = "DECREASE"
)

// OrderClassification is the composed tag "{bucket}_{direction}_{effect}",
// e.g. "LT_LONG_INCREASE". It is assigned when an intent is created and
// copied verbatim onto every downstream order event, never re-derived.
type OrderClassification string

// Classify composes a classification from its parts.
func Classify(b Bucket, d Direction, e Effect) OrderClassification {
	return OrderClassification(string(b) + "_" + string(d) + "_" + string(e))
}

// ParseClassification validates a composed tag and returns it typed.
func ParseClassification(s string) (OrderClassification, error) {
	c := OrderClassification(s)
	if !c.Valid() {
		return "", fmt.Errorf("invalid order classification %q", s)
	}
	return c, nil
}

func (c OrderClassification) parts() (Bucket, Direction, Effect, bool) {
	p := strings.Split(string(c), "_")
	if len(p) != 3 {
		return "", "", "", false
	}
	b, d, e := Bucket(p[0]), Direction(p[1]), Effect(p[2])
	if b != BucketLT && b != BucketMM {
		return "", "", "", false
	}
	if d != DirectionLong && d != DirectionShort {
		return "", "", "", false
	}
	if e != EffectIncrease && e != EffectDecrease {
		return "", "", "", false
	}
	return b, d, e, true
}

// Valid reports whether the tag decomposes into known components.
func (c OrderClassification) Valid() bool {
	_, _, _, ok := c.parts()
	return ok
}

// Bucket returns the bucket component, or "" for a malformed tag.
func (c OrderClassification) Bucket() Bucket {
	b, _, _, _ := c.parts()
	return b
}

// Direction returns the direction component, or "" for a malformed tag.
func (c OrderClassification) Direction() Direction {
	_, d, _, _ := c.parts()
	return d
}

// Effect returns the effect component, or "" for a malformed tag.
func (c OrderClassification) Effect() Effect {
	_, _, e, _ := c.parts()
	return e
}

// IsRiskIncreasing is true exactly when the effect is INCREASE.
func (c OrderClassification) IsRiskIncreasing() bool {
	return c.Effect() == EffectIncrease
}
