package strategy

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Bracket is the half-open interval [Low, High) a binary market settles
// on. Unbounded sides use infinities.
type Bracket struct {
	Low  float64
	High float64
}

// OpenBelow reports whether the bracket has no lower bound.
func (b Bracket) OpenBelow() bool { return math.IsInf(b.Low, -1) }

// OpenAbove reports whether the bracket has no upper bound.
func (b Bracket) OpenAbove() bool { return math.IsInf(b.High, 1) }

// Probability returns P(Low <= X < High) for X ~ Normal(mean, std).
func (b Bracket) Probability(mean, std float64) float64 {
	switch {
	case b.OpenBelow():
		return NormalCDF(b.High, mean, std)
	case b.OpenAbove():
		return 1 - NormalCDF(b.Low, mean, std)
	default:
		return NormalCDF(b.High, mean, std) - NormalCDF(b.Low, mean, std)
	}
}

var (
	tempRangePattern = regexp.MustCompile(`(\d+)\s*°?\s*to\s*(\d+)\s*°?`)
	tempLowPattern   = regexp.MustCompile(`[≤<]\s*(\d+)|(\d+)\s*°?\s*or\s*less|under\s*(\d+)`)
	tempHighPattern  = regexp.MustCompile(`[≥>]\s*(\d+)|(\d+)\s*°?\s*or\s*more|over\s*(\d+)`)
	numberPattern    = regexp.MustCompile(`[-+]?[\d]*\.?\d+`)
)

// ParseTemperatureBracket parses a daily-high market subtitle into a
// bracket over whole degrees. The printed upper bound is inclusive, so
// "51° to 52°" covers highs of 51 and 52 and parses as [51, 53).
//
// Supported forms: "X° to Y°", "≤X°" / "X° or less" / "under X°", and
// "≥X°" / "X° or more" / "over X°".
func ParseTemperatureBracket(subtitle string) (Bracket, bool) {
	s := strings.TrimSpace(subtitle)

	if m := tempRangePattern.FindStringSubmatch(s); m != nil {
		low, _ := strconv.ParseFloat(m[1], 64)
		high, _ := strconv.ParseFloat(m[2], 64)
		return Bracket{Low: low, High: high + 1}, true
	}

	if m := tempLowPattern.FindStringSubmatch(s); m != nil {
		val := firstGroup(m)
		return Bracket{Low: math.Inf(-1), High: val + 1}, true
	}

	if m := tempHighPattern.FindStringSubmatch(s); m != nil {
		val := firstGroup(m)
		return Bracket{Low: val, High: math.Inf(1)}, true
	}

	return Bracket{}, false
}

// ParseValueBracket parses an economic market subtitle by generic numeric
// extraction: two numbers form a closed range, one number plus a
// directional qualifier forms an open bracket, a bare number is a point
// bracket.
//
// Examples: "0.3% to 0.4%" → [0.3, 0.4], "≥ 200K" → [200, +inf),
// "150K to 200K" → [150, 200], "5.25" → [5.25, 5.25].
func ParseValueBracket(subtitle string) (Bracket, bool) {
	s := strings.TrimSpace(subtitle)

	numbers := numberPattern.FindAllString(s, -1)
	switch {
	case len(numbers) >= 2:
		low, _ := strconv.ParseFloat(numbers[0], 64)
		high, _ := strconv.ParseFloat(numbers[1], 64)
		return Bracket{Low: low, High: high}, true
	case len(numbers) == 1:
		val, _ := strconv.ParseFloat(numbers[0], 64)
		if containsAny(s, "≥", ">=", ">", "or more", "above", "over") {
			return Bracket{Low: val, High: math.Inf(1)}, true
		}
		if containsAny(s, "≤", "<=", "<", "or less", "below", "under") {
			return Bracket{Low: math.Inf(-1), High: val}, true
		}
		return Bracket{Low: val, High: val}, true
	default:
		return Bracket{}, false
	}
}

// firstGroup returns the first non-empty capture group as a float.
func firstGroup(match []string) float64 {
	for _, g := range match[1:] {
		if g != "" {
			val, _ := strconv.ParseFloat(g, 64)
			return val
		}
	}
	return 0
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// NormalCDF returns P(X <= x) for X ~ Normal(mean, std). A non-positive
// std degenerates to a step function at the mean.
func NormalCDF(x, mean, std float64) float64 {
	if std <= 0 {
		if x < mean {
			return 0
		}
		return 1
	}
	z := (x - mean) / std
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}
