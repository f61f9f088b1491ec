// Package trust scores content proposed for memory writes across four
// dimensions: source reliability, content consistency, temporal
// coherence, and instruction alignment. The memory gate compares the
// composite score against its thresholds to route each write.
package trust

import (
	"strings"
	"time"
	"unicode"

	"github.com/quorumlabs/aegis/pkg/contracts"
)

// Scorer computes a fresh TrustScore per write attempt. Implementations
// must never cache scores across distinct content.
type Scorer interface {
	Score(content string, source contracts.CallSource) contracts.TrustScore
}

// NotEvaluated is the sentinel score emitted when trust checking is
// skipped (gate disabled). It is never a fabricated high-trust value.
func NotEvaluated() contracts.TrustScore {
	return contracts.TrustScore{Score: 0, Evaluated: false, ComputedAt: time.Now().UTC()}
}

// sourceReliability ranks origins. System and user channels carry more
// weight than model or plugin output.
var sourceReliability = map[contracts.CallSource]float64{
	contracts.SourceSystem: 0.95,
	contracts.SourceUser:   0.85,
	contracts.SourceLLM:    0.55,
	contracts.SourcePlugin: 0.45,
}

// injectionMarkers are phrases whose presence sharply lowers instruction
// alignment. The list is intentionally coarse; a pluggable Scorer can
// replace the whole heuristic.
var injectionMarkers = []string{
	"ignore previous instructions",
	"ignore all previous",
	"disregard your instructions",
	"you are now",
	"system prompt",
	"developer mode",
	"override safety",
}

// HeuristicScorer is the default scoring strategy. Deterministic for a
// given (content, source) pair so tests are stable.
type HeuristicScorer struct {
	clock func() time.Time
}

// NewHeuristicScorer creates the default scorer.
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{clock: time.Now}
}

// WithClock overrides the clock for tests.
func (s *HeuristicScorer) WithClock(clock func() time.Time) *HeuristicScorer {
	s.clock = clock
	return s
}

// Score evaluates content on all four dimensions and combines them with
// equal weight.
func (s *HeuristicScorer) Score(content string, source contracts.CallSource) contracts.TrustScore {
	var reasoning []string

	src, ok := sourceReliability[source]
	if !ok {
		src = 0.3
		reasoning = append(reasoning, "unknown source; reliability floor applied")
	}

	consistency := scoreConsistency(content, &reasoning)
	temporal := scoreTemporalCoherence(content, &reasoning)
	alignment := scoreInstructionAlignment(content, &reasoning)

	dims := contracts.TrustDimensions{
		SourceReliability:    src,
		ContentConsistency:   consistency,
		TemporalCoherence:    temporal,
		InstructionAlignment: alignment,
	}
	composite := (src + consistency + temporal + alignment) / 4

	return contracts.TrustScore{
		Score:      clamp01(composite),
		Dimensions: dims,
		Reasoning:  reasoning,
		ComputedAt: s.clock().UTC(),
		Evaluated:  true,
	}
}

// scoreConsistency penalizes degenerate content: empty, extreme
// repetition, or mostly non-printable bytes.
func scoreConsistency(content string, reasoning *[]string) float64 {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		*reasoning = append(*reasoning, "content is empty")
		return 0.1
	}

	score := 0.9
	if ratio := repetitionRatio(trimmed); ratio > 0.6 {
		score -= 0.4
		*reasoning = append(*reasoning, "content is highly repetitive")
	}
	if ratio := printableRatio(trimmed); ratio < 0.8 {
		score -= 0.3
		*reasoning = append(*reasoning, "content is mostly non-printable")
	}
	return clamp01(score)
}

// scoreTemporalCoherence penalizes claims about events implausibly far in
// the future, a common hallucination shape.
func scoreTemporalCoherence(content string, reasoning *[]string) float64 {
	score := 0.85
	lower := strings.ToLower(content)
	for _, marker := range []string{"in the year 21", "in the year 22", "by the year 3"} {
		if strings.Contains(lower, marker) {
			score -= 0.3
			*reasoning = append(*reasoning, "content references implausibly distant dates")
			break
		}
	}
	return clamp01(score)
}

// scoreInstructionAlignment drops hard on prompt-injection markers.
func scoreInstructionAlignment(content string, reasoning *[]string) float64 {
	score := 0.9
	lower := strings.ToLower(content)
	for _, marker := range injectionMarkers {
		if strings.Contains(lower, marker) {
			score -= 0.35
			*reasoning = append(*reasoning, "injection marker detected: "+marker)
		}
	}
	return clamp01(score)
}

// repetitionRatio is the share of the most frequent token among all
// tokens. 1.0 means one token repeated throughout.
func repetitionRatio(content string) float64 {
	tokens := strings.Fields(content)
	if len(tokens) < 4 {
		return 0
	}
	counts := make(map[string]int, len(tokens))
	max := 0
	for _, tok := range tokens {
		counts[tok]++
		if counts[tok] > max {
			max = counts[tok]
		}
	}
	return float64(max) / float64(len(tokens))
}

func printableRatio(content string) float64 {
	if content == "" {
		return 0
	}
	printable := 0
	total := 0
	for _, r := range content {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	return float64(printable) / float64(total)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
