package orchestrator

import (
	"strings"
	"sync"
	"unicode"
)

// DefaultDriftThreshold flags a request whose step outputs share almost
// no vocabulary with its stated goal.
const DefaultDriftThreshold = 0.9

// DriftAnalyzer measures how far execution outputs have wandered from the
// request goal, as 1 minus the Jaccard token overlap between the goal and
// the combined outputs. It keeps a small window of recent scores so
// sustained drift is visible across requests.
type DriftAnalyzer struct {
	mu        sync.Mutex
	threshold float64
	window    []float64
	windowCap int
}

// NewDriftAnalyzer creates an analyzer with the default threshold.
func NewDriftAnalyzer() *DriftAnalyzer {
	return &DriftAnalyzer{threshold: DefaultDriftThreshold, windowCap: 32}
}

// WithThreshold overrides the flagging threshold.
func (d *DriftAnalyzer) WithThreshold(t float64) *DriftAnalyzer {
	if t > 0 && t <= 1 {
		d.threshold = t
	}
	return d
}

// Analyze scores one request. A request with no outputs scores zero:
// nothing ran, nothing drifted.
func (d *DriftAnalyzer) Analyze(goal string, outputs []string) (score float64, flagged bool) {
	if len(outputs) == 0 {
		return 0, false
	}
	goalTokens := tokenize(goal)
	if len(goalTokens) == 0 {
		return 0, false
	}
	outTokens := tokenize(strings.Join(outputs, " "))
	score = 1 - jaccard(goalTokens, outTokens)

	d.mu.Lock()
	d.window = append(d.window, score)
	if len(d.window) > d.windowCap {
		d.window = d.window[1:]
	}
	d.mu.Unlock()

	return score, score > d.threshold
}

// RecentMean returns the mean score over the retained window.
func (d *DriftAnalyzer) RecentMean() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.window) == 0 {
		return 0
	}
	var sum float64
	for _, s := range d.window {
		sum += s
	}
	return sum / float64(len(d.window))
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		out[tok] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}
