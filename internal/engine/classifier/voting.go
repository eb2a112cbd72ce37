package classifier

import (
	"fmt"
	"math"

	"github.com/crimson-sun/triage/internal/engine/corpus"
)

// Voting selects how neighbor labels are aggregated.
type Voting string

const (
	// VotingWeighted sums similarities per label over the K neighbors; the
	// confidence is the winner's mean similarity among its own neighbors.
	VotingWeighted Voting = "weighted"
	// VotingNearest takes the label and similarity of the closest neighbor.
	VotingNearest Voting = "nearest"
)

// ParseVoting maps a config string to a Voting.
func ParseVoting(s string) (Voting, error) {
	switch Voting(s) {
	case VotingWeighted, VotingNearest:
		return Voting(s), nil
	default:
		return "", fmt.Errorf("classifier: unknown voting %q (want %q or %q)", s, VotingWeighted, VotingNearest)
	}
}

// Policy configures a classification run.
type Policy struct {
	Voting    Voting
	K         int
	Threshold float64
	// ApplyBelowThreshold keeps the nearest label on manual-review outcomes.
	// Only meaningful for VotingNearest.
	ApplyBelowThreshold bool
}

// Validate reports an invalid policy.
func (p Policy) Validate() error {
	if _, err := ParseVoting(string(p.Voting)); err != nil {
		return err
	}
	if p.K < 1 {
		return fmt.Errorf("classifier: K must be >= 1, got %d", p.K)
	}
	if p.Threshold < 0 || p.Threshold > 1 || math.IsNaN(p.Threshold) {
		return fmt.Errorf("classifier: threshold must be in [0, 1], got %v", p.Threshold)
	}
	return nil
}

// TopK returns the indices of the k highest scores, best first. Equal
// scores keep corpus order and NaN ranks below every number.
func TopK(scores []float64, k int) []int {
	k = min(k, len(scores))
	if k <= 0 {
		return nil
	}
	top := make([]int, 0, k)
	for i, s := range scores {
		if len(top) == k && !beats(s, scores[top[k-1]]) {
			continue
		}
		pos := len(top)
		for pos > 0 && beats(s, scores[top[pos-1]]) {
			pos--
		}
		if len(top) < k {
			top = append(top, 0)
		}
		copy(top[pos+1:], top[pos:len(top)-1])
		top[pos] = i
	}
	return top
}

// beats reports whether a ranks strictly above b.
func beats(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	return a > b
}

func weightedSum(c *corpus.Corpus, neighbors []int, scores []float64) (string, float64) {
	totals := make(map[string]float64)
	counts := make(map[string]int)
	var order []string
	for _, idx := range neighbors {
		s := scores[idx]
		if math.IsNaN(s) {
			continue
		}
		label := c.Entry(idx).Label
		if _, ok := counts[label]; !ok {
			order = append(order, label)
		}
		totals[label] += s
		counts[label]++
	}
	if len(order) == 0 {
		return "", 0
	}

	best := order[0]
	for _, label := range order[1:] {
		if totals[label] > totals[best] {
			best = label
		}
	}
	return best, totals[best] / float64(counts[best])
}

func nearest(c *corpus.Corpus, neighbors []int, scores []float64) (string, float64) {
	if len(neighbors) == 0 || math.IsNaN(scores[neighbors[0]]) {
		return "", 0
	}
	return c.Entry(neighbors[0]).Label, scores[neighbors[0]]
}
