package triage

import (
	"time"

	"github.com/crimson-sun/triage/internal/engine"
	"github.com/crimson-sun/triage/internal/model"
)

// Record is one complaint row keyed by column name. A missing key is a null
// cell.
type Record map[string]string

// Result is the decision for one text.
// This is the stable public type; internal representations may evolve
// independently without breaking consumers.
type Result struct {
	Label      string   `json:"label,omitempty"` // empty when nothing is proposed
	Confidence float64  `json:"confidence"`      // vote weight or nearest similarity
	Method     string   `json:"method"`          // "auto" or "manual_review"
	Examples   []string `json:"examples,omitempty"`
}

// NeedsReview reports whether a human must decide.
func (r Result) NeedsReview() bool {
	return r.Label == "" || r.Method != string(model.MethodAuto)
}

// RunStats summarizes one label kind of a ClassifyBatch call.
type RunStats struct {
	Total          int           `json:"total"`
	Auto           int           `json:"auto"`
	Manual         int           `json:"manual"`
	Applied        int           `json:"applied"`
	MeanConfidence float64       `json:"mean_confidence"`
	Duration       time.Duration `json:"duration"`
}

// BatchStats summarizes a ClassifyBatch call.
type BatchStats struct {
	Category    RunStats `json:"category"`
	Subcategory RunStats `json:"subcategory"`
}

// Distribution describes one label column of a record set.
type Distribution struct {
	NeedClassification int            `json:"need_classification"`
	Labels             map[string]int `json:"labels"`
}

// Stats describes a record set before classification.
type Stats struct {
	Total       int          `json:"total"`
	Category    Distribution `json:"category"`
	Subcategory Distribution `json:"subcategory"`
}

func resultFromOutcome(o model.Outcome) Result {
	return Result{
		Label:      o.Label,
		Confidence: o.Confidence,
		Method:     string(o.Method),
		Examples:   o.Examples,
	}
}

func runStatsFromEngine(s engine.Stats) RunStats {
	return RunStats{
		Total:          s.Total,
		Auto:           s.Auto,
		Manual:         s.Manual,
		Applied:        s.Applied,
		MeanConfidence: s.MeanConfidence,
		Duration:       s.Duration,
	}
}

func distributionFromEngine(d engine.Distribution) Distribution {
	return Distribution{NeedClassification: d.NeedClassification, Labels: d.Labels}
}
