package model

// Method records how a label decision was reached.
type Method string

const (
	MethodAuto         Method = "auto"
	MethodManualReview Method = "manual_review"
)

// Outcome is the result of classifying one text.
type Outcome struct {
	Label      string   `json:"label,omitempty"` // empty when no label is proposed
	Confidence float64  `json:"confidence"`
	Method     Method   `json:"method"`
	Examples   []string `json:"examples,omitempty"` // up to 3 nearest reference texts, display only
}

// NeedsReview reports whether the outcome must go to a human.
func (o Outcome) NeedsReview() bool {
	return o.Label == "" || o.Method == MethodManualReview
}
