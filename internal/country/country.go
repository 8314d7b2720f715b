// Package country decides whether a free-text address denotes a location
// under French jurisdiction or a foreign one. Decisions come from an ordered,
// declarative rule corpus embedded in the binary.
package country

// Country is the outcome of a classification.
type Country string

// Classification outcomes. Unknown marks rows that were never classified.
const (
	France  Country = "FRANCE"
	Foreign Country = "FOREIGN"
	Unknown Country = "UNKNOWN"
)

// MonacoPolicy selects which side of the border Monaco falls on.
type MonacoPolicy string

// Monaco policies.
const (
	MonacoForeign MonacoPolicy = "foreign"
	MonacoFrance  MonacoPolicy = "france"
)

// DefaultRuleID identifies the fall-through rule.
const DefaultRuleID = "default_france"

// NearMissRuleID tags trace entries for a final token one edit away from a
// foreign keyword.
const NearMissRuleID = "near_miss"

// TraceEntry records the evaluation of one rule.
type TraceEntry struct {
	Index   int    `json:"index"`
	RuleID  string `json:"rule_id"`
	Hit     bool   `json:"hit"`
	Matched string `json:"matched,omitempty"`
}

// Decision is the classification of one address.
type Decision struct {
	Country Country `json:"country"`
	RuleID  string  `json:"rule_id"`
	// RuleIndex is the 1-based position of the deciding rule; the default
	// rule comes after the corpus.
	RuleIndex int          `json:"rule_index"`
	Matched   string       `json:"matched,omitempty"`
	Trace     []TraceEntry `json:"trace"`
	Version   string       `json:"version"`
}

// RuleBased reports whether a corpus rule, not the default, decided.
func (d Decision) RuleBased() bool {
	return d.RuleID != DefaultRuleID
}

// Stats is a snapshot of the classifier counters.
type Stats struct {
	TotalProcessed int64 `json:"total_processed"`
	FranceCount    int64 `json:"france_count"`
	ForeignCount   int64 `json:"foreign_count"`
	RuleBasedUsed  int64 `json:"rule_based_used"`
}
