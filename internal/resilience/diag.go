package resilience

import (
	"errors"
	"strings"
)

// DiagnosticHeader is the header of every job diagnostic CSV.
var DiagnosticHeader = []string{"ref_id", "error_kind", "detail"}

// DiagnosticEntry is one row-level failure written to a job's diagnostic CSV.
type DiagnosticEntry struct {
	RefID  string `json:"ref_id"`
	Kind   Kind   `json:"error_kind"`
	Detail string `json:"detail"`
}

// NewDiagnostic builds the diagnostic row for a failed record.
func NewDiagnostic(refID string, err error) DiagnosticEntry {
	detail := ""
	if err != nil {
		detail = strings.ReplaceAll(err.Error(), "\n", " ")
	}
	return DiagnosticEntry{RefID: refID, Kind: KindOf(err), Detail: detail}
}

// Record returns the entry as a CSV record matching DiagnosticHeader.
func (d DiagnosticEntry) Record() []string {
	return []string{d.RefID, string(d.Kind), d.Detail}
}

// IsFatal reports whether err must abort a job rather than be recorded and
// skipped.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindConfig, KindInvariant, KindRateLimit:
		return true
	}
	return errors.Is(err, ErrCircuitOpen)
}
