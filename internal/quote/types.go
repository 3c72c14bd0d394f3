package quote

import (
	"strings"
	"time"
)

// Record is the result of one successful quote fetch. Values are kept as the text found on the
// page; sinks decide how to normalize them.
type Record struct {
	ID            string    `json:"id"`
	Subject       string    `json:"ticker"`
	Value         string    `json:"price"`
	ValueChange   string    `json:"price_change"`
	PercentChange string    `json:"percentual_change"`
	Source        string    `json:"source,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// Fields names the attributes extracted from a quote page.
type Fields struct {
	Value         string
	ValueChange   string
	PercentChange string
}

// NormalizedValue strips thousands separators from the price text.
func (r Record) NormalizedValue() string {
	return strings.ReplaceAll(r.Value, ",", "")
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
