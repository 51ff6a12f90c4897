package callback

import (
	"encoding/json"
	"fmt"
)

// Decision is the outcome of one gate callback. It is a closed set: exactly
// Continue or Cancel, decided by an exhaustive type switch at the call site.
// A malformed or ambiguous response never silently becomes either branch; it
// is a parse error.
type Decision interface {
	isDecision()
}

// Continue advances the call to the next checkpoint.
type Continue struct{}

func (Continue) isDecision() {}

// Cancel stops the call before any further side effect.
type Cancel struct {
	Reason string
}

func (Cancel) isDecision() {}

// decisionWire is the JSON shape of a gate decision response.
type decisionWire struct {
	Continue bool   `json:"continue"`
	Cancel   bool   `json:"cancel"`
	Reason   string `json:"reason"`
}

// ParseDecision decodes a decision response body. Exactly one of continue
// and cancel must be set.
func ParseDecision(body []byte) (Decision, error) {
	var wire decisionWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("malformed decision body: %w", err)
	}
	switch {
	case wire.Continue && wire.Cancel:
		return nil, fmt.Errorf("ambiguous decision: both continue and cancel set")
	case wire.Continue:
		return Continue{}, nil
	case wire.Cancel:
		return Cancel{Reason: wire.Reason}, nil
	default:
		return nil, fmt.Errorf("empty decision: neither continue nor cancel set")
	}
}
