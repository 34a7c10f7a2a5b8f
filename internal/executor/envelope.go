// envelope.go parses the single JSON object printed with --output-format json.
package executor

import (
	"encoding/json"
	"fmt"
)

// Envelope holds the parsed result from an agent CLI invocation using
// --output-format json.
type Envelope struct {
	Result     string  `json:"result"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
	SessionID  string  `json:"session_id"`
	IsError    bool    `json:"is_error"`
	NumTurns   int     `json:"num_turns"`
}

type rawEnvelope struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	Result       string  `json:"result"`
	CostUSD      float64 `json:"cost_usd"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	SessionID    string  `json:"session_id"`
	IsError      bool    `json:"is_error"`
	NumTurns     int     `json:"num_turns"`
}

// ParseEnvelope parses the raw JSON bytes of a --output-format json
// response.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty agent output")
	}

	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing agent output: %w", err)
	}

	if env.Type != "result" {
		return nil, fmt.Errorf("unexpected agent output type: %q (expected \"result\")", env.Type)
	}

	cost := env.TotalCostUSD
	if cost == 0 {
		cost = env.CostUSD
	}
	return &Envelope{
		Result:     env.Result,
		CostUSD:    cost,
		DurationMS: env.DurationMS,
		SessionID:  env.SessionID,
		IsError:    env.IsError,
		NumTurns:   env.NumTurns,
	}, nil
}
