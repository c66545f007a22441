package domain

import "errors"

var (
	ErrInvalidChaosRate    = errors.New("chaos: rate must be between 0 and 1")
	ErrInvalidChaosLatency = errors.New("chaos: latency_ms must be zero or greater")
)

// ChaosConfig is the fault-injection configuration consumed by the
// inventory service. Fields are fixed and typed; payloads are
// validated at the control endpoint before they are stored.
type ChaosConfig struct {
	Latency            bool    `json:"latency"`
	LatencyMS          int     `json:"latency_ms"`
	CrashRate          float64 `json:"crash_rate"`
	PartialFailureRate float64 `json:"partial_failure_rate"`
}

func (c ChaosConfig) Validate() error {
	if c.LatencyMS < 0 {
		return ErrInvalidChaosLatency
	}
	if c.CrashRate < 0 || c.CrashRate > 1 {
		return ErrInvalidChaosRate
	}
	if c.PartialFailureRate < 0 || c.PartialFailureRate > 1 {
		return ErrInvalidChaosRate
	}
	return nil
}

func (c ChaosConfig) Enabled() bool {
	return c.Latency || c.CrashRate > 0 || c.PartialFailureRate > 0
}
