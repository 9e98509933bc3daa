// Package retrypolicy computes retry delays and cancellation windows from
// the small JSON configuration blobs tasks carry. Both
// functions are pure and side-effect free; the engine calls them with
// values it already read out of the database.
package retrypolicy

import "encoding/json"

// strategy mirrors the tagged-variant retry_strategy blob: kind selects the
// branch, unused fields are simply ignored and unknown kinds degrade to a
// zero delay.
type strategy struct {
	Kind        string   `json:"kind"`
	BaseSeconds *float64 `json:"base_seconds"`
	Factor      *float64 `json:"factor"`
	MaxSeconds  *float64 `json:"max_seconds"`
}

// DelayMS computes the delay, in milliseconds, before attempt should become
// eligible, given the JSON retry_strategy blob and that attempt's number
// (1-based, matching Task.attempts/Run.attempt; the engine passes the
// attempt number of the retry run it is about to insert). An empty or
// unparseable blob yields a zero delay rather than an error.
func DelayMS(retryStrategyJSON string, attempt int) int64 {
	if retryStrategyJSON == "" {
		return 0
	}
	var s strategy
	if err := json.Unmarshal([]byte(retryStrategyJSON), &s); err != nil {
		return 0
	}

	switch s.Kind {
	case "fixed":
		base := 60.0
		if s.BaseSeconds != nil {
			base = *s.BaseSeconds
		}
		return int64(base * 1000)

	case "exponential":
		base := 30.0
		if s.BaseSeconds != nil {
			base = *s.BaseSeconds
		}
		factor := 2.0
		if s.Factor != nil {
			factor = *s.Factor
		}
		delaySeconds := base * pow(factor, attempt-1)
		if s.MaxSeconds != nil && delaySeconds > *s.MaxSeconds {
			delaySeconds = *s.MaxSeconds
		}
		return int64(delaySeconds * 1000)

	default:
		return 0
	}
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// cancellation mirrors the cancellation blob's two independent windows.
type cancellation struct {
	MaxDelay    *float64 `json:"max_delay"`
	MaxDuration *float64 `json:"max_duration"`
}

// Cancellation is the parsed, millisecond form of a cancellation blob.
type Cancellation struct {
	MaxDelayMS    *int64
	MaxDurationMS *int64
}

// ParseCancellation reads the optional max_delay/max_duration windows (given
// in seconds) out of the JSON cancellation blob. An empty or unparseable
// blob yields a Cancellation with both windows absent.
func ParseCancellation(cancellationJSON string) Cancellation {
	if cancellationJSON == "" {
		return Cancellation{}
	}
	var c cancellation
	if err := json.Unmarshal([]byte(cancellationJSON), &c); err != nil {
		return Cancellation{}
	}
	var out Cancellation
	if c.MaxDelay != nil {
		ms := int64(*c.MaxDelay * 1000)
		out.MaxDelayMS = &ms
	}
	if c.MaxDuration != nil {
		ms := int64(*c.MaxDuration * 1000)
		out.MaxDurationMS = &ms
	}
	return out
}
