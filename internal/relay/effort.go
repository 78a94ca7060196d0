package relay

import "strings"

// Reasoning effort levels accepted on the request.
const (
	EffortNone   = "none"
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// ValidEffort reports whether e is a recognized reasoning_effort value.
// The empty string means "not requested" and is valid.
func ValidEffort(e string) bool {
	switch e {
	case "", EffortNone, EffortLow, EffortMedium, EffortHigh:
		return true
	}
	return false
}

// ThinkingBudgetFor maps a reasoning_effort level to the fixed numeric
// thinking budget for the model's family. Pro-family models cannot disable
// thinking entirely, so "none" and "low" both floor at the model minimum.
func ThinkingBudgetFor(model, effort string) (budget int, ok bool) {
	if effort == "" {
		return 0, false
	}
	if strings.Contains(model, "pro") {
		switch effort {
		case EffortNone, EffortLow:
			return 128, true
		case EffortMedium:
			return 8192, true
		case EffortHigh:
			return 32768, true
		}
		return 0, false
	}
	switch effort {
	case EffortNone:
		return 0, true
	case EffortLow:
		return 1024, true
	case EffortMedium:
		return 8192, true
	case EffortHigh:
		return 24576, true
	}
	return 0, false
}

// HideThoughts reports whether thought summaries should be suppressed for
// the requested effort. "none" disables reasoning visibility entirely.
func HideThoughts(effort string) bool {
	return effort == EffortNone
}
