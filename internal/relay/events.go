package relay

// EventType discriminates backend-native stream events.
type EventType int

const (
	// EventText is an incremental piece of assistant text.
	EventText EventType = iota
	// EventThinking is an incremental piece of thought summary.
	EventThinking
	// EventToolCall is an incremental tool-call fragment. The first fragment
	// of a call carries its id and function name; every fragment may carry a
	// partial JSON argument string.
	EventToolCall
	// EventUsage carries the terminal token accounting.
	EventUsage
	// EventError is a terminal upstream failure. No further events follow.
	EventError
)

// Event is one backend-native stream event. Producers deliver events on a
// channel and close it after the last event; EventError and EventUsage are
// terminal signals, not exceptions, so a consumer never has to recover from
// a panicking generator.
type Event struct {
	Type EventType

	// Text holds the delta for EventText and EventThinking.
	Text string

	// Tool-call fields, meaningful for EventToolCall.
	ToolIndex int
	ToolID    string
	ToolName  string
	ToolArgs  string // raw argument fragment, forwarded unvalidated

	// Usage is set for EventUsage.
	Usage *Usage

	// Err is set for EventError.
	Err error
}
