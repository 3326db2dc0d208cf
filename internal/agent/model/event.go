package model

import "strings"

// EventKind tags one unit of pipeline output.
type EventKind string

const (
	EventDelta EventKind = "delta"
	EventDone  EventKind = "done"
	EventError EventKind = "error"
)

// Finish reasons carried by the terminal event.
const (
	FinishStop   = "stop"
	FinishLength = "length"
	FinishError  = "error"
)

// Event is the internal chunk emitted by the pipeline. A run yields zero or
// more deltas followed by exactly one done event, or exactly one error event.
type Event struct {
	Kind         EventKind    `json:"kind"`
	Content      string       `json:"content,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Usage        *TokenUsage  `json:"usage,omitempty"`
	Cost         *CostMetrics `json:"cost,omitempty"`
	Err          *StageError  `json:"error,omitempty"`
}

func DeltaEvent(content string) *Event {
	return &Event{Kind: EventDelta, Content: content}
}

func DoneEvent(finishReason string, usage TokenUsage, cost CostMetrics) *Event {
	return &Event{Kind: EventDone, FinishReason: finishReason, Usage: &usage, Cost: &cost}
}

func ErrorEvent(err *StageError) *Event {
	return &Event{Kind: EventError, FinishReason: FinishError, Err: err}
}

// Terminal reports whether no event may follow this one.
func (e *Event) Terminal() bool {
	return e != nil && (e.Kind == EventDone || e.Kind == EventError)
}

// ConcatEvents folds a run's events into one. It is registered with eino so the
// buffered entry point can reuse the streaming synthesize node. An error event
// wins over any content that preceded it.
func ConcatEvents(events []*Event) (*Event, error) {
	var (
		sb  strings.Builder
		out = &Event{Kind: EventDelta}
	)
	for _, ev := range events {
		if ev == nil {
			continue
		}
		switch ev.Kind {
		case EventError:
			return ev, nil
		case EventDone:
			out.Kind = EventDone
			out.FinishReason = ev.FinishReason
			out.Usage = ev.Usage
			out.Cost = ev.Cost
		}
		sb.WriteString(ev.Content)
	}
	out.Content = sb.String()
	return out, nil
}

// ChainResult is the buffered outcome of a successful run.
type ChainResult struct {
	ID           string      `json:"id"`
	Model        string      `json:"model"`
	Created      int64       `json:"created"`
	Content      string      `json:"content"`
	FinishReason string      `json:"finish_reason"`
	Usage        TokenUsage  `json:"usage"`
	Cost         CostMetrics `json:"cost"`
}

// ConcatStates keeps the last state of a stream. Every chunk of a run carries
// the same pointer.
func ConcatStates(states []*ChainState) (*ChainState, error) {
	for i := len(states) - 1; i >= 0; i-- {
		if states[i] != nil {
			return states[i], nil
		}
	}
	return nil, nil
}
