package pipeline

import (
	"context"

	"github.com/wapuda/clipbot/internal/ledger"
)

// State is a step of the run state machine, recorded in order for logs and
// tests.
type State string

const (
	StateIdle            State = "idle"
	StateAdmitted        State = "admitted"
	StateFetching        State = "fetching"
	StateProbing         State = "probing"
	StateTranscoding     State = "transcoding"
	StateCompressing     State = "compressing"
	StateDelivering      State = "delivering"
	StateCleaningSegment State = "cleaning_segment"
	StateSummarizing     State = "summarizing"
	StateFinalSweep      State = "final_sweep"
	StateDone            State = "done"
)

// Message is one user-visible notification of a run.
type Message struct {
	Category Category
	Text     string
}

type SegmentReport struct {
	Index    int
	Outcome  Category
	Size     int64
	Attempts int
	Link     string
	Err      error
}

// Report describes what a run did.
type Report struct {
	RunID    string
	Title    string
	Outcome  Category
	Degraded bool
	States   []State
	Messages []Message
	Segments []SegmentReport
	Sweep    ledger.SweepReport
}

func (r *Report) enter(s State) { r.States = append(r.States, s) }

func (r *Report) say(ctx context.Context, d Delivery, c Category, text string) {
	r.Messages = append(r.Messages, Message{Category: c, Text: text})
	d.Notify(ctx, text)
}

// Count returns how many segments ended with outcome c.
func (r *Report) Count(c Category) int {
	n := 0
	for _, s := range r.Segments {
		if s.Outcome == c {
			n++
		}
	}
	return n
}

// Categories lists the categories of the messages sent, in order.
func (r *Report) Categories() []Category {
	out := make([]Category, 0, len(r.Messages))
	for _, m := range r.Messages {
		out = append(out, m.Category)
	}
	return out
}

// Reached reports whether the run passed through s.
func (r *Report) Reached(s State) bool {
	for _, x := range r.States {
		if x == s {
			return true
		}
	}
	return false
}
