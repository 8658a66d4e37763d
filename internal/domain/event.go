package domain

import "time"

// SessionEventIndex marks events that concern the whole session, not one item.
const SessionEventIndex = -1

// CommitCounts summarizes the outcome of a commit
type CommitCounts struct {
	Committed int `json:"committed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ProgressEvent is an ephemeral status change pushed to live subscribers.
// Seq orders events within one session; events of different items are
// correlated by Index only.
type ProgressEvent struct {
	SessionID string        `json:"sessionId"`
	Seq       int           `json:"seq"`
	Index     int           `json:"index"`
	Phase     Phase         `json:"phase,omitempty"`
	Status    ItemStatus    `json:"status,omitempty"`
	Message   string        `json:"message,omitempty"`
	Counts    *CommitCounts `json:"counts,omitempty"`
	Time      time.Time     `json:"time"`
}

// IsFinal reports whether the event ends the session's stream.
func (e ProgressEvent) IsFinal() bool {
	return e.Index == SessionEventIndex && e.Phase.IsTerminal()
}

// ItemEvent builds an event for a line item status change.
func ItemEvent(sessionID string, item LineItem) ProgressEvent {
	return ProgressEvent{
		SessionID: sessionID,
		Index:     item.Index,
		Status:    item.Status,
		Message:   item.Message,
	}
}

// PhaseEvent builds a session-level event.
func PhaseEvent(sessionID string, phase Phase, message string) ProgressEvent {
	return ProgressEvent{
		SessionID: sessionID,
		Index:     SessionEventIndex,
		Phase:     phase,
		Message:   message,
	}
}
