// Package domain defines the core persistence models for the application.
// This file holds the pipeline status enum and its transition rules, which
// every state change in the system is validated against.
package domain

// Status is the lifecycle state of a CallItem. The set is closed: values
// outside the constants below are rejected by Valid and never persisted.
type Status string

// Pipeline states, in processing order.
const (
	StatusAccepted     Status = "ACCEPTED"
	StatusTranscribing Status = "TRANSCRIBING"
	StatusSummarizing  Status = "SUMMARIZING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

// transitions is the full transition relation. FAILED is reachable from every
// non-terminal state so a stage can abort at any point.
var transitions = map[Status][]Status{
	StatusAccepted:     {StatusTranscribing, StatusFailed},
	StatusTranscribing: {StatusSummarizing, StatusFailed},
	StatusSummarizing:  {StatusCompleted, StatusFailed},
	StatusCompleted:    {},
	StatusFailed:       {},
}

// Valid reports whether s is one of the defined pipeline states.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether moving from s to next is a legal step of the
// pipeline state machine. Unknown states never transition.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
