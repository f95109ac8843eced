package service

import "github.com/freeeve/bandit-arena/pkg/bandit"

// Experiment event types pushed to subscribers.
const (
	EventTrialCompleted     = "trial_completed"
	EventPolicyCompleted    = "policy_completed"
	EventExperimentFinished = "experiment_finished"
	EventExperimentFailed   = "experiment_failed"
)

// Broadcaster sends real-time events to connected clients.
// Implemented by the WebSocket hub.
type Broadcaster interface {
	BroadcastExperimentEvent(experimentID string, eventType string, data any)
}

// NoopBroadcaster is a no-op implementation for testing or when WS is disabled.
type NoopBroadcaster struct{}

func (NoopBroadcaster) BroadcastExperimentEvent(string, string, any) {}

// PolicyEvent is the payload of a policy_completed event.
type PolicyEvent struct {
	Position int            `json:"position"`
	Result   *bandit.Result `json:"result"`
}

// broadcastProgress forwards simulation progress to a Broadcaster.
type broadcastProgress struct {
	b Broadcaster
}

func (p broadcastProgress) TrialCompleted(experimentID string, s bandit.TrialSummary) {
	p.b.BroadcastExperimentEvent(experimentID, EventTrialCompleted, s)
}

func (p broadcastProgress) PolicyCompleted(experimentID string, position int, r *bandit.Result) {
	p.b.BroadcastExperimentEvent(experimentID, EventPolicyCompleted, PolicyEvent{Position: position, Result: r})
}
