package models

import "time"

// Topic constants form the closed set of event bus topics.
const (
	TopicFileChanged     = "file/changed"
	TopicFileIndexed     = "file/indexed"
	TopicAgentTurnStart  = "agent/turn_start"
	TopicAgentTurnDone   = "agent/turn_done"
	TopicAgentPolicyHint = "agent/policy_hint"
	TopicJobQueued       = "system/job_queued"
	TopicJobFinished     = "system/job_finished"
	TopicSystemShutdown  = "system/shutdown"
)

// Event is one record on the process-wide bus.
type Event struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
