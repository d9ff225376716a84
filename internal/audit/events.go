package audit

import "encoding/json"

// ActionLifecycleKind distinguishes the action-lifecycle events the
// orchestrator records.
type ActionLifecycleKind string

const (
	ActionSpawned  ActionLifecycleKind = "action_spawned"
	ActionFinished ActionLifecycleKind = "action_finished"
	ActionSkipped  ActionLifecycleKind = "action_skipped_single_instance"
)

// ActionSpawnedPayload is appended when the orchestrator successfully
// launches an action in response to a matched rule.
type ActionSpawnedPayload struct {
	Kind           ActionLifecycleKind `json:"kind"`
	ActionKey      string              `json:"action_key"`
	ChildPID       int                 `json:"child_pid"`
	TriggerPID     uint32              `json:"trigger_pid"`
	TriggerCommand string              `json:"trigger_command"`
	Path           string              `json:"path"`
	Args           []string            `json:"args,omitempty"`
}

// ActionFinishedPayload is appended when an action's triggering process
// ends and the orchestrator begins terminating the corresponding child.
type ActionFinishedPayload struct {
	Kind       ActionLifecycleKind `json:"kind"`
	ActionKey  string              `json:"action_key"`
	ChildPID   int                 `json:"child_pid"`
	TriggerPID uint32              `json:"trigger_pid"`
}

// ActionSkippedPayload is appended when a single-instance action is not
// launched because another instance of it is already running.
type ActionSkippedPayload struct {
	Kind       ActionLifecycleKind `json:"kind"`
	ActionKey  string              `json:"action_key"`
	TriggerPID uint32              `json:"trigger_pid"`
}

// AppendJSON marshals v and appends it as the next entry. It is a thin
// convenience wrapper over Append for the typed payloads above.
func (l *Logger) AppendJSON(v any) (Entry, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Entry{}, err
	}
	return l.Append(raw)
}
