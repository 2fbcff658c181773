package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRBACPurgeExpiredOverrides deletes user overrides past their expiry.
	TaskRBACPurgeExpiredOverrides = "rbac:purge_expired_overrides"
)

// PurgeExpiredPayload records what triggered a purge run.
type PurgeExpiredPayload struct {
	Trigger string `json:"trigger"`
}

// NewPurgeExpiredTask constructs the purge task.
func NewPurgeExpiredTask(trigger string) (*asynq.Task, error) {
	if trigger == "" {
		trigger = "manual"
	}
	data, err := json.Marshal(PurgeExpiredPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRBACPurgeExpiredOverrides, data), nil
}
