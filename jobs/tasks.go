package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskIntegrityScan is the task type for authorization data integrity scans.
	TaskIntegrityScan = "rbac:integrity_scan"
	// TaskAccessReport is the task type for role membership reports.
	TaskAccessReport = "rbac:access_report"
)

// IntegrityScanPayload parameterises an integrity scan run.
type IntegrityScanPayload struct {
	RunID string `json:"run_id"`
}

// NewIntegrityScanTask constructs an Asynq task with a fresh run id.
func NewIntegrityScanTask() (*asynq.Task, error) {
	data, err := json.Marshal(IntegrityScanPayload{RunID: uuid.NewString()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIntegrityScan, data), nil
}

// AccessReportPayload names the role to report membership for.
type AccessReportPayload struct {
	RunID string `json:"run_id"`
	Role  string `json:"role"`
}

// NewAccessReportTask constructs an Asynq task for the given role.
func NewAccessReportTask(role string) (*asynq.Task, error) {
	data, err := json.Marshal(AccessReportPayload{RunID: uuid.NewString(), Role: role})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAccessReport, data), nil
}
