package ipc

import (
	"time"

	"dopcast/internal/runs"
	"dopcast/internal/status"
)

// StartRequest triggers daemon startup.
type StartRequest struct{}

// StartResponse indicates whether the daemon was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest stops the daemon.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StageHealth describes readiness of a pipeline stage.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// StatusResponse represents combined daemon/engine status information.
type StatusResponse struct {
	Running     bool             `json:"running"`
	Stats       runs.Stats       `json:"stats"`
	LastError   string           `json:"last_error,omitempty"`
	Active      []status.RunView `json:"active,omitempty"`
	StageHealth []StageHealth    `json:"stage_health,omitempty"`
	LockPath    string           `json:"lock_path"`
	DBPath      string           `json:"db_path"`
	PID         int              `json:"pid"`
}

// SubmitRequest enqueues a new run.
type SubmitRequest struct {
	Params runs.Params `json:"params"`
}

// SubmitResponse returns the created run.
type SubmitResponse struct {
	Run status.RunView `json:"run"`
}

// RunListRequest filters run listing by status.
type RunListRequest struct {
	Statuses []string `json:"statuses,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// RunListResponse contains run projections, newest first.
type RunListResponse struct {
	Runs []status.RunView `json:"runs"`
}

// RunDescribeRequest fetches a single run with its stage log.
type RunDescribeRequest struct {
	ID string `json:"id"`
}

// StageLogLine is one row of a run's per-attempt audit trail.
type StageLogLine struct {
	Stage     string    `json:"stage"`
	Attempt   int       `json:"attempt"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// RunDescribeResponse contains a single run and its audit trail.
type RunDescribeResponse struct {
	Run      status.RunView `json:"run"`
	StageLog []StageLogLine `json:"stage_log,omitempty"`
}

// CancelRequest requests cancellation of a run.
type CancelRequest struct {
	ID string `json:"id"`
}

// CancelResponse reports cancel acceptance.
type CancelResponse struct {
	Requested bool `json:"requested"`
}

// ResumeRequest re-queues a failed run.
type ResumeRequest struct {
	ID string `json:"id"`
}

// ResumeResponse reports resume acceptance.
type ResumeResponse struct {
	Resumed bool `json:"resumed"`
}

// ScheduleAddRequest registers a deferred or recurring run submission.
type ScheduleAddRequest struct {
	Params       runs.Params `json:"params"`
	FireAt       time.Time   `json:"fire_at,omitzero"`
	EverySeconds int         `json:"every_seconds,omitempty"`
}

// ScheduleView is the external projection of a scheduled job.
type ScheduleView struct {
	ID           string      `json:"id"`
	Params       runs.Params `json:"params"`
	EverySeconds int         `json:"every_seconds,omitempty"`
	NextFireTime time.Time   `json:"next_fire_time"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ScheduleAddResponse returns the registered job.
type ScheduleAddResponse struct {
	Job ScheduleView `json:"job"`
}

// ScheduleListRequest lists scheduled jobs.
type ScheduleListRequest struct{}

// ScheduleListResponse contains scheduled jobs ordered by next fire time.
type ScheduleListResponse struct {
	Jobs []ScheduleView `json:"jobs"`
}

// ScheduleCancelRequest removes a scheduled job.
type ScheduleCancelRequest struct {
	ID string `json:"id"`
}

// ScheduleCancelResponse reports removal.
type ScheduleCancelResponse struct {
	Removed bool `json:"removed"`
}
