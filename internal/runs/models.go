package runs

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the lifecycle of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// Terminal reports whether a status is final. Terminal runs are immutable
// except for the explicit resume of a failed run, which re-queues it.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Params is the run template: what to generate and how each stage is tuned.
// Stage option records are opaque here; each stage validates its own.
type Params struct {
	Sport       string                     `json:"sport"`
	EventID     string                     `json:"event_id,omitempty"`
	EpisodeType string                     `json:"episode_type,omitempty"`
	Trigger     string                     `json:"trigger,omitempty"`
	TextOnly    bool                       `json:"text_only,omitempty"`
	Stages      map[string]json.RawMessage `json:"stages,omitempty"`
}

// ErrorInfo records the failure that terminated a run, attributable to
// exactly one stage and attempt count.
type ErrorInfo struct {
	Stage    string `json:"stage"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
}

// ArtifactRef points at an artifact a stage wrote through the storage
// interface.
type ArtifactRef struct {
	Stage string `json:"stage"`
	Key   string `json:"key"`
	Size  int64  `json:"size,omitempty"`
}

// Run is one end-to-end execution of the pipeline for a single request.
type Run struct {
	ID               string
	Params           Params
	Status           Status
	CurrentStage     int
	CurrentStageName string
	Error            *ErrorInfo
	Artifacts        []ArtifactRef
	CancelRequested  bool
	LastHeartbeat    *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// Checkpoint is a durable snapshot of shared state taken after a stage
// completed. Indices for one run are strictly increasing and contiguous.
type Checkpoint struct {
	RunID      string
	StageIndex int
	StageName  string
	Snapshot   []byte
	CreatedAt  time.Time
}

// StageLogEntry is one row of the per-attempt audit trail.
type StageLogEntry struct {
	ID        int64
	RunID     string
	Stage     string
	Attempt   int
	Level     string
	Message   string
	CreatedAt time.Time
}

// Job is a deferred or recurring request to submit a new run. A zero Every
// means one-shot; recurring jobs advance NextFireTime after each firing.
type Job struct {
	ID           string
	Params       Params
	Every        time.Duration
	NextFireTime time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Recurring reports whether the job reschedules itself after firing.
func (j Job) Recurring() bool {
	return j.Every > 0
}

// Stats aggregates run counts per lifecycle state.
type Stats struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}
