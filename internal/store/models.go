package store

import "time"

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReview     Status = "REVIEW"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

type Mode string

const (
	ModeExecute Mode = "EXECUTE"
	ModePlan    Mode = "PLAN"
)

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

type Task struct {
	ID               int64      `json:"id"`
	Title            string     `json:"title"`
	Prompt           string     `json:"prompt"`
	Status           Status     `json:"status"`
	Mode             Mode       `json:"mode"`
	Priority         Priority   `json:"priority"`
	DependsOn        []int64    `json:"depends_on"`
	RepoPath         string     `json:"repo_path"`
	Tags             []string   `json:"tags"`
	Branch           string     `json:"branch"`
	WorkingDirectory string     `json:"working_directory"`
	Output           string     `json:"output"`
	Plan             string     `json:"plan"`
	Error            string     `json:"error"`
	ExitCode         *int       `json:"exit_code"`
	InputTokens      *int       `json:"input_tokens"`
	OutputTokens     *int       `json:"output_tokens"`
	Cost             *float64   `json:"cost"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
}

type LogEntry struct {
	ID       int64     `json:"id"`
	TaskID   int64     `json:"task_id"`
	Time     time.Time `json:"time"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Raw      string    `json:"raw"`
}

// TaskPatch is a partial update applied by UpdateTask. Nil fields are left
// untouched; the Clear* flags reset their columns to empty or NULL.
type TaskPatch struct {
	Status           *Status
	Mode             *Mode
	Branch           *string
	WorkingDirectory *string
	Output           *string
	Plan             *string
	Error            *string
	ExitCode         *int
	InputTokens      *int
	OutputTokens     *int
	Cost             *float64
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ClearStartedAt   bool
	ClearCompletedAt bool
	ClearError       bool
	ClearExitCode    bool
	ClearUsage       bool
}

type CreateTaskFields struct {
	Title     string
	Prompt    string
	Mode      Mode
	Priority  Priority
	DependsOn []int64
	RepoPath  string
	Tags      []string
}
