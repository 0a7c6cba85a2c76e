package domain

import "time"

// Task statuses.
const (
	StatusPending = "PENDING"
	StatusDone    = "DONE"
)

// Task priorities.
const (
	PriorityLow    = "LOW"
	PriorityMedium = "MEDIUM"
	PriorityHigh   = "HIGH"
)

type Task struct {
	ID          string
	OwnerID     int64 // chat id the owner's notifications go to
	Title       string
	Description string
	Priority    string
	Deadline    *time.Time
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Reminder is the delivery bookkeeping record for a task's deadline.
// TaskID is a lookup key, not an owning reference: the task may be gone
// by the time the reminder is inspected.
type Reminder struct {
	ID        string
	TaskID    string
	RemindAt  time.Time
	IsSent    bool
	CreatedAt time.Time
}

// Job lifecycle states.
const (
	JobWaiting   = "waiting"
	JobDelayed   = "delayed"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// KindSendReminder is the single job kind the reminder queue carries.
const KindSendReminder = "sendReminder"

// Job is an entry in the delayed job queue.
type Job struct {
	ID          string
	Kind        string
	TaskID      string
	Payload     []byte
	State       string
	Attempts    int
	MaxAttempts int
	BackoffBase time.Duration
	RunAt       time.Time
	LeaseUntil  time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReminderPayload is the wire payload of a "sendReminder" job.
type ReminderPayload struct {
	TaskID  string `json:"task_id"`
	OwnerID int64  `json:"owner_id"`
}
