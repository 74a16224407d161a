package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an assistant reply generated out of band by cmd/worker.
type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID

	UserID    uint64 `gorm:"index;not null;index:uniq_user_idempo,unique,priority:1" json:"-"`
	SessionID string `gorm:"size:26;index;not null" json:"session_id"`

	Prompt string `gorm:"type:text;not null" json:"-"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_user_idempo,unique,priority:2" json:"-"`

	Status JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	ResultMessageID *uint64 `gorm:"index" json:"result_message_id"`
	Error           *string `gorm:"type:text" json:"error"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "chat_jobs" }
