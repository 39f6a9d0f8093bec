package models

import (
	"time"

	"gorm.io/datatypes"
)

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
)

type TaskData struct {
	TaskDescription string   `json:"task_description"`
	ProgressLogs    []string `json:"progresses,omitempty"`
	UserPreferences []string `json:"user_preferences,omitempty"`
	SOPThinking     *string  `json:"sop_thinking,omitempty"`
}

// Task is written by the extraction consumer; this service only reads it.
type Task struct {
	ID        string `gorm:"type:varchar(36);primaryKey" json:"id"`
	SessionID string `gorm:"type:varchar(36);not null;uniqueIndex:uq_task_session_order,priority:1" json:"session_id"`
	ProjectID string `gorm:"type:varchar(36);index;not null" json:"project_id"`

	Order int                          `gorm:"column:task_order;not null;uniqueIndex:uq_task_session_order,priority:2" json:"order"`
	Data  datatypes.JSONType[TaskData] `gorm:"type:json;not null" json:"data"`

	Status        TaskStatus `gorm:"type:varchar(16);index;not null;default:'pending'" json:"status"`
	IsPlanning    bool       `gorm:"not null;default:false" json:"is_planning"`
	SpaceDigested bool       `gorm:"not null;default:false" json:"space_digested"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }
