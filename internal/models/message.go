package models

import (
	"time"

	"gorm.io/datatypes"
)

type ProcessStatus string

const (
	StatusUnobserved ProcessStatus = "unobserved"
	StatusObserving  ProcessStatus = "observing"
	StatusObserved   ProcessStatus = "observed"
)

// Message is one stored turn. Seq is gapless per session and is the
// pagination key. Parts are immutable once stored; only Meta and
// ProcessStatus may change.
type Message struct {
	ID        string  `gorm:"type:varchar(36);primaryKey" json:"id"`
	SessionID string  `gorm:"type:varchar(36);not null;uniqueIndex:uq_message_session_seq,priority:1;index:ix_message_session_status,priority:1" json:"session_id"`
	ProjectID string  `gorm:"type:varchar(36);index;not null" json:"-"`
	ParentID  *string `gorm:"type:varchar(36)" json:"parent_id"`
	Seq       uint64  `gorm:"not null;uniqueIndex:uq_message_session_seq,priority:2" json:"seq"`

	Role  Role                      `gorm:"type:varchar(16);not null" json:"role"`
	Parts datatypes.JSONSlice[Part] `gorm:"type:json;not null" json:"parts"`
	Meta  datatypes.JSONMap         `gorm:"type:json" json:"meta"`

	TaskID *string `gorm:"type:varchar(36);index" json:"task_id"`

	ProcessStatus ProcessStatus `gorm:"column:session_task_process_status;type:varchar(16);not null;default:'unobserved';index:ix_message_session_status,priority:2" json:"session_task_process_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Message) TableName() string { return "messages" }
