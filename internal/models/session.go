package models

import (
	"time"

	"gorm.io/datatypes"
)

type Session struct {
	ID        string  `gorm:"type:varchar(36);primaryKey" json:"id"`
	ProjectID string  `gorm:"type:varchar(36);index;not null" json:"project_id"`
	UserID    *string `gorm:"type:varchar(128);index" json:"user,omitempty"`
	SpaceID   *string `gorm:"type:varchar(36);index" json:"space_id,omitempty"`

	Configs datatypes.JSONMap `gorm:"type:json" json:"configs"`

	DisableTaskTracking bool `gorm:"not null;default:false" json:"disable_task_tracking"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Session) TableName() string { return "sessions" }
