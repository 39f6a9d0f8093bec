package models

import (
	"time"

	"gorm.io/datatypes"
)

// Project is the tenant boundary. SecretLookup is the deterministic keyed
// hash used for indexed auth lookups; SecretHash is the salted argon2id
// encoding used to verify the secret.
type Project struct {
	ID           string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	SecretLookup string            `gorm:"type:varchar(64);uniqueIndex;not null" json:"-"`
	SecretHash   string            `gorm:"type:varchar(255);not null" json:"-"`
	Configs      datatypes.JSONMap `gorm:"type:json" json:"configs"`

	// Bootstrap is true for the single default project and NULL for every
	// other row, so the unique index admits at most one bootstrap project.
	Bootstrap *bool `gorm:"uniqueIndex" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Project) TableName() string { return "projects" }

func (p *Project) IsBootstrap() bool {
	return p.Bootstrap != nil && *p.Bootstrap
}
