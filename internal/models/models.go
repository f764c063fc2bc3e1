package models

import (
	"time"
)

// Human is the owning principal of jobs. Locks and valves are scoped by it.
type Human struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Login     string    `gorm:"uniqueIndex;size:64;not null" json:"login"`
	CreatedAt time.Time `json:"created_at"`
}

func (Human) TableName() string { return "humans" }

// Token authorizes job submission on behalf of a human.
type Token struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	HumanID   uint      `gorm:"index;not null" json:"human_id"`
	Human     *Human    `gorm:"foreignKey:HumanID" json:"-"`
	Name      string    `gorm:"size:64;not null" json:"name"`
	Text      string    `gorm:"uniqueIndex;size:64;not null" json:"-"`
	Active    bool      `gorm:"not null" json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func (Token) TableName() string { return "tokens" }

// Secret is a value that must never appear in persisted or displayed stdout.
type Secret struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	HumanID   uint      `gorm:"uniqueIndex:idx_secrets_human_name;not null" json:"human_id"`
	Name      string    `gorm:"uniqueIndex:idx_secrets_human_name;size:64;not null" json:"name"`
	Value     string    `gorm:"type:text;not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

func (Secret) TableName() string { return "secrets" }

// Receipt is one entry of a human's account; balance is the sum of zents.
type Receipt struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	HumanID   uint      `gorm:"index;not null" json:"human_id"`
	JobID     *uint     `gorm:"index" json:"job_id,omitempty"`
	Zents     int64     `gorm:"not null" json:"zents"`
	Summary   string    `gorm:"size:255" json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

func (Receipt) TableName() string { return "receipts" }
