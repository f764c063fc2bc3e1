package models

import "time"

// Alteration is an ad-hoc script applied to the data of the next job with
// the given name. It is pending until JobID is set.
type Alteration struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	HumanID     uint       `gorm:"index:idx_alterations_human_name;not null" json:"human_id"`
	Name        string     `gorm:"index:idx_alterations_human_name;size:64;not null" json:"name"`
	Script      string     `gorm:"type:text;not null" json:"script"`
	JobID       *uint      `gorm:"index" json:"job_id,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (Alteration) TableName() string { return "alterations" }

// Pending reports whether the alteration has not been applied yet.
func (a *Alteration) Pending() bool {
	return a.JobID == nil
}
