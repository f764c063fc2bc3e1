package models

import "time"

// Lock is a per-(human, name) mutual exclusion row. At most one exists per
// key; Owner is the token of the holder.
type Lock struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	HumanID   uint      `gorm:"uniqueIndex:idx_locks_scope_name;not null" json:"human_id"`
	Name      string    `gorm:"uniqueIndex:idx_locks_scope_name;size:64;not null" json:"name"`
	Owner     string    `gorm:"size:128;not null" json:"owner"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Lock) TableName() string { return "locks" }
