package models

import "time"

// Valve is a compute-once barrier row keyed by (human, name, badge).
// Owner counts entries into the race; Result holds the JSON of the memoized
// value once the winner resolves it.
type Valve struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	HumanID   uint      `gorm:"uniqueIndex:idx_valves_key;not null" json:"human_id"`
	Name      string    `gorm:"uniqueIndex:idx_valves_key;size:64;not null" json:"name"`
	Badge     string    `gorm:"uniqueIndex:idx_valves_key;size:128;not null" json:"badge"`
	Owner     int       `gorm:"not null" json:"owner"`
	Why       string    `gorm:"type:text" json:"why"`
	Result    *string   `gorm:"type:text" json:"result,omitempty"`
	JobID     *uint     `gorm:"index" json:"job_id,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Valve) TableName() string { return "valves" }

// Resolved reports whether the winner stored its result.
func (v *Valve) Resolved() bool {
	return v.Result != nil
}
