package models

import (
	"strings"
	"time"
)

// Job is one unit of submitted work. It is pending while it has neither a
// Result nor a claim, taken while Taken is set, finished once it has a
// Result and expired once its artifacts are deleted.
type Job struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	HumanID   uint       `gorm:"index:idx_jobs_human_name;not null" json:"human_id"`
	TokenID   uint       `gorm:"index;not null" json:"token_id"`
	Token     *Token     `gorm:"foreignKey:TokenID" json:"-"`
	Name      string     `gorm:"index:idx_jobs_human_name;size:64;not null" json:"name"`
	URI1      string     `gorm:"column:uri1;size:255;not null" json:"uri1"`
	Taken     *string    `gorm:"size:128;index" json:"taken,omitempty"`
	TakenAt   *time.Time `json:"taken_at,omitempty"`
	Metas     string     `gorm:"type:text" json:"-"`
	Expired   bool       `gorm:"index;not null" json:"expired"`
	CreatedAt time.Time  `gorm:"index" json:"created_at"`
	Result    *Result    `gorm:"foreignKey:JobID" json:"result,omitempty"`
}

func (Job) TableName() string { return "jobs" }

// Finished reports whether the job has its terminal Result.
func (j *Job) Finished() bool {
	return j.Result != nil
}

// MetaList returns the job's "key:value" tags.
func (j *Job) MetaList() []string {
	if j.Metas == "" {
		return nil
	}
	return strings.Split(j.Metas, "\n")
}

// Meta returns the value of the first tag with the given key.
func (j *Job) Meta(key string) (string, bool) {
	for _, m := range j.MetaList() {
		if k, v, ok := strings.Cut(m, ":"); ok && k == key {
			return v, true
		}
	}
	return "", false
}

// Result is the terminal outcome of a Job. Created once, never updated.
type Result struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	JobID     uint      `gorm:"uniqueIndex;not null" json:"job_id"`
	URI2      *string   `gorm:"column:uri2;size:255" json:"uri2,omitempty"`
	Stdout    string    `gorm:"type:text" json:"stdout"`
	Exit      int       `gorm:"not null" json:"exit"`
	Msec      int64     `gorm:"not null" json:"msec"`
	Size      *int64    `json:"size,omitempty"`
	Errors    *int      `json:"errors,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (Result) TableName() string { return "results" }

// Success reports a zero exit code.
func (r *Result) Success() bool {
	return r.Exit == 0
}
