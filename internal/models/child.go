package models

import (
	"time"

	"github.com/lib/pq"
)

type Child struct {
	ID        string         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	FullName  string         `gorm:"column:full_name;type:text" json:"full_name"`
	BirthDate *time.Time     `gorm:"column:birth_date;type:date" json:"birth_date,omitempty"`
	Goals     pq.StringArray `gorm:"column:goals;type:text[]" json:"goals"`
	Interests pq.StringArray `gorm:"column:interests;type:text[]" json:"interests"`

	SessionsCompleted int `gorm:"column:sessions_completed;not null;default:0" json:"sessions_completed"`

	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Child) TableName() string { return "children" }

// AgeAt returns the child's age in whole years, or 0 when unknown.
func (c *Child) AgeAt(now time.Time) int {
	if c.BirthDate == nil {
		return 0
	}
	b := *c.BirthDate
	age := now.Year() - b.Year()
	if now.YearDay() < b.YearDay() {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}
