package schedule

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/camcops/camcops/internal/domain/task"
)

const day = 24 * time.Hour

// Schedule is a named list of tasks a patient is asked to complete,
// relative to the date the patient is enrolled.
type Schedule struct {
	ID            int64  `json:"id"`
	GroupID       int64  `json:"group_id"`
	Name          string `json:"name"`
	EmailSubject  string `json:"email_subject"`
	EmailTemplate string `json:"email_template"`
	EmailFrom     string `json:"email_from,omitempty"`
	EmailCC       string `json:"email_cc,omitempty"`
	EmailBCC      string `json:"email_bcc,omitempty"`
	Items         []Item `json:"items"`
}

// Item is one task within a schedule. DueFrom is when the task may be
// started and DueBy when it must be finished, both relative to the
// patient's start date.
type Item struct {
	ID            int64
	ScheduleID    int64
	TaskTableName string
	DueFrom       *time.Duration
	DueBy         *time.Duration
}

// DueWithin is the window in which the task should be completed.
func (it Item) DueWithin() *time.Duration {
	if it.DueBy == nil {
		return nil
	}
	if it.DueFrom == nil {
		d := *it.DueBy
		return &d
	}
	d := *it.DueBy - *it.DueFrom
	return &d
}

// Description reads like "BMI @ 30 days".
func (it Item) Description() string {
	name := it.TaskTableName
	if d, ok := task.Lookup(it.TaskTableName); ok {
		name = d.ShortName
	}
	if it.DueFrom == nil {
		return name + " @ ? days"
	}
	return fmt.Sprintf("%s @ %d days", name, int64(*it.DueFrom/day))
}

type itemJSON struct {
	ID            int64    `json:"id"`
	ScheduleID    int64    `json:"schedule_id"`
	TaskTableName string   `json:"task_table_name"`
	DueFromDays   *float64 `json:"due_from_days"`
	DueByDays     *float64 `json:"due_by_days"`
	DueWithinDays *float64 `json:"due_within_days,omitempty"`
	Description   string   `json:"description,omitempty"`
}

func toDays(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	v := float64(*d) / float64(day)
	return &v
}

func fromDays(v *float64) *time.Duration {
	if v == nil {
		return nil
	}
	d := time.Duration(math.Round(*v * float64(day)))
	return &d
}

// MarshalJSON writes durations as days.
func (it Item) MarshalJSON() ([]byte, error) {
	return json.Marshal(itemJSON{
		ID:            it.ID,
		ScheduleID:    it.ScheduleID,
		TaskTableName: it.TaskTableName,
		DueFromDays:   toDays(it.DueFrom),
		DueByDays:     toDays(it.DueBy),
		DueWithinDays: toDays(it.DueWithin()),
		Description:   it.Description(),
	})
}

func (it *Item) UnmarshalJSON(b []byte) error {
	var j itemJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	*it = Item{
		ID:            j.ID,
		ScheduleID:    j.ScheduleID,
		TaskTableName: j.TaskTableName,
		DueFrom:       fromDays(j.DueFromDays),
		DueBy:         fromDays(j.DueByDays),
	}
	return nil
}

// PatientSchedule enrols a patient on a schedule.
type PatientSchedule struct {
	ID            int64          `json:"id"`
	PatientPK     int64          `json:"patient_pk"`
	ScheduleID    int64          `json:"schedule_id"`
	ScheduleName  string         `json:"schedule_name,omitempty"`
	StartDatetime *time.Time     `json:"start_datetime,omitempty"`
	Settings      map[string]any `json:"settings,omitempty"`
}
