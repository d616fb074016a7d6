package task

import (
	"strings"
	"time"
)

// EraNow marks a record that is still live on the device that created it.
const EraNow = "NOW"

// Task is one stored questionnaire record.
type Task struct {
	PK                    int64      `json:"pk"`
	TableName             string     `json:"table_name"`
	ID                    int64      `json:"id"`
	DeviceID              int64      `json:"device_id"`
	Era                   string     `json:"era"`
	Current               bool       `json:"current"`
	GroupID               int64      `json:"group_id"`
	PatientPK             *int64     `json:"patient_pk,omitempty"`
	AddingUserID          *int64     `json:"adding_user_id,omitempty"`
	WhenCreated           *time.Time `json:"when_created,omitempty"`
	Answers               Answers    `json:"answers"`
	ManuallyErased        bool       `json:"manually_erased"`
	ManuallyErasedAt      *time.Time `json:"manually_erased_at,omitempty"`
	ManuallyErasingUserID *int64     `json:"manually_erasing_user_id,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Definition returns the task type of t. Every stored record has a
// registered table name; records with unknown tables are never loaded.
func (t *Task) Definition() *Definition {
	d, _ := Lookup(t.TableName)
	return d
}

// IsLive reports whether the record is still owned by the device.
func (t *Task) IsLive() bool { return t.Era == EraNow }

// IsAnonymous reports whether the task has no patient.
func (t *Task) IsAnonymous() bool { return t.PatientPK == nil }

func (t *Task) IsComplete() bool {
	if t.ManuallyErased {
		return false
	}
	d := t.Definition()
	return d != nil && d.IsComplete(t.Answers)
}

// Summaries returns the derived values, led by is_complete.
func (t *Task) Summaries() []SummaryValue {
	out := []SummaryValue{{Name: "is_complete", Value: t.IsComplete(), Comment: "Task complete?"}}
	if d := t.Definition(); d != nil && d.Summarize != nil && !t.ManuallyErased {
		out = append(out, d.Summarize(t.Answers)...)
	}
	return out
}

// Summary returns the named summary value, or nil.
func (t *Task) Summary(name string) any {
	for _, s := range t.Summaries() {
		if s.Name == name {
			return s.Value
		}
	}
	return nil
}

// SummaryMap returns the summaries keyed by name.
func (t *Task) SummaryMap() map[string]any {
	m := map[string]any{}
	for _, s := range t.Summaries() {
		m[s.Name] = s.Value
	}
	return m
}

// CTVIncomplete is the clinical text shown for incomplete records.
const CTVIncomplete = "Incomplete"

// ClinicalText returns the CTV lines for t.
func (t *Task) ClinicalText() []string {
	if !t.IsComplete() {
		return []string{CTVIncomplete}
	}
	d := t.Definition()
	if d.ClinicalText == nil {
		return nil
	}
	return d.ClinicalText(t.Answers)
}

// ContainsText reports whether any answer or summary contains every one of
// words (case-insensitive).
func (t *Task) ContainsText(words []string) bool {
	var b strings.Builder
	for _, v := range t.Answers {
		if s, ok := v.(string); ok {
			b.WriteString(strings.ToLower(s))
			b.WriteByte('\n')
		}
	}
	for _, line := range t.ClinicalText() {
		b.WriteString(strings.ToLower(line))
		b.WriteByte('\n')
	}
	text := b.String()
	for _, w := range words {
		if !strings.Contains(text, strings.ToLower(w)) {
			return false
		}
	}
	return true
}

// SortMethod orders tasks by when_created.
type SortMethod int

const (
	SortNone SortMethod = iota
	SortCreationAsc
	SortCreationDesc
)

// ParseSortMethod accepts "", "none", "asc" and "desc".
func ParseSortMethod(s string) (SortMethod, bool) {
	switch strings.ToLower(s) {
	case "", "none":
		return SortNone, true
	case "asc":
		return SortCreationAsc, true
	case "desc":
		return SortCreationDesc, true
	}
	return SortNone, false
}
