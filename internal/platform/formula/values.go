package formula

import (
	"fmt"
	"strconv"
	"time"
)

// Values is what a formula sees as "task".
type Values struct {
	TableName   string
	Complete    bool
	WhenCreated time.Time
	Answers     map[string]any
	Summary     map[string]any
	Patient     PatientValues
}

// PatientValues carries the demographics of the task's patient.
type PatientValues struct {
	Forename string
	Surname  string
	Sex      string
	DOB      time.Time
	IDNums   map[int]int64
}

// Int returns the named answer as an int, 0 when missing.
func (v Values) Int(name string) int {
	return toInt(v.Answers[name])
}

// Float returns the named answer as a float64, 0 when missing.
func (v Values) Float(name string) float64 {
	switch x := v.Answers[name].(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}

// Str returns the named answer formatted as text, "" when missing.
func (v Values) Str(name string) string {
	a, ok := v.Answers[name]
	if !ok || a == nil {
		return ""
	}
	return fmt.Sprint(a)
}

// Has reports whether the named answer is present and non-null.
func (v Values) Has(name string) bool {
	a, ok := v.Answers[name]
	return ok && a != nil
}

// Sum adds the named answers, treating missing ones as 0.
func (v Values) Sum(names ...string) int {
	total := 0
	for _, n := range names {
		total += v.Int(n)
	}
	return total
}

// SummaryInt returns a numeric summary value such as "total".
func (v Values) SummaryInt(name string) int {
	return toInt(v.Summary[name])
}

// SummaryStr returns a summary value formatted as text.
func (v Values) SummaryStr(name string) string {
	s, ok := v.Summary[name]
	if !ok || s == nil {
		return ""
	}
	return fmt.Sprint(s)
}

// Date formats t, or returns "" for the zero time.
func (v Values) Date(t time.Time, layout string) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(layout)
}

// IDNum returns the patient's ID number of the given type, or 0.
func (p PatientValues) IDNum(which int) int64 {
	return p.IDNums[which]
}

func toInt(a any) int {
	switch x := a.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case bool:
		if x {
			return 1
		}
	case string:
		n, _ := strconv.Atoi(x)
		return n
	}
	return 0
}
