package task

import (
	"encoding/json"
	"strconv"
)

// Answers is the answer document of a task record, as stored in JSONB.
// Numbers decode as float64.
type Answers map[string]any

// Has reports whether name is answered (present and not null).
func (a Answers) Has(name string) bool {
	v, ok := a[name]
	return ok && v != nil
}

// Float returns the numeric value of name.
func (a Answers) Float(name string) (float64, bool) {
	switch v := a[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// Int returns name truncated to an int, 0 when unanswered.
func (a Answers) Int(name string) int {
	f, _ := a.Float(name)
	return int(f)
}

// Sum adds the named answers, treating unanswered ones as 0.
func (a Answers) Sum(names ...string) int {
	total := 0
	for _, n := range names {
		total += a.Int(n)
	}
	return total
}

// NAnswered counts the named answers that are present.
func (a Answers) NAnswered(names ...string) int {
	n := 0
	for _, name := range names {
		if a.Has(name) {
			n++
		}
	}
	return n
}
