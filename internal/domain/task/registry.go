package task

import (
	"fmt"
	"slices"
	"sort"
)

// Question is one scored answer field with its permitted range.
type Question struct {
	Name     string
	Min      float64
	Max      float64
	Optional bool
}

// SummaryValue is one derived value, e.g. a total score.
type SummaryValue struct {
	Name    string `json:"name"`
	Value   any    `json:"value"`
	Comment string `json:"comment,omitempty"`
}

// TrackerLabel is a text label drawn at a y position on a tracker.
type TrackerLabel struct {
	Y     float64 `json:"y"`
	Label string  `json:"label"`
}

// TrackerSpec describes how one value of a task is plotted over time.
type TrackerSpec struct {
	Value            string         `json:"value"`
	PlotLabel        string         `json:"plot_label"`
	AxisLabel        string         `json:"axis_label"`
	AxisMin          float64        `json:"axis_min"`
	AxisMax          float64        `json:"axis_max"`
	HorizontalLines  []float64      `json:"horizontal_lines,omitempty"`
	HorizontalLabels []TrackerLabel `json:"horizontal_labels,omitempty"`
}

// Definition is a task type: what it asks, how it scores, and how it is
// summarised for clinicians.
type Definition struct {
	TableName string
	ShortName string
	LongName  string
	Questions []Question

	// Complete overrides the default completeness rule (every non-optional
	// question answered and in range).
	Complete func(a Answers) bool
	// Summarize returns derived values. It must tolerate incomplete answers.
	Summarize func(a Answers) []SummaryValue
	// ClinicalText returns the CTV lines for a complete record.
	ClinicalText func(a Answers) []string
	Trackers     []TrackerSpec
}

// IsComplete reports whether a is a complete, valid set of answers.
func (d *Definition) IsComplete(a Answers) bool {
	if err := d.Validate(a); err != nil {
		return false
	}
	if d.Complete != nil {
		return d.Complete(a)
	}
	for _, q := range d.Questions {
		if !q.Optional && !a.Has(q.Name) {
			return false
		}
	}
	return true
}

// Validate checks that every answer present is a known question within its
// range. Missing answers are not an error.
func (d *Definition) Validate(a Answers) error {
	for name := range a {
		i := slices.IndexFunc(d.Questions, func(q Question) bool { return q.Name == name })
		if i < 0 {
			return fmt.Errorf("%w: %s has no field %q", ErrInvalid, d.TableName, name)
		}
		if !a.Has(name) {
			continue
		}
		v, ok := a.Float(name)
		if !ok {
			return fmt.Errorf("%w: %s.%s is not numeric", ErrInvalid, d.TableName, name)
		}
		if q := d.Questions[i]; v < q.Min || v > q.Max {
			return fmt.Errorf("%w: %s.%s=%v outside %v..%v", ErrInvalid, d.TableName, name, v, q.Min, q.Max)
		}
	}
	return nil
}

func (d *Definition) questionNames() []string {
	names := make([]string, 0, len(d.Questions))
	for _, q := range d.Questions {
		if !q.Optional {
			names = append(names, q.Name)
		}
	}
	return names
}

var registry = map[string]*Definition{}

func register(d *Definition) {
	if _, dup := registry[d.TableName]; dup {
		panic("task: duplicate registration of " + d.TableName)
	}
	registry[d.TableName] = d
}

// Lookup returns the task type stored under table.
func Lookup(table string) (*Definition, bool) {
	d, ok := registry[table]
	return d, ok
}

// TableNames returns every registered task table, sorted.
func TableNames() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns every registered task type, sorted by table name.
func All() []*Definition {
	defs := make([]*Definition, 0, len(registry))
	for _, n := range TableNames() {
		defs = append(defs, registry[n])
	}
	return defs
}
