package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/camcops/camcops/internal/platform/db"
)

// IDNumCriterion matches patients holding a given ID number.
type IDNumCriterion struct {
	WhichIDNum int   `json:"which_idnum"`
	Value      int64 `json:"idnum_value"`
}

// Filter narrows a task listing. Everything except CompleteOnly and
// TextContains is applied in SQL; those two need the task logic and are
// applied after fetching.
type Filter struct {
	TaskTypes     []string
	PatientPK     *int64
	IDNums        []IDNumCriterion
	Surname       string
	Forename      string
	DOB           *time.Time
	Sex           string
	StartDatetime *time.Time
	EndDatetime   *time.Time
	DeviceIDs     []int64
	AddingUserIDs []int64
	GroupIDs      []int64
	CompleteOnly  bool
	TextContains  []string
}

// TaskClasses returns the task types the filter selects; all of them when
// TaskTypes is empty.
func (f *Filter) TaskClasses() ([]*Definition, error) {
	if len(f.TaskTypes) == 0 {
		return All(), nil
	}
	defs := make([]*Definition, 0, len(f.TaskTypes))
	seen := map[string]bool{}
	for _, name := range f.TaskTypes {
		name = strings.ToLower(strings.TrimSpace(name))
		if seen[name] {
			continue
		}
		seen[name] = true
		d, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
		}
		defs = append(defs, d)
	}
	return defs, nil
}

// IdentifiesPatient reports whether the filter pins down patients by
// identity rather than listing everyone.
func (f *Filter) IdentifiesPatient() bool {
	return f.PatientPK != nil || len(f.IDNums) > 0 || f.Surname != "" ||
		f.Forename != "" || f.DOB != nil
}

// HasPostFetchParts reports whether some criteria are applied after the
// query.
func (f *Filter) HasPostFetchParts() bool {
	return f.CompleteOnly || len(f.TextContains) > 0
}

// MatchesPostFetchParts applies CompleteOnly and TextContains.
func (f *Filter) MatchesPostFetchParts(t *Task) bool {
	if f.CompleteOnly && !t.IsComplete() {
		return false
	}
	if len(f.TextContains) > 0 && !t.ContainsText(f.TextContains) {
		return false
	}
	return true
}

// Scope is the permission restriction applied to every task query.
type Scope struct {
	CurrentOnly bool
	// AllGroups lifts the group restriction (superusers).
	AllGroups bool
	GroupIDs  []int64
	// When RestrictPatients is set, tasks with a patient are only listed in
	// PatientGroupIDs; elsewhere only anonymous tasks are.
	RestrictPatients bool
	PatientGroupIDs  []int64
}

const taskFrom = `task t LEFT JOIN patient p ON p.pk = t.patient_pk`

// buildQuery turns a scope and filter into the SQL for one task table.
func buildQuery(table string, scope Scope, f *Filter) *db.Query {
	q := db.NewQuery(taskFrom, taskCols)
	q.AddEq("t.table_name", table)
	if scope.CurrentOnly {
		q.Add("t.current")
	}
	if !scope.AllGroups {
		q.AddAny("t.group_id", scope.GroupIDs)
		if scope.RestrictPatients {
			q.Add(fmt.Sprintf("(t.patient_pk IS NULL OR t.group_id = ANY($%d))", q.Idx()), scope.PatientGroupIDs)
		}
	}
	if f == nil {
		return q
	}

	if f.PatientPK != nil {
		q.AddEq("t.patient_pk", *f.PatientPK)
	}
	for _, c := range f.IDNums {
		q.Add(fmt.Sprintf(`EXISTS (SELECT 1 FROM patient_idnum i
			WHERE i.patient_pk = t.patient_pk AND i.which_idnum = $%d AND i.idnum_value = $%d)`,
			q.Idx(), q.Idx()+1), c.WhichIDNum, c.Value)
	}
	if f.Surname != "" {
		q.AddUpperEq("p.surname", f.Surname)
	}
	if f.Forename != "" {
		q.AddUpperEq("p.forename", f.Forename)
	}
	if f.DOB != nil {
		q.AddEq("p.dob", *f.DOB)
	}
	if f.Sex != "" {
		q.AddUpperEq("p.sex", f.Sex)
	}
	if f.StartDatetime != nil {
		q.Add(fmt.Sprintf("t.when_created >= $%d", q.Idx()), *f.StartDatetime)
	}
	if f.EndDatetime != nil {
		q.Add(fmt.Sprintf("t.when_created < $%d", q.Idx()), *f.EndDatetime)
	}
	if len(f.DeviceIDs) > 0 {
		q.AddAny("t.device_id", f.DeviceIDs)
	}
	if len(f.AddingUserIDs) > 0 {
		q.AddAny("t.adding_user_id", f.AddingUserIDs)
	}
	if len(f.GroupIDs) > 0 {
		q.AddAny("t.group_id", f.GroupIDs)
	}
	return q
}
