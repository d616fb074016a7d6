package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/camcops/camcops/internal/domain/patient"
	"github.com/camcops/camcops/internal/domain/task"
	"github.com/camcops/camcops/internal/domain/user"
	"github.com/camcops/camcops/internal/platform/auth"
)

// taskFixture is a group with one patient and four tasks, oldest first:
// phq9, gad7 and phq9 for the patient, then an anonymous gad7.
type taskFixture struct {
	env     *testEnv
	admin   *auth.Principal
	patient *patient.Patient
	tasks   []*task.Task
}

func newTaskFixture(t *testing.T) *taskFixture {
	t.Helper()
	env := newTestEnv(t)
	ctx := context.Background()

	g := env.createGroup(t, "clinic", "", "")
	admin := env.createUser(t, "admin", fullMember(g.ID))
	pt := &patient.Patient{GroupID: g.ID, Forename: "Jo", Surname: "Patient", Sex: "F"}
	if err := env.patients.AddPatient(ctx, admin, pt); err != nil {
		t.Fatalf("AddPatient: %v", err)
	}

	gad7 := func(v int) task.Answers {
		a := task.Answers{}
		for i := 1; i <= 7; i++ {
			a[fmt.Sprintf("q%d", i)] = float64(v)
		}
		return a
	}
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	specs := []struct {
		table   string
		patient bool
		answers task.Answers
	}{
		{"phq9", true, phq9Answers(1)},
		{"gad7", true, gad7(2)},
		{"phq9", true, phq9Answers(2)},
		{"gad7", false, gad7(0)},
	}
	f := &taskFixture{env: env, admin: admin, patient: pt}
	for i, s := range specs {
		tk := &task.Task{
			TableName:   s.table,
			GroupID:     g.ID,
			WhenCreated: ptrTime(base.AddDate(0, 0, 7*i)),
			Answers:     s.answers,
		}
		if s.patient {
			tk.PatientPK = &pt.PK
		}
		if err := env.tasks.Create(ctx, admin, tk); err != nil {
			t.Fatalf("Create task %d: %v", i, err)
		}
		if tk.IsLive() || tk.PK == 0 {
			t.Fatalf("task %d = %+v, want finalized and stored", i, tk)
		}
		f.tasks = append(f.tasks, tk)
	}
	return f
}

func pks(tasks []*task.Task) []int64 {
	out := make([]int64, len(tasks))
	for i, t := range tasks {
		out[i] = t.PK
	}
	return out
}

func TestCollection_SerialAndParallelAgree(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	filters := map[string]*task.Filter{
		"unfiltered": {},
		"patient":    {PatientPK: &f.patient.PK},
		"phq9 only":  {TaskTypes: []string{"phq9"}},
		"complete":   {CompleteOnly: true},
	}
	for name, filter := range filters {
		t.Run(name, func(t *testing.T) {
			opts := task.CollectionOptions{CurrentOnly: true, SortGlobal: task.SortCreationAsc}
			serial, err := f.env.tasks.Collection(f.admin, filter, opts)
			if err != nil {
				t.Fatalf("Collection: %v", err)
			}
			parallel, err := f.env.parallel.Collection(f.admin, filter, opts)
			if err != nil {
				t.Fatalf("Collection parallel: %v", err)
			}
			a, err := serial.AllTasks(ctx)
			if err != nil {
				t.Fatalf("AllTasks: %v", err)
			}
			b, err := parallel.AllTasks(ctx)
			if err != nil {
				t.Fatalf("AllTasks parallel: %v", err)
			}
			if diff := cmp.Diff(pks(a), pks(b)); diff != "" {
				t.Errorf("serial vs parallel (-serial +parallel):\n%s", diff)
			}
		})
	}

	coll, err := f.env.parallel.Collection(f.admin, &task.Filter{TaskTypes: []string{"phq9"}},
		task.CollectionOptions{CurrentOnly: true, SortGlobal: task.SortCreationAsc})
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	got, err := coll.AllTasks(ctx)
	if err != nil {
		t.Fatalf("AllTasks: %v", err)
	}
	if diff := cmp.Diff([]int64{f.tasks[0].PK, f.tasks[2].PK}, pks(got)); diff != "" {
		t.Errorf("phq9 tasks (-want +got):\n%s", diff)
	}
}

func TestCollection_UnfilteredHidesPatientsWithoutViewAll(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	viewer := f.env.createUser(t, "viewer", user.GroupMembership{
		GroupID:    f.tasks[0].GroupID,
		Membership: auth.Membership{MayUseWebviewer: true},
	})
	opts := task.CollectionOptions{CurrentOnly: true, SortGlobal: task.SortCreationAsc}

	coll, err := f.env.tasks.Collection(viewer, &task.Filter{}, opts)
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	got, err := coll.AllTasks(ctx)
	if err != nil {
		t.Fatalf("AllTasks: %v", err)
	}
	if diff := cmp.Diff([]int64{f.tasks[3].PK}, pks(got)); diff != "" {
		t.Errorf("unfiltered listing (-want +got):\n%s", diff)
	}

	coll, err = f.env.tasks.Collection(viewer, &task.Filter{Surname: "patient"}, opts)
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	got, err = coll.AllTasks(ctx)
	if err != nil {
		t.Fatalf("AllTasks: %v", err)
	}
	if diff := cmp.Diff(pks(f.tasks[:3]), pks(got)); diff != "" {
		t.Errorf("listing by surname (-want +got):\n%s", diff)
	}
}

func TestEraseAndTrackers(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	latest := f.tasks[2]

	msg, err := f.env.tasks.Erase(ctx, f.admin, "phq9", latest.PK, task.EraseLeavePlaceholder)
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if want := fmt.Sprintf("Task erased (phq9, server PK %d)", latest.PK); msg != want {
		t.Errorf("Erase message = %q, want %q", msg, want)
	}
	if _, err := f.env.tasks.Erase(ctx, f.admin, "phq9", latest.PK, task.EraseLeavePlaceholder); !errors.Is(err, task.ErrErased) {
		t.Errorf("second erase: got %v, want ErrErased", err)
	}

	erased, err := f.env.tasks.Get(ctx, f.admin, "phq9", latest.PK)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !erased.ManuallyErased || len(erased.Answers) != 0 || erased.IsComplete() {
		t.Errorf("erased task = %+v, want an empty incomplete placeholder", erased)
	}
	if erased.ManuallyErasingUserID == nil || *erased.ManuallyErasingUserID != f.admin.UserID {
		t.Errorf("erasing user = %v, want %d", erased.ManuallyErasingUserID, f.admin.UserID)
	}

	trackers, err := f.env.tasks.Trackers(ctx, f.admin, &task.Filter{PatientPK: &f.patient.PK})
	if err != nil {
		t.Fatalf("Trackers: %v", err)
	}
	var phq9Points []int64
	for _, tr := range trackers {
		if tr.TableName != "phq9" {
			continue
		}
		for _, pt := range tr.Points {
			phq9Points = append(phq9Points, pt.TaskPK)
		}
		break
	}
	if diff := cmp.Diff([]int64{f.tasks[0].PK}, phq9Points); diff != "" {
		t.Errorf("phq9 tracker points (-want +got):\n%s", diff)
	}

	ctv, err := f.env.tasks.ClinicalTextView(ctx, f.admin, &task.Filter{PatientPK: &f.patient.PK})
	if err != nil {
		t.Fatalf("ClinicalTextView: %v", err)
	}
	if len(ctv) != 3 || ctv[2].Complete {
		t.Errorf("ctv = %+v, want three entries ending with the erased task", ctv)
	}

	gad := f.tasks[1]
	if _, err := f.env.tasks.Erase(ctx, f.admin, "gad7", gad.PK, task.EraseEntirely); err != nil {
		t.Fatalf("Erase entirely: %v", err)
	}
	if _, err := f.env.tasks.Get(ctx, f.admin, "gad7", gad.PK); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("Get after delete: got %v, want ErrNotFound", err)
	}
}

func TestCreateTask_PatientMustShareGroup(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	other := f.env.createGroup(t, "ward", "", "")
	stranger := &patient.Patient{GroupID: other.ID, Forename: "Mo", Surname: "Other", Sex: "M"}
	if err := f.env.patients.AddPatient(ctx, superuser, stranger); err != nil {
		t.Fatalf("AddPatient: %v", err)
	}

	tk := &task.Task{TableName: "phq9", GroupID: f.patient.GroupID, PatientPK: &stranger.PK, Answers: phq9Answers(1)}
	if err := f.env.tasks.Create(ctx, superuser, tk); !errors.Is(err, task.ErrInvalid) {
		t.Errorf("task for a patient in another group: got %v, want ErrInvalid", err)
	}
	missing := int64(1 << 40)
	tk = &task.Task{TableName: "phq9", GroupID: f.patient.GroupID, PatientPK: &missing, Answers: phq9Answers(1)}
	if err := f.env.tasks.Create(ctx, superuser, tk); !errors.Is(err, task.ErrNoPatient) {
		t.Errorf("task for a missing patient: got %v, want ErrNoPatient", err)
	}
}

func TestDeleteTask_RemovesSpecialNotes(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	tk := f.tasks[1]

	if _, err := f.env.pool.Exec(ctx,
		`INSERT INTO special_note (basetable, task_id, note) VALUES ($1, $2, 'checked')`, tk.TableName, tk.PK); err != nil {
		t.Fatalf("insert note: %v", err)
	}
	if err := task.NewRepo(f.env.pool).Delete(ctx, tk.PK); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	var left int
	if err := f.env.pool.QueryRow(ctx,
		`SELECT count(*) FROM special_note WHERE basetable = $1 AND task_id = $2`, tk.TableName, tk.PK).Scan(&left); err != nil {
		t.Fatal(err)
	}
	if left != 0 {
		t.Errorf("%d special notes left after deleting %s %d", left, tk.TableName, tk.PK)
	}
}
