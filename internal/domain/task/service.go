package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/camcops/camcops/internal/platform/auth"
	"github.com/camcops/camcops/internal/platform/telemetry"
)

// EraseMode selects how a task is erased.
type EraseMode int

const (
	// EraseLeavePlaceholder keeps the record but wipes its answers.
	EraseLeavePlaceholder EraseMode = iota
	// EraseEntirely deletes the record.
	EraseEntirely
)

type Service struct {
	repo     Repository
	tel      *telemetry.TelemetryProvider
	parallel bool
	now      func() time.Time
}

// NewService returns a task service. parallel turns on concurrent
// per-table fetching for collections built by the service.
func NewService(repo Repository, tel *telemetry.TelemetryProvider, parallel bool) *Service {
	return &Service{repo: repo, tel: tel, parallel: parallel, now: time.Now}
}

// Collection builds a permission-filtered collection for p.
func (s *Service) Collection(p *auth.Principal, f *Filter, opts CollectionOptions) (*Collection, error) {
	opts.Parallel = opts.Parallel || s.parallel
	return NewCollection(s.repo, p, f, opts, s.tel)
}

// Get loads one task by table and server PK. Tasks in groups p may not see
// are reported as not found.
func (s *Service) Get(ctx context.Context, p *auth.Principal, table string, pk int64) (*Task, error) {
	if _, ok := Lookup(table); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	t, err := s.repo.GetByPK(ctx, table, pk)
	if err != nil {
		return nil, err
	}
	if p == nil || !p.MaySeeGroup(t.GroupID) {
		return nil, ErrNotFound
	}
	return t, nil
}

// Create stores a task entered on the server. Such records have no
// tablet, so they are finalized immediately.
func (s *Service) Create(ctx context.Context, p *auth.Principal, t *Task) error {
	d, ok := Lookup(t.TableName)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, t.TableName)
	}
	if p == nil || !p.MayUploadToGroup(t.GroupID) {
		return fmt.Errorf("%w: may not upload to group %d", ErrForbidden, t.GroupID)
	}
	if t.PatientPK != nil {
		groupID, err := s.repo.PatientGroup(ctx, *t.PatientPK)
		if err != nil {
			return err
		}
		if groupID != t.GroupID {
			return fmt.Errorf("%w: patient %d is not in group %d", ErrInvalid, *t.PatientPK, t.GroupID)
		}
	}
	if t.Answers == nil {
		t.Answers = Answers{}
	}
	if err := d.Validate(t.Answers); err != nil {
		return err
	}
	now := s.now().UTC()
	t.Era = now.Format(time.RFC3339)
	t.Current = true
	if t.WhenCreated == nil {
		t.WhenCreated = &now
	}
	uid := p.UserID
	t.AddingUserID = &uid
	return s.repo.Create(ctx, t)
}

// Erase wipes or deletes a task and returns a message for the user.
func (s *Service) Erase(ctx context.Context, p *auth.Principal, table string, pk int64, mode EraseMode) (string, error) {
	t, err := s.Get(ctx, p, table, pk)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w: No such task: %s, PK=%d", ErrNotFound, table, pk)
		}
		return "", err
	}
	if t.IsLive() {
		return "", fmt.Errorf("%w; can't erase", ErrLive)
	}
	if !p.AuthorizedToEraseTasks(t.GroupID) {
		return "", fmt.Errorf("%w to erase tasks for this task's group", ErrForbidden)
	}

	switch mode {
	case EraseEntirely:
		if err := s.repo.Delete(ctx, t.PK); err != nil {
			return "", err
		}
		return fmt.Sprintf("Task erased entirely (%s, server PK %d)", table, pk), nil
	default:
		if t.ManuallyErased {
			return "", ErrErased
		}
		if err := s.repo.ErasePlaceholder(ctx, t.PK, p.UserID, s.now().UTC()); err != nil {
			return "", err
		}
		return fmt.Sprintf("Task erased (%s, server PK %d)", table, pk), nil
	}
}

// TrackerPoint is one value of a tracker.
type TrackerPoint struct {
	TaskPK      int64      `json:"task_pk"`
	WhenCreated *time.Time `json:"when_created"`
	Value       any        `json:"value"`
}

// Tracker is the time series of one value of one task type.
type Tracker struct {
	TableName string         `json:"table_name"`
	ShortName string         `json:"shortname"`
	Spec      TrackerSpec    `json:"spec"`
	Points    []TrackerPoint `json:"points"`
}

// Trackers returns the time series of every trackable task type matching
// f, oldest first. Incomplete tasks are skipped.
func (s *Service) Trackers(ctx context.Context, p *auth.Principal, f *Filter) ([]Tracker, error) {
	coll, err := s.Collection(p, f, CollectionOptions{CurrentOnly: true, SortByClass: SortCreationAsc})
	if err != nil {
		return nil, err
	}
	var out []Tracker
	for _, d := range coll.TaskClasses() {
		if len(d.Trackers) == 0 {
			continue
		}
		tasks, err := coll.TasksForClass(ctx, d.TableName)
		if err != nil {
			return nil, err
		}
		for _, spec := range d.Trackers {
			tr := Tracker{TableName: d.TableName, ShortName: d.ShortName, Spec: spec, Points: []TrackerPoint{}}
			for _, t := range tasks {
				if !t.IsComplete() {
					continue
				}
				tr.Points = append(tr.Points, TrackerPoint{
					TaskPK:      t.PK,
					WhenCreated: t.WhenCreated,
					Value:       t.Summary(spec.Value),
				})
			}
			out = append(out, tr)
		}
		coll.ForgetTaskClass(d.TableName)
	}
	return out, nil
}

// CTVEntry is one task's contribution to the clinical text view.
type CTVEntry struct {
	TableName   string     `json:"table_name"`
	ShortName   string     `json:"shortname"`
	TaskPK      int64      `json:"task_pk"`
	WhenCreated *time.Time `json:"when_created"`
	Complete    bool       `json:"is_complete"`
	Lines       []string   `json:"lines"`
}

// ClinicalTextView returns the clinical text of every task matching f,
// oldest first.
func (s *Service) ClinicalTextView(ctx context.Context, p *auth.Principal, f *Filter) ([]CTVEntry, error) {
	coll, err := s.Collection(p, f, CollectionOptions{CurrentOnly: true, SortGlobal: SortCreationAsc})
	if err != nil {
		return nil, err
	}
	tasks, err := coll.AllTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CTVEntry, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, CTVEntry{
			TableName:   t.TableName,
			ShortName:   t.Definition().ShortName,
			TaskPK:      t.PK,
			WhenCreated: t.WhenCreated,
			Complete:    t.IsComplete(),
			Lines:       t.ClinicalText(),
		})
	}
	return out, nil
}
