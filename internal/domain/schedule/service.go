package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/camcops/camcops/internal/domain/task"
	"github.com/camcops/camcops/internal/platform/auth"
)

// Service manages task schedules. Every operation except patient
// enrolment lookups needs the caller to administer the schedule's group.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// ListSchedules returns the schedules of every group p administers.
func (s *Service) ListSchedules(ctx context.Context, p *auth.Principal) ([]*Schedule, error) {
	if p == nil {
		return nil, ErrForbidden
	}
	if p.Superuser {
		return s.repo.List(ctx, nil)
	}
	groups := p.IDsOfGroupsAdministered()
	if len(groups) == 0 {
		return []*Schedule{}, nil
	}
	return s.repo.List(ctx, groups)
}

// GetSchedule returns a schedule the caller administers. Schedules in other
// groups are reported as not found.
func (s *Service) GetSchedule(ctx context.Context, p *auth.Principal, id int64) (*Schedule, error) {
	sch, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil || !p.MayAdministerGroup(sch.GroupID) {
		return nil, ErrNotFound
	}
	return sch, nil
}

// Lookup returns a schedule without a permission check, for callers that
// have already authorized access through the patient it is attached to.
func (s *Service) Lookup(ctx context.Context, id int64) (*Schedule, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) CreateSchedule(ctx context.Context, p *auth.Principal, sch *Schedule) error {
	if p == nil || !p.MayAdministerGroup(sch.GroupID) {
		return ErrForbidden
	}
	if err := validate(sch); err != nil {
		return err
	}
	for i := range sch.Items {
		if err := validateItem(&sch.Items[i]); err != nil {
			return err
		}
	}
	return s.repo.Create(ctx, sch)
}

// UpdateSchedule edits the schedule's name, group and e-mail settings. Moving
// a schedule needs admin rights on both groups.
func (s *Service) UpdateSchedule(ctx context.Context, p *auth.Principal, sch *Schedule) error {
	old, err := s.GetSchedule(ctx, p, sch.ID)
	if err != nil {
		return err
	}
	if !p.MayAdministerGroup(sch.GroupID) {
		return ErrForbidden
	}
	if err := validate(sch); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, sch); err != nil {
		return err
	}
	sch.Items = old.Items
	return nil
}

func (s *Service) DeleteSchedule(ctx context.Context, p *auth.Principal, id int64) error {
	if _, err := s.GetSchedule(ctx, p, id); err != nil {
		return err
	}
	used, err := s.repo.InUse(ctx, id)
	if err != nil {
		return fmt.Errorf("check schedule usage: %w", err)
	}
	if used {
		return ErrInUse
	}
	return s.repo.Delete(ctx, id)
}

func (s *Service) AddItem(ctx context.Context, p *auth.Principal, scheduleID int64, it *Item) error {
	if _, err := s.GetSchedule(ctx, p, scheduleID); err != nil {
		return err
	}
	it.ScheduleID = scheduleID
	if err := validateItem(it); err != nil {
		return err
	}
	return s.repo.CreateItem(ctx, it)
}

// UpdateItem edits an item in place. The item stays on its schedule.
func (s *Service) UpdateItem(ctx context.Context, p *auth.Principal, it *Item) error {
	old, err := s.item(ctx, p, it.ID)
	if err != nil {
		return err
	}
	it.ScheduleID = old.ScheduleID
	if err := validateItem(it); err != nil {
		return err
	}
	return s.repo.UpdateItem(ctx, it)
}

func (s *Service) DeleteItem(ctx context.Context, p *auth.Principal, id int64) error {
	if _, err := s.item(ctx, p, id); err != nil {
		return err
	}
	return s.repo.DeleteItem(ctx, id)
}

func (s *Service) item(ctx context.Context, p *auth.Principal, id int64) (*Item, error) {
	it, err := s.repo.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetSchedule(ctx, p, it.ScheduleID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: no such item %d", ErrNotFound, id)
		}
		return nil, err
	}
	return it, nil
}

// ForPatient lists a patient's enrolments.
func (s *Service) ForPatient(ctx context.Context, patientPK int64) ([]*PatientSchedule, error) {
	return s.repo.ListForPatient(ctx, patientPK)
}

// SetForPatient replaces a patient's enrolments. Every schedule must belong
// to groupID, the patient's group, and appear at most once.
func (s *Service) SetForPatient(ctx context.Context, patientPK, groupID int64, ps []*PatientSchedule) error {
	seen := make(map[int64]bool, len(ps))
	for _, e := range ps {
		if seen[e.ScheduleID] {
			return fmt.Errorf("%w: schedule %d assigned twice", ErrInvalid, e.ScheduleID)
		}
		seen[e.ScheduleID] = true
		sch, err := s.repo.Get(ctx, e.ScheduleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: schedule %d does not exist", ErrInvalid, e.ScheduleID)
			}
			return err
		}
		if sch.GroupID != groupID {
			return fmt.Errorf("%w: schedule %s belongs to another group", ErrInvalid, sch.Name)
		}
		e.ScheduleName = sch.Name
	}
	return s.repo.SetForPatient(ctx, patientPK, ps)
}

func validate(sch *Schedule) error {
	sch.Name = strings.TrimSpace(sch.Name)
	if sch.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if sch.GroupID == 0 {
		return fmt.Errorf("%w: group_id is required", ErrInvalid)
	}
	if err := ValidateTemplate(sch.EmailTemplate); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func validateItem(it *Item) error {
	it.TaskTableName = strings.ToLower(strings.TrimSpace(it.TaskTableName))
	if _, ok := task.Lookup(it.TaskTableName); !ok {
		return fmt.Errorf("%w: unknown task type %q", ErrInvalid, it.TaskTableName)
	}
	if it.DueFrom != nil && *it.DueFrom < 0 {
		return fmt.Errorf("%w: due_from must not be negative", ErrInvalid)
	}
	if it.DueBy != nil && *it.DueBy <= 0 {
		return fmt.Errorf("%w: due_by must be positive", ErrInvalid)
	}
	if it.DueFrom != nil && it.DueBy != nil && *it.DueBy <= *it.DueFrom {
		return fmt.Errorf("%w: due_by must be later than due_from", ErrInvalid)
	}
	return nil
}
