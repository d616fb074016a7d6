package schedule

import (
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("schedule not found")
	ErrDuplicate = errors.New("a schedule with that name already exists in the group")
	ErrInUse     = errors.New("schedule has patients enrolled and cannot be deleted")
	ErrInvalid   = errors.New("invalid schedule")
	ErrForbidden = errors.New("not authorized to administer this schedule's group")
)

type Repository interface {
	// Create inserts the schedule and any items it carries.
	Create(ctx context.Context, s *Schedule) error
	Get(ctx context.Context, id int64) (*Schedule, error)
	// List returns the schedules of the given groups, or of every group
	// when groupIDs is nil.
	List(ctx context.Context, groupIDs []int64) ([]*Schedule, error)
	Update(ctx context.Context, s *Schedule) error
	Delete(ctx context.Context, id int64) error
	InUse(ctx context.Context, id int64) (bool, error)

	CreateItem(ctx context.Context, it *Item) error
	GetItem(ctx context.Context, id int64) (*Item, error)
	UpdateItem(ctx context.Context, it *Item) error
	DeleteItem(ctx context.Context, id int64) error

	ListForPatient(ctx context.Context, patientPK int64) ([]*PatientSchedule, error)
	// SetForPatient replaces the patient's enrolments with ps.
	SetForPatient(ctx context.Context, patientPK int64, ps []*PatientSchedule) error
}
