package patient

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("patient not found")
	ErrNotEditable = errors.New("Patient is not editable")
	ErrForbidden   = errors.New("Not authorized to edit this patient")
	ErrInvalid     = errors.New("invalid patient")
	ErrPolicy      = errors.New("patient does not meet the group's ID policy")
	ErrDuplicate   = errors.New("ID number definition already exists")
	ErrInUse       = errors.New("ID number type is in use and cannot be deleted")
)

// SearchQuery restricts a patient listing. Nil GroupIDs means every group.
type SearchQuery struct {
	GroupIDs    []int64
	Forename    string
	Surname     string
	DOB         *time.Time
	Sex         string
	IDNum       *IDNum
	CurrentOnly bool
	Limit       int
	Offset      int
}

type Repository interface {
	// Create inserts the patient and its ID numbers.
	Create(ctx context.Context, p *Patient) error
	Get(ctx context.Context, pk int64) (*Patient, error)
	Search(ctx context.Context, q SearchQuery) ([]*Patient, int, error)
	// Update writes demographics, group and ID numbers. Tasks belonging to
	// the patient follow it into a new group.
	Update(ctx context.Context, p *Patient) error
	// Delete removes the patient with its ID numbers, schedules, tasks and
	// notes.
	Delete(ctx context.Context, pk int64) error
	NextClientID(ctx context.Context, deviceID int64) (int64, error)
	ServerDeviceID(ctx context.Context) (int64, error)

	ListIDNumDefinitions(ctx context.Context) ([]*IDNumDefinition, error)
	GetIDNumDefinition(ctx context.Context, which int) (*IDNumDefinition, error)
	CreateIDNumDefinition(ctx context.Context, d *IDNumDefinition) error
	UpdateIDNumDefinition(ctx context.Context, d *IDNumDefinition) error
	DeleteIDNumDefinition(ctx context.Context, which int) error
	IDNumInUse(ctx context.Context, which int) (bool, error)

	AddSpecialNote(ctx context.Context, n *SpecialNote) error
	GetSpecialNote(ctx context.Context, noteID int64) (*SpecialNote, error)
	ListSpecialNotes(ctx context.Context, basetable string, id int64) ([]*SpecialNote, error)
	HideSpecialNote(ctx context.Context, noteID int64) error
}
