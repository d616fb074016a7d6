package task

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("task not found")
	ErrUnknownTable = errors.New("no such task table")
	ErrInvalid      = errors.New("invalid task")
	ErrForbidden    = errors.New("not authorized")
	ErrLive         = errors.New("task is live on tablet")
	ErrErased       = errors.New("task already erased")
	ErrNoPatient    = errors.New("no such patient")
)

type Repository interface {
	// Create stores t, assigning PK and, when t.ID is zero, the next client
	// id for its table and device.
	Create(ctx context.Context, t *Task) error
	GetByPK(ctx context.Context, table string, pk int64) (*Task, error)
	// Find returns the records of one task table within scope matching the
	// SQL-side parts of f, ordered by pk.
	Find(ctx context.Context, table string, scope Scope, f *Filter) ([]*Task, error)
	// ErasePlaceholder clears the answers and marks the record erased.
	ErasePlaceholder(ctx context.Context, pk, userID int64, at time.Time) error
	// Delete removes the record and its special notes.
	Delete(ctx context.Context, pk int64) error
	// PatientGroup returns the group of the patient with server pk
	// patientPK, or ErrNoPatient.
	PatientGroup(ctx context.Context, patientPK int64) (int64, error)
}
