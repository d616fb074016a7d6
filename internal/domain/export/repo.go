package export

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrNoRecipient = errors.New("no such export recipient")
	ErrForbidden   = errors.New("not authorized to export")
	ErrQueueClosed = errors.New("export queue is closed")
	ErrNoFieldmap  = errors.New("no REDCap fieldmap")
	ErrNoIDNum     = errors.New("patient lacks the recipient's primary ID number")
	ErrAnonymous   = errors.New("anonymous tasks cannot be sent to this recipient")
	ErrAlreadyDone = errors.New("task already exported or queued for this recipient")
	// ErrAlreadyMapped means another export created the patient's REDCap
	// record first.
	ErrAlreadyMapped = errors.New("patient already has a REDCap record")
)

type Repository interface {
	// CreateExportedTask logs a pending export. It returns ErrAlreadyDone
	// when the task is already pending or succeeded for the recipient.
	CreateExportedTask(ctx context.Context, et *ExportedTask) error
	// FinishExportedTask records the outcome of et.
	FinishExportedTask(ctx context.Context, et *ExportedTask) error
	ListExportedTasks(ctx context.Context, recipient string, limit, offset int) ([]*ExportedTask, int, error)
	// Claimed reports whether the task is pending or has already reached
	// the recipient.
	Claimed(ctx context.Context, recipient, table string, pk int64) (bool, error)
	// FailStale marks exports still pending since before the cutoff as
	// failed and returns how many there were.
	FailStale(ctx context.Context, before time.Time, message string) (int64, error)

	GetRedcapRecord(ctx context.Context, recipient string, which int, value int64) (*RedcapRecord, error)
	// CreateRedcapRecord stores a new mapping, or returns ErrAlreadyMapped.
	CreateRedcapRecord(ctx context.Context, r *RedcapRecord) error
}
