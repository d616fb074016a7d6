package export

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/camcops/camcops/internal/domain/patient"
	"github.com/camcops/camcops/internal/domain/task"
	"github.com/camcops/camcops/internal/platform/hl7v2"
)

// Job is one task on its way to one recipient.
type Job struct {
	Recipient *Recipient
	Task      *task.Task
	// Patient is nil for anonymous tasks.
	Patient *patient.Patient
	// Log is the exported_task row tracking the job.
	Log *ExportedTask
}

// Sender delivers a job and returns a message for the export log.
type Sender interface {
	Send(ctx context.Context, j *Job) (string, error)
}

// permanentError marks a failure retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	var re *RedcapError
	if errors.As(err, &re) {
		return !re.Temporary()
	}
	return errors.Is(err, hl7v2.ErrNegativeAck) || errors.Is(err, context.Canceled)
}

// NewSender builds the sender for a recipient's transmission.
func NewSender(r *Recipient, repo Repository, fieldmaps *FieldmapCache, hc *http.Client) (Sender, error) {
	switch r.Type {
	case TransmissionRedcap:
		return &redcapSender{
			recipient: r,
			client:    NewRedcapClient(r.Redcap.APIURL, r.Redcap.APIKey, hc),
			fieldmaps: fieldmaps,
			repo:      repo,
		}, nil
	case TransmissionHL7:
		timeout := time.Duration(r.HL7.TimeoutSeconds) * time.Second
		return &hl7Sender{recipient: r, client: hl7v2.NewClient(r.HL7.Host, r.HL7.Port, timeout)}, nil
	case TransmissionFile:
		return &fileSender{dir: r.File.Directory}, nil
	default:
		return nil, fmt.Errorf("recipient %s: unknown type %q", r.Name, r.Type)
	}
}
