package export

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/camcops/camcops/internal/domain/patient"
	"github.com/camcops/camcops/internal/domain/task"
	"github.com/camcops/camcops/internal/platform/auth"
	"github.com/camcops/camcops/internal/platform/telemetry"
)

// Tasks is the part of the task service exports read from.
type Tasks interface {
	Collection(p *auth.Principal, f *task.Filter, opts task.CollectionOptions) (*task.Collection, error)
	Get(ctx context.Context, p *auth.Principal, table string, pk int64) (*task.Task, error)
}

// Patients loads the patient a task belongs to.
type Patients interface {
	GetPatient(ctx context.Context, p *auth.Principal, pk int64) (*patient.Patient, error)
}

// Config configures NewService.
type Config struct {
	Recipients  []*Recipient
	Fieldmaps   *FieldmapCache
	Workers     int
	MaxAttempts int
	Backoff     Backoff
	HTTPClient  *http.Client
	Telemetry   *telemetry.TelemetryProvider
	Logger      zerolog.Logger
	// SenderFor overrides how senders are built, e.g. in tests.
	SenderFor func(*Recipient) (Sender, error)
}

type Service struct {
	repo       Repository
	tasks      Tasks
	patients   Patients
	recipients map[string]*Recipient
	order      []*Recipient
	logger     zerolog.Logger
	now        func() time.Time

	pool *Pool
	// pending counts jobs submitted but not yet logged as finished.
	pending sync.WaitGroup

	mu      sync.Mutex
	senders map[string]Sender
}

// StalePendingAge is how long an export may stay pending before a starting
// server treats it as abandoned.
const StalePendingAge = time.Hour

// NewService starts the export workers; they run until ctx is cancelled or
// Close is called.
func NewService(ctx context.Context, repo Repository, tasks Tasks, patients Patients, cfg Config) *Service {
	s := &Service{
		repo:       repo,
		tasks:      tasks,
		patients:   patients,
		recipients: make(map[string]*Recipient, len(cfg.Recipients)),
		order:      cfg.Recipients,
		logger:     cfg.Logger,
		now:        time.Now,
		senders:    make(map[string]Sender),
	}
	for _, r := range cfg.Recipients {
		s.recipients[r.Name] = r
	}
	senderFor := cfg.SenderFor
	if senderFor == nil {
		senderFor = func(r *Recipient) (Sender, error) {
			return NewSender(r, repo, cfg.Fieldmaps, cfg.HTTPClient)
		}
	}
	s.pool = NewPool(ctx, PoolConfig{
		Workers:     cfg.Workers,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		SenderFor:   s.cachedSender(senderFor),
		Done:        s.finish,
		Telemetry:   cfg.Telemetry,
		Logger:      cfg.Logger,
	})
	return s
}

// Close waits for queued exports and stops the workers.
func (s *Service) Close() {
	s.pool.Close()
}

// Wait blocks until every submitted export has been logged, or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FailStale marks exports left pending by a previous process, older than
// age, as failed so the next run queues them again.
func (s *Service) FailStale(ctx context.Context, age time.Duration) (int64, error) {
	n, err := s.repo.FailStale(ctx, s.now().Add(-age), "abandoned: server stopped before delivery")
	if err != nil {
		return 0, fmt.Errorf("fail stale exports: %w", err)
	}
	if n > 0 {
		s.logger.Warn().Int64("count", n).Msg("marked abandoned exports as failed")
	}
	return n, nil
}

// Recipients lists the configured recipients in file order.
func (s *Service) Recipients() []*Recipient {
	return s.order
}

func (s *Service) recipient(name string) (*Recipient, error) {
	r, ok := s.recipients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoRecipient, name)
	}
	return r, nil
}

// Run queues every task the recipient wants that is neither delivered nor
// already queued, and returns how many were queued.
func (s *Service) Run(ctx context.Context, p *auth.Principal, name string) (int, error) {
	r, err := s.recipient(name)
	if err != nil {
		return 0, err
	}
	if err := mayExport(p, r); err != nil {
		return 0, err
	}
	coll, err := s.tasks.Collection(p, r.Filter(), task.CollectionOptions{
		AsDump:      true,
		CurrentOnly: true,
		SortGlobal:  task.SortCreationAsc,
	})
	if err != nil {
		return 0, fmt.Errorf("collect tasks: %w", err)
	}
	tasks, err := coll.AllTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("collect tasks: %w", err)
	}

	patients := map[int64]*patient.Patient{}
	queued := 0
	for _, t := range tasks {
		if !r.Wants(t) {
			continue
		}
		claimed, err := s.repo.Claimed(ctx, r.Name, t.TableName, t.PK)
		if err != nil {
			return queued, err
		}
		if claimed {
			continue
		}
		var pt *patient.Patient
		if t.PatientPK != nil {
			if pt = patients[*t.PatientPK]; pt == nil {
				if pt, err = s.patients.GetPatient(ctx, p, *t.PatientPK); err != nil {
					return queued, fmt.Errorf("load patient %d: %w", *t.PatientPK, err)
				}
				patients[*t.PatientPK] = pt
			}
		}
		if _, err := s.submit(ctx, &Job{Recipient: r, Task: t, Patient: pt}); err != nil {
			if errors.Is(err, ErrAlreadyDone) {
				// Queued by a concurrent run.
				continue
			}
			return queued, err
		}
		queued++
	}
	s.logger.Info().Str("recipient", r.Name).Int("queued", queued).Msg("export run queued")
	return queued, nil
}

// ExportTask queues one task for a recipient.
func (s *Service) ExportTask(ctx context.Context, p *auth.Principal, name, table string, pk int64) (*ExportedTask, error) {
	r, err := s.recipient(name)
	if err != nil {
		return nil, err
	}
	if err := mayExport(p, r); err != nil {
		return nil, err
	}
	t, err := s.tasks.Get(ctx, p, table, pk)
	if err != nil {
		return nil, err
	}
	if !r.Wants(t) {
		return nil, fmt.Errorf("%w: recipient %s does not take %s %d", ErrForbidden, r.Name, table, pk)
	}
	claimed, err := s.repo.Claimed(ctx, r.Name, t.TableName, t.PK)
	if err != nil {
		return nil, err
	}
	if claimed {
		return nil, ErrAlreadyDone
	}
	var pt *patient.Patient
	if t.PatientPK != nil {
		if pt, err = s.patients.GetPatient(ctx, p, *t.PatientPK); err != nil {
			return nil, fmt.Errorf("load patient %d: %w", *t.PatientPK, err)
		}
	}
	return s.submit(ctx, &Job{Recipient: r, Task: t, Patient: pt})
}

// List returns the export log, newest first.
func (s *Service) List(ctx context.Context, recipient string, limit, offset int) ([]*ExportedTask, int, error) {
	if recipient != "" {
		if _, err := s.recipient(recipient); err != nil {
			return nil, 0, err
		}
	}
	return s.repo.ListExportedTasks(ctx, recipient, limit, offset)
}

// submit logs j as pending and queues it. The returned row is a snapshot;
// the worker updates j.Log. A job the queue refuses is logged as failed.
func (s *Service) submit(ctx context.Context, j *Job) (*ExportedTask, error) {
	j.Log = &ExportedTask{
		RecipientName: j.Recipient.Name,
		TableName:     j.Task.TableName,
		TaskPK:        j.Task.PK,
		Status:        StatusPending,
		StartedAt:     s.now().UTC(),
	}
	if err := s.repo.CreateExportedTask(ctx, j.Log); err != nil {
		if errors.Is(err, ErrAlreadyDone) {
			return nil, err
		}
		return nil, fmt.Errorf("log export: %w", err)
	}
	snapshot := *j.Log
	s.pending.Add(1)
	if err := s.pool.Submit(ctx, j); err != nil {
		s.finish(ctx, Result{Job: j, Err: err})
		return nil, err
	}
	return &snapshot, nil
}

// finish records a job's outcome. It runs on the worker goroutine, so it
// keeps going when the run's request context has gone.
func (s *Service) finish(ctx context.Context, res Result) {
	defer s.pending.Done()
	et := *res.Job.Log
	now := s.now().UTC()
	et.FinishedAt = &now
	et.Attempts = res.Attempts
	et.Status = StatusSucceeded
	et.Message = res.Message
	ev := s.logger.Info()
	if res.Err != nil {
		et.Status = StatusFailed
		et.Message = res.Err.Error()
		ev = s.logger.Error().Err(res.Err)
	}
	ev.Str("recipient", et.RecipientName).
		Str("task", et.TableName).
		Int64("pk", et.TaskPK).
		Int("attempts", et.Attempts).
		Str("status", et.Status).
		Msg("export finished")

	if err := s.repo.FinishExportedTask(context.WithoutCancel(ctx), &et); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Int64("exported_task", et.ID).Msg("failed to record export outcome")
	}
	*res.Job.Log = et
}

func (s *Service) cachedSender(build func(*Recipient) (Sender, error)) func(*Recipient) (Sender, error) {
	return func(r *Recipient) (Sender, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if snd, ok := s.senders[r.Name]; ok {
			return snd, nil
		}
		snd, err := build(r)
		if err != nil {
			return nil, err
		}
		s.senders[r.Name] = snd
		return snd, nil
	}
}

// mayExport requires p to hold dump rights over every group the recipient
// covers.
func mayExport(p *auth.Principal, r *Recipient) error {
	if p == nil {
		return ErrForbidden
	}
	if p.Superuser {
		return nil
	}
	dump := p.IDsOfGroupsMayDump()
	for _, g := range r.GroupIDs {
		if !slices.Contains(dump, g) {
			return fmt.Errorf("%w: may not dump group %d", ErrForbidden, g)
		}
	}
	return nil
}
