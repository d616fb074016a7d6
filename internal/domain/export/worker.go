package export

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/camcops/camcops/internal/platform/telemetry"
)

// Backoff computes exponentially growing retry delays with ±20% jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	d = min(d, b.Max)
	jitter := float64(d) * 0.2 * (rand.Float64()*2 - 1)
	return time.Duration(float64(d) + jitter)
}

// Result is the outcome of one job.
type Result struct {
	Job      *Job
	Message  string
	Err      error
	Attempts int
}

// Pool runs export jobs on a fixed number of workers, retrying transient
// failures.
type Pool struct {
	workers     int
	maxAttempts int
	backoff     Backoff
	senderFor   func(*Recipient) (Sender, error)
	done        func(context.Context, Result)
	tel         *telemetry.TelemetryProvider
	logger      zerolog.Logger

	jobs chan *Job
	wg   sync.WaitGroup
	// stopShutdown detaches the shutdown hook from the pool's context.
	stopShutdown func() bool

	mu     sync.Mutex
	closed bool
}

// PoolConfig configures NewPool.
type PoolConfig struct {
	Workers     int
	MaxAttempts int
	Backoff     Backoff
	// SenderFor returns the sender for a recipient.
	SenderFor func(*Recipient) (Sender, error)
	// Done receives every finished job, successful or not.
	Done      func(context.Context, Result)
	Telemetry *telemetry.TelemetryProvider
	Logger    zerolog.Logger
}

// NewPool starts the workers. Cancelling ctx closes the queue: jobs still
// queued are handed to Done with ctx's error rather than sent. Close stops
// the pool once the queue drains.
func NewPool(ctx context.Context, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = Backoff{Initial: time.Second, Max: 5 * time.Minute}
	}
	p := &Pool{
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		senderFor:   cfg.SenderFor,
		done:        cfg.Done,
		tel:         cfg.Telemetry,
		logger:      cfg.Logger,
		jobs:        make(chan *Job, cfg.Workers*4),
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.stopShutdown = context.AfterFunc(ctx, p.closeQueue)
	return p
}

// Submit queues j, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, j *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrQueueClosed
	}
	select {
	case p.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for the queued ones to finish.
func (p *Pool) Close() {
	p.stopShutdown()
	p.closeQueue()
	p.wg.Wait()
}

func (p *Pool) closeQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
}

// run works through the queue until it is closed. Once ctx is done every
// remaining job is reported as failed without being sent.
func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for j := range p.jobs {
		var res Result
		if err := ctx.Err(); err != nil {
			res = Result{Job: j, Err: err}
		} else {
			res = p.process(ctx, j)
		}
		if p.done != nil {
			p.done(ctx, res)
		}
	}
}

func (p *Pool) process(ctx context.Context, j *Job) Result {
	ctx, span := otel.Tracer("camcops/export").Start(ctx, "export "+j.Recipient.Name)
	defer span.End()
	span.SetAttributes(
		attribute.String("export.recipient", j.Recipient.Name),
		attribute.String("export.transmission", string(j.Recipient.Type)),
		attribute.String("task.table", j.Task.TableName),
		attribute.Int64("task.pk", j.Task.PK),
	)

	start := time.Now()
	res := Result{Job: j}
	sender, err := p.senderFor(j.Recipient)
	if err != nil {
		res.Err = permanent(err)
	}
	for sender != nil {
		res.Attempts++
		res.Message, res.Err = sender.Send(ctx, j)
		if res.Err == nil || IsPermanent(res.Err) || res.Attempts >= p.maxAttempts {
			break
		}
		wait := p.backoff.Delay(res.Attempts)
		p.logger.Warn().Err(res.Err).
			Str("recipient", j.Recipient.Name).
			Str("task", j.Task.TableName).
			Int64("pk", j.Task.PK).
			Int("attempt", res.Attempts).
			Dur("retry_in", wait).
			Msg("export failed; will retry")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			res.Err = ctx.Err()
			sender = nil
		case <-t.C:
		}
	}

	status := StatusSucceeded
	if res.Err != nil {
		status = StatusFailed
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	p.tel.RecordExport(j.Recipient.Name, string(j.Recipient.Type), status, time.Since(start))
	return res
}
