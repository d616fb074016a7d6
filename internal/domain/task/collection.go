package task

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/camcops/camcops/internal/platform/auth"
	"github.com/camcops/camcops/internal/platform/db"
	"github.com/camcops/camcops/internal/platform/telemetry"
)

var tracer = otel.Tracer("github.com/camcops/camcops/internal/domain/task")

// CollectionOptions control how a Collection fetches and orders tasks.
type CollectionOptions struct {
	// AsDump uses the "may dump" permissions instead of "may see".
	AsDump      bool
	CurrentOnly bool
	SortByClass SortMethod
	SortGlobal  SortMethod
	// Parallel fetches each task table on its own pool connection.
	Parallel bool
}

// Collection is a permission-filtered view over tasks of several types.
// Results are fetched lazily and cached per task table.
type Collection struct {
	repo    Repository
	filter  *Filter
	opts    CollectionOptions
	classes []*Definition
	scope   Scope
	// empty is set when the user may see no groups at all.
	empty bool
	tel   *telemetry.TelemetryProvider

	mu      sync.Mutex
	byClass map[string][]*Task
	all     []*Task
}

// NewCollection prepares a collection for p. It does not touch the database.
func NewCollection(repo Repository, p *auth.Principal, f *Filter, opts CollectionOptions, tel *telemetry.TelemetryProvider) (*Collection, error) {
	if p == nil {
		return nil, ErrForbidden
	}
	if f == nil {
		f = &Filter{}
	}
	classes, err := f.TaskClasses()
	if err != nil {
		return nil, err
	}
	c := &Collection{
		repo:    repo,
		filter:  f,
		opts:    opts,
		classes: classes,
		tel:     tel,
		byClass: make(map[string][]*Task),
	}
	c.scope, c.empty = permittedScope(p, f, opts)
	return c, nil
}

// permittedScope restricts queries to the groups p may see (or dump).
// Superusers are unrestricted. Outside the groups where p may view all
// patients, an unfiltered listing shows anonymous tasks only.
func permittedScope(p *auth.Principal, f *Filter, opts CollectionOptions) (Scope, bool) {
	s := Scope{CurrentOnly: opts.CurrentOnly}
	if p.Superuser {
		s.AllGroups = true
		return s, false
	}
	if opts.AsDump {
		s.GroupIDs = p.IDsOfGroupsMayDump()
	} else {
		s.GroupIDs = p.IDsOfGroupsMaySee()
	}
	if len(s.GroupIDs) == 0 {
		return s, true
	}
	if !opts.AsDump && !f.IdentifiesPatient() {
		s.RestrictPatients = true
		s.PatientGroupIDs = p.IDsOfGroupsMayViewAllPatients()
		if s.PatientGroupIDs == nil {
			s.PatientGroupIDs = []int64{}
		}
	}
	return s, false
}

// TaskClasses returns the task types this collection covers.
func (c *Collection) TaskClasses() []*Definition {
	return c.classes
}

// TasksForClass returns the tasks of one type, sorted per SortByClass.
func (c *Collection) TasksForClass(ctx context.Context, table string) ([]*Task, error) {
	if err := c.fetchClass(ctx, table); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tasks := c.byClass[table]
	sortTasks(tasks, c.opts.SortByClass)
	return tasks, nil
}

// AllTasks returns the tasks of every type, merged and sorted per SortGlobal.
func (c *Collection) AllTasks(ctx context.Context) ([]*Task, error) {
	c.mu.Lock()
	if c.all != nil {
		defer c.mu.Unlock()
		return c.all, nil
	}
	c.mu.Unlock()

	if err := c.fetchAll(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	all := []*Task{}
	for _, d := range c.classes {
		tasks := c.byClass[d.TableName]
		sortTasks(tasks, c.opts.SortByClass)
		all = append(all, tasks...)
	}
	sortTasks(all, c.opts.SortGlobal)
	c.all = all
	return all, nil
}

// ForgetTaskClass drops the cached results for one type.
func (c *Collection) ForgetTaskClass(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byClass, table)
	c.all = nil
}

func (c *Collection) fetchAll(ctx context.Context) error {
	if !c.opts.Parallel {
		for _, d := range c.classes {
			if err := c.fetchClass(ctx, d.TableName); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(db.Detach(ctx))
	for _, d := range c.classes {
		table := d.TableName
		g.Go(func() error {
			return c.fetchClass(gctx, table)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("parallel task fetch: %w", err)
	}
	return nil
}

func (c *Collection) fetchClass(ctx context.Context, table string) error {
	c.mu.Lock()
	_, done := c.byClass[table]
	c.mu.Unlock()
	if done {
		return nil
	}
	if !slices.ContainsFunc(c.classes, func(d *Definition) bool { return d.TableName == table }) {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}

	var tasks []*Task
	if !c.empty {
		ctx, span := tracer.Start(ctx, "task.fetch")
		span.SetAttributes(attribute.String("camcops.task_table", table))
		start := time.Now()
		found, err := c.repo.Find(ctx, table, c.scope, c.filter)
		c.tel.ObserveTaskFetch(table, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return fmt.Errorf("fetch %s: %w", table, err)
		}
		span.SetAttributes(attribute.Int("camcops.task_count", len(found)))
		span.End()

		tasks = found
		if c.filter.HasPostFetchParts() {
			tasks = slices.DeleteFunc(found, func(t *Task) bool { return !c.filter.MatchesPostFetchParts(t) })
		}
	}
	if tasks == nil {
		tasks = []*Task{}
	}

	c.mu.Lock()
	c.byClass[table] = tasks
	c.mu.Unlock()
	return nil
}

// sortTasks orders tasks by when_created. Tasks without a creation time
// sort before all others; DESC reverses the whole order.
func sortTasks(tasks []*Task, m SortMethod) {
	if m == SortNone {
		return
	}
	slices.SortStableFunc(tasks, func(a, b *Task) int {
		r := compareCreated(a, b)
		if m == SortCreationDesc {
			return -r
		}
		return r
	})
}

func compareCreated(a, b *Task) int {
	switch {
	case a.WhenCreated == nil && b.WhenCreated == nil:
		return 0
	case a.WhenCreated == nil:
		return -1
	case b.WhenCreated == nil:
		return 1
	}
	return cmp.Compare(a.WhenCreated.UnixNano(), b.WhenCreated.UnixNano())
}
