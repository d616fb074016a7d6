package export

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/camcops/camcops/internal/domain/patient"
	"github.com/camcops/camcops/internal/domain/task"
	"github.com/camcops/camcops/internal/platform/auth"
)

// -- Mock Export Repository --

type mockExportRepo struct {
	mu       sync.Mutex
	exported []*ExportedTask
	records  []*RedcapRecord
}

func newMockExportRepo() *mockExportRepo {
	return &mockExportRepo{}
}

func (m *mockExportRepo) CreateExportedTask(_ context.Context, et *ExportedTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimedLocked(et.RecipientName, et.TableName, et.TaskPK) {
		return ErrAlreadyDone
	}
	et.ID = int64(len(m.exported) + 1)
	cp := *et
	m.exported = append(m.exported, &cp)
	return nil
}

func (m *mockExportRepo) FinishExportedTask(_ context.Context, et *ExportedTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.exported {
		if e.ID == et.ID {
			cp := *et
			m.exported[i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockExportRepo) ListExportedTasks(_ context.Context, recipient string, limit, offset int) ([]*ExportedTask, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*ExportedTask
	for _, e := range m.exported {
		if recipient == "" || e.RecipientName == recipient {
			cp := *e
			all = append(all, &cp)
		}
	}
	total := len(all)
	if offset >= total {
		return []*ExportedTask{}, total, nil
	}
	return all[offset:min(offset+limit, total)], total, nil
}

func (m *mockExportRepo) Claimed(_ context.Context, recipient, table string, pk int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimedLocked(recipient, table, pk), nil
}

func (m *mockExportRepo) claimedLocked(recipient, table string, pk int64) bool {
	return slices.ContainsFunc(m.exported, func(e *ExportedTask) bool {
		return e.RecipientName == recipient && e.TableName == table && e.TaskPK == pk && e.Status != StatusFailed
	})
}

func (m *mockExportRepo) FailStale(_ context.Context, before time.Time, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.exported {
		if e.Status == StatusPending && e.StartedAt.Before(before) {
			e.Status = StatusFailed
			e.Message = message
			n++
		}
	}
	return n, nil
}

func (m *mockExportRepo) GetRedcapRecord(_ context.Context, recipient string, which int, value int64) (*RedcapRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.RecipientName == recipient && r.WhichIDNum == which && r.IDNumValue == value {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockExportRepo) CreateRedcapRecord(_ context.Context, r *RedcapRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.records {
		if e.RecipientName == r.RecipientName && e.WhichIDNum == r.WhichIDNum && e.IDNumValue == r.IDNumValue {
			return ErrAlreadyMapped
		}
	}
	r.ID = int64(len(m.records) + 1)
	cp := *r
	m.records = append(m.records, &cp)
	return nil
}

func (m *mockExportRepo) statuses() map[int64]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[int64]string{}
	for _, e := range m.exported {
		out[e.TaskPK] = e.Status
	}
	return out
}

// -- Mock Task Repository --

type mockTaskRepo struct {
	mu     sync.Mutex
	tasks  []*task.Task
	nextPK int64
}

func (m *mockTaskRepo) add(t *task.Task) *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPK++
	t.PK = m.nextPK
	t.Current = true
	if t.Answers == nil {
		t.Answers = task.Answers{}
	}
	m.tasks = append(m.tasks, t)
	return t
}

func (m *mockTaskRepo) Create(_ context.Context, t *task.Task) error {
	m.add(t)
	return nil
}

func (m *mockTaskRepo) GetByPK(_ context.Context, table string, pk int64) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.PK == pk && t.TableName == table {
			cp := *t
			return &cp, nil
		}
	}
	return nil, task.ErrNotFound
}

func (m *mockTaskRepo) Find(_ context.Context, table string, scope task.Scope, f *task.Filter) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*task.Task
	for _, t := range m.tasks {
		switch {
		case t.TableName != table:
		case scope.CurrentOnly && !t.Current:
		case !scope.AllGroups && !slices.Contains(scope.GroupIDs, t.GroupID):
		case f != nil && len(f.GroupIDs) > 0 && !slices.Contains(f.GroupIDs, t.GroupID):
		default:
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockTaskRepo) ErasePlaceholder(context.Context, int64, int64, time.Time) error { return nil }
func (m *mockTaskRepo) Delete(context.Context, int64) error                             { return nil }
func (m *mockTaskRepo) PatientGroup(context.Context, int64) (int64, error)              { return 1, nil }

// -- Fake patients --

type fakePatients map[int64]*patient.Patient

func (f fakePatients) GetPatient(_ context.Context, _ *auth.Principal, pk int64) (*patient.Patient, error) {
	p, ok := f[pk]
	if !ok {
		return nil, patient.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// -- Stub sender --

// stubSender fails the first failures calls with err, then succeeds. With a
// gate it blocks each call until the gate is closed.
type stubSender struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
	sent     []int64
	gate     chan struct{}
}

func (s *stubSender) Send(ctx context.Context, j *Job) (string, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return "", s.err
	}
	s.sent = append(s.sent, j.Task.PK)
	return "ok", nil
}

func (s *stubSender) sentPKs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.sent...)
}

func (s *stubSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func int64Ptr(v int64) *int64 { return &v }

// phq9Answers is a complete PHQ-9 with every item rated v.
func phq9Answers(v int) task.Answers {
	a := task.Answers{}
	for i := 1; i <= 9; i++ {
		a[fmt.Sprintf("q%d", i)] = float64(v)
	}
	if v > 0 {
		a["q10"] = float64(1)
	}
	return a
}
