package patient

import (
	"context"
	"slices"
	"strings"

	"github.com/camcops/camcops/internal/domain/group"
	"github.com/camcops/camcops/internal/domain/idpolicy"
	"github.com/camcops/camcops/internal/domain/schedule"
)

// -- Mock Patient Repository --

type mockPatientRepo struct {
	patients     map[int64]*Patient
	defs         map[int]*IDNumDefinition
	notes        []*SpecialNote
	serverDevice int64
	nextPK       int64
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{
		patients:     make(map[int64]*Patient),
		defs:         make(map[int]*IDNumDefinition),
		serverDevice: 1,
	}
}

func clonePatient(p *Patient) *Patient {
	cp := *p
	cp.IDNums = slices.Clone(p.IDNums)
	if cp.IDNums == nil {
		cp.IDNums = []IDNum{}
	}
	cp.Schedules = nil
	return &cp
}

func (m *mockPatientRepo) add(p *Patient) *Patient {
	m.nextPK++
	p.PK = m.nextPK
	if p.DeviceID == m.serverDevice {
		p.CreatedOnServer = true
	}
	m.patients[p.PK] = clonePatient(p)
	return p
}

func (m *mockPatientRepo) Create(_ context.Context, p *Patient) error {
	m.add(p)
	return nil
}

func (m *mockPatientRepo) Get(_ context.Context, pk int64) (*Patient, error) {
	p, ok := m.patients[pk]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePatient(p), nil
}

func (m *mockPatientRepo) Search(_ context.Context, q SearchQuery) ([]*Patient, int, error) {
	var all []*Patient
	for pk := int64(1); pk <= m.nextPK; pk++ {
		p, ok := m.patients[pk]
		switch {
		case !ok:
		case q.GroupIDs != nil && !slices.Contains(q.GroupIDs, p.GroupID):
		case q.CurrentOnly && !p.Current:
		case q.Surname != "" && !strings.EqualFold(q.Surname, p.Surname):
		case q.Sex != "" && q.Sex != p.Sex:
		case q.IDNum != nil && !slices.Contains(p.IDNums, *q.IDNum):
		default:
			all = append(all, clonePatient(p))
		}
	}
	total := len(all)
	end := min(q.Offset+q.Limit, total)
	if q.Offset >= total {
		return []*Patient{}, total, nil
	}
	return all[q.Offset:end], total, nil
}

func (m *mockPatientRepo) Update(_ context.Context, p *Patient) error {
	if _, ok := m.patients[p.PK]; !ok {
		return ErrNotFound
	}
	m.patients[p.PK] = clonePatient(p)
	return nil
}

func (m *mockPatientRepo) Delete(_ context.Context, pk int64) error {
	if _, ok := m.patients[pk]; !ok {
		return ErrNotFound
	}
	delete(m.patients, pk)
	return nil
}

func (m *mockPatientRepo) NextClientID(_ context.Context, deviceID int64) (int64, error) {
	var max int64
	for _, p := range m.patients {
		if p.DeviceID == deviceID && p.ID > max {
			max = p.ID
		}
	}
	return max + 1, nil
}

func (m *mockPatientRepo) ServerDeviceID(context.Context) (int64, error) {
	return m.serverDevice, nil
}

func (m *mockPatientRepo) ListIDNumDefinitions(context.Context) ([]*IDNumDefinition, error) {
	var out []*IDNumDefinition
	for w := 1; w <= 20; w++ {
		if d, ok := m.defs[w]; ok {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockPatientRepo) GetIDNumDefinition(_ context.Context, which int) (*IDNumDefinition, error) {
	d, ok := m.defs[which]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *mockPatientRepo) CreateIDNumDefinition(_ context.Context, d *IDNumDefinition) error {
	if _, ok := m.defs[d.WhichIDNum]; ok {
		return ErrDuplicate
	}
	cp := *d
	m.defs[d.WhichIDNum] = &cp
	return nil
}

func (m *mockPatientRepo) UpdateIDNumDefinition(_ context.Context, d *IDNumDefinition) error {
	if _, ok := m.defs[d.WhichIDNum]; !ok {
		return ErrNotFound
	}
	cp := *d
	m.defs[d.WhichIDNum] = &cp
	return nil
}

func (m *mockPatientRepo) DeleteIDNumDefinition(_ context.Context, which int) error {
	if _, ok := m.defs[which]; !ok {
		return ErrNotFound
	}
	delete(m.defs, which)
	return nil
}

func (m *mockPatientRepo) IDNumInUse(_ context.Context, which int) (bool, error) {
	for _, p := range m.patients {
		for _, n := range p.IDNums {
			if n.WhichIDNum == which {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *mockPatientRepo) AddSpecialNote(_ context.Context, n *SpecialNote) error {
	n.NoteID = int64(len(m.notes) + 1)
	cp := *n
	m.notes = append(m.notes, &cp)
	return nil
}

func (m *mockPatientRepo) GetSpecialNote(_ context.Context, id int64) (*SpecialNote, error) {
	for _, n := range m.notes {
		if n.NoteID == id {
			cp := *n
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockPatientRepo) ListSpecialNotes(_ context.Context, basetable string, id int64) ([]*SpecialNote, error) {
	var out []*SpecialNote
	for _, n := range m.notes {
		if n.Basetable == basetable && n.TaskID == id && !n.Hidden {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *mockPatientRepo) HideSpecialNote(_ context.Context, id int64) error {
	for _, n := range m.notes {
		if n.NoteID == id {
			n.Hidden = true
			return nil
		}
	}
	return ErrNotFound
}

// -- Fake groups --

type fakeGroups map[int64]*group.Group

func (f fakeGroups) GetGroup(_ context.Context, id int64) (*group.Group, error) {
	g, ok := f[id]
	if !ok {
		return nil, group.ErrNotFound
	}
	return g, nil
}

func (f fakeGroups) Policies(ctx context.Context, id int64) (*idpolicy.Policy, *idpolicy.Policy, error) {
	g, err := f.GetGroup(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	upload, err := idpolicy.Parse(g.UploadPolicy)
	if err != nil {
		return nil, nil, err
	}
	finalize, err := idpolicy.Parse(g.FinalizePolicy)
	if err != nil {
		return nil, nil, err
	}
	return upload, finalize, nil
}

// -- Mock Schedule Repository --

type mockScheduleRepo struct {
	schedules map[int64]*schedule.Schedule
	enrolled  map[int64][]*schedule.PatientSchedule
	nextID    int64
}

func newMockScheduleRepo() *mockScheduleRepo {
	return &mockScheduleRepo{
		schedules: make(map[int64]*schedule.Schedule),
		enrolled:  make(map[int64][]*schedule.PatientSchedule),
	}
}

func (m *mockScheduleRepo) Create(_ context.Context, s *schedule.Schedule) error {
	m.nextID++
	s.ID = m.nextID
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *mockScheduleRepo) Get(_ context.Context, id int64) (*schedule.Schedule, error) {
	s, ok := m.schedules[id]
	if !ok {
		return nil, schedule.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockScheduleRepo) List(context.Context, []int64) ([]*schedule.Schedule, error) {
	return nil, nil
}

func (m *mockScheduleRepo) Update(context.Context, *schedule.Schedule) error { return nil }
func (m *mockScheduleRepo) Delete(context.Context, int64) error              { return nil }
func (m *mockScheduleRepo) InUse(context.Context, int64) (bool, error)       { return false, nil }
func (m *mockScheduleRepo) CreateItem(context.Context, *schedule.Item) error { return nil }
func (m *mockScheduleRepo) UpdateItem(context.Context, *schedule.Item) error { return nil }
func (m *mockScheduleRepo) DeleteItem(context.Context, int64) error          { return nil }

func (m *mockScheduleRepo) GetItem(context.Context, int64) (*schedule.Item, error) {
	return nil, schedule.ErrNotFound
}

func (m *mockScheduleRepo) ListForPatient(_ context.Context, pk int64) ([]*schedule.PatientSchedule, error) {
	var out []*schedule.PatientSchedule
	for _, ps := range m.enrolled[pk] {
		cp := *ps
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockScheduleRepo) SetForPatient(_ context.Context, pk int64, ps []*schedule.PatientSchedule) error {
	var stored []*schedule.PatientSchedule
	for _, p := range ps {
		p.PatientPK = pk
		cp := *p
		stored = append(stored, &cp)
	}
	m.enrolled[pk] = stored
	return nil
}
