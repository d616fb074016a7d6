package patient

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/camcops/camcops/internal/domain/group"
	"github.com/camcops/camcops/internal/domain/idpolicy"
	"github.com/camcops/camcops/internal/domain/schedule"
	"github.com/camcops/camcops/internal/platform/auth"
	"github.com/camcops/camcops/internal/platform/middleware"
)

// Groups is the part of the group service patients need.
type Groups interface {
	GetGroup(ctx context.Context, id int64) (*group.Group, error)
	Policies(ctx context.Context, id int64) (upload, finalize *idpolicy.Policy, err error)
}

// TxRunner runs fn inside one database transaction.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

type Service struct {
	repo      Repository
	groups    Groups
	schedules *schedule.Service
	serverURL string
	tx        TxRunner
	now       func() time.Time
}

// NewService returns a patient service. serverURL is offered to patients in
// schedule e-mails.
func NewService(repo Repository, groups Groups, schedules *schedule.Service, serverURL string) *Service {
	return &Service{
		repo:      repo,
		groups:    groups,
		schedules: schedules,
		serverURL: serverURL,
		tx:        func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) },
		now:       time.Now,
	}
}

// WithTx makes multi-step edits atomic.
func (s *Service) WithTx(tx TxRunner) *Service {
	s.tx = tx
	return s
}

// WhichIDNums lists the defined ID number types. It lets the group service
// check policies against them.
func (s *Service) WhichIDNums(ctx context.Context) ([]int, error) {
	defs, err := s.repo.ListIDNumDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.WhichIDNum)
	}
	return out, nil
}

// GetPatient returns a patient in a group p may see, with its schedules.
func (s *Service) GetPatient(ctx context.Context, p *auth.Principal, pk int64) (*Patient, error) {
	pt, err := s.repo.Get(ctx, pk)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: Cannot find Patient with _pk:%d", ErrNotFound, pk)
		}
		return nil, err
	}
	if p == nil || !p.MaySeeGroup(pt.GroupID) {
		return nil, fmt.Errorf("%w: Cannot find Patient with _pk:%d", ErrNotFound, pk)
	}
	if pt.Schedules, err = s.schedules.ForPatient(ctx, pk); err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	return pt, nil
}

// SearchPatients lists patients in the groups p may see.
func (s *Service) SearchPatients(ctx context.Context, p *auth.Principal, q SearchQuery) ([]*Patient, int, error) {
	if p == nil {
		return nil, 0, ErrForbidden
	}
	if !p.Superuser {
		q.GroupIDs = p.IDsOfGroupsMaySee()
		if len(q.GroupIDs) == 0 {
			return []*Patient{}, 0, nil
		}
	} else {
		q.GroupIDs = nil
	}
	if q.Sex != "" {
		q.Sex = strings.ToUpper(q.Sex)
	}
	return s.repo.Search(ctx, q)
}

// AddPatient creates a patient on the server: the server device, era NOW,
// the next free client ID and a new UUID. Schedules in pt are enrolled.
func (s *Service) AddPatient(ctx context.Context, p *auth.Principal, pt *Patient) error {
	if p == nil || !p.MayAdministerGroup(pt.GroupID) {
		return fmt.Errorf("%w: not a group administrator for group %d", ErrForbidden, pt.GroupID)
	}
	if _, err := s.groups.GetGroup(ctx, pt.GroupID); err != nil {
		if errors.Is(err, group.ErrNotFound) {
			return fmt.Errorf("%w: no such group %d", ErrInvalid, pt.GroupID)
		}
		return err
	}
	if err := s.validate(ctx, pt); err != nil {
		return err
	}
	if err := s.checkPolicies(ctx, pt); err != nil {
		return err
	}

	return s.tx(ctx, func(ctx context.Context) error {
		deviceID, err := s.repo.ServerDeviceID(ctx)
		if err != nil {
			return err
		}
		id, err := s.repo.NextClientID(ctx, deviceID)
		if err != nil {
			return fmt.Errorf("next patient id: %w", err)
		}
		pt.ID = id
		pt.DeviceID = deviceID
		pt.Era = EraNow
		pt.Current = true
		pt.CreatedOnServer = true
		pt.UUID = uuid.New()
		if err := s.repo.Create(ctx, pt); err != nil {
			return err
		}
		if len(pt.Schedules) > 0 {
			return s.schedules.SetForPatient(ctx, pt.PK, pt.GroupID, pt.Schedules)
		}
		return nil
	})
}

// change is one line of an edit summary.
type change struct {
	field    string
	old, new string
}

func (c change) String() string { return fmt.Sprintf("%s: %s -> %s", c.field, c.old, c.new) }

// EditPatient applies upd to the patient pk and returns a summary of what
// changed. Only finalized or server-created patients are editable, and only
// server-created ones may move group. A nil upd.Schedules leaves schedules
// alone.
func (s *Service) EditPatient(ctx context.Context, p *auth.Principal, pk int64, upd *Patient) (string, error) {
	old, err := s.repo.Get(ctx, pk)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w: Cannot find Patient with _pk:%d", ErrNotFound, pk)
		}
		return "", err
	}
	if !old.IsEditable() {
		return "", ErrNotEditable
	}
	if p == nil || !p.MayAdministerGroup(old.GroupID) {
		return "", ErrForbidden
	}
	if upd.GroupID == 0 {
		upd.GroupID = old.GroupID
	}
	if upd.GroupID != old.GroupID {
		if !old.CreatedOnServer {
			return "", fmt.Errorf("%w: only server-created patients can change group", ErrInvalid)
		}
		if !p.MayAdministerGroup(upd.GroupID) {
			return "", ErrForbidden
		}
	}
	if err := s.validate(ctx, upd); err != nil {
		return "", err
	}

	changes := simpleChanges(old, upd)
	idChanges, err := s.idnumChanges(ctx, old.IDNums, upd.IDNums)
	if err != nil {
		return "", err
	}
	changes = append(changes, idChanges...)
	if upd.GroupID != old.GroupID {
		c, err := s.groupChange(ctx, old.GroupID, upd.GroupID)
		if err != nil {
			return "", err
		}
		changes = append(changes, c)
	}
	var oldSchedules []*schedule.PatientSchedule
	if upd.Schedules != nil {
		if oldSchedules, err = s.schedules.ForPatient(ctx, pk); err != nil {
			return "", fmt.Errorf("load schedules: %w", err)
		}
		sc, err := s.scheduleChanges(ctx, oldSchedules, upd.Schedules)
		if err != nil {
			return "", err
		}
		changes = append(changes, sc...)
	}
	if len(changes) == 0 {
		return "No changes required", nil
	}

	next := *old
	next.GroupID = upd.GroupID
	next.Forename, next.Surname, next.DOB, next.Sex = upd.Forename, upd.Surname, upd.DOB, upd.Sex
	next.Address, next.Email, next.GP, next.Other = upd.Address, upd.Email, upd.GP, upd.Other
	next.IDNums = upd.IDNums
	next.Schedules = upd.Schedules
	if err := s.checkPolicies(ctx, &next); err != nil {
		return "", err
	}

	lines := make([]string, len(changes))
	for i, c := range changes {
		lines[i] = c.String()
	}
	summary := strings.Join(lines, "; ")

	err = s.tx(ctx, func(ctx context.Context) error {
		if err := s.repo.Update(ctx, &next); err != nil {
			return err
		}
		if upd.Schedules != nil {
			if err := s.schedules.SetForPatient(ctx, pk, next.GroupID, upd.Schedules); err != nil {
				return err
			}
		}
		return s.repo.AddSpecialNote(ctx, &SpecialNote{
			Basetable: PatientTable,
			TaskID:    pk,
			Note:      "Patient details edited. Changes: " + summary,
			UserID:    &p.UserID,
			NoteAt:    s.now(),
		})
	})
	if err != nil {
		return "", err
	}
	*upd = next
	return fmt.Sprintf("Amended patient record with server PK %d. Changes: %s", pk, summary), nil
}

// DeleteServerCreatedPatient removes a patient created on the server along
// with its ID numbers, schedules and tasks.
func (s *Service) DeleteServerCreatedPatient(ctx context.Context, p *auth.Principal, pk int64) error {
	pt, err := s.repo.Get(ctx, pk)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: Cannot find Patient with _pk:%d", ErrNotFound, pk)
		}
		return err
	}
	if !pt.CreatedOnServer {
		return fmt.Errorf("%w: not created on the server", ErrNotEditable)
	}
	if p == nil || !p.MayAdministerGroup(pt.GroupID) {
		return ErrForbidden
	}
	return s.repo.Delete(ctx, pk)
}

// MailtoURL builds the invitation e-mail link for a patient's schedule.
func (s *Service) MailtoURL(ctx context.Context, p *auth.Principal, pk, scheduleID int64) (string, error) {
	pt, err := s.GetPatient(ctx, p, pk)
	if err != nil {
		return "", err
	}
	if !slices.ContainsFunc(pt.Schedules, func(ps *schedule.PatientSchedule) bool { return ps.ScheduleID == scheduleID }) {
		return "", fmt.Errorf("%w: patient is not on schedule %d", ErrNotFound, scheduleID)
	}
	if pt.Email == "" {
		return "", fmt.Errorf("%w: patient has no e-mail address", ErrInvalid)
	}
	sch, err := s.schedules.Lookup(ctx, scheduleID)
	if err != nil {
		return "", err
	}
	url, err := schedule.MailtoURL(pt.Email, sch, map[string]string{
		"access_key": pt.AccessKey(),
		"server_url": s.serverURL,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return url, nil
}

// -- ID number definitions --

func (s *Service) ListIDNumDefinitions(ctx context.Context) ([]*IDNumDefinition, error) {
	return s.repo.ListIDNumDefinitions(ctx)
}

func (s *Service) CreateIDNumDefinition(ctx context.Context, d *IDNumDefinition) error {
	if d.WhichIDNum <= 0 {
		return fmt.Errorf("%w: which_idnum must be positive", ErrInvalid)
	}
	if err := validateDefinition(d); err != nil {
		return err
	}
	return s.repo.CreateIDNumDefinition(ctx, d)
}

func (s *Service) UpdateIDNumDefinition(ctx context.Context, d *IDNumDefinition) error {
	if err := validateDefinition(d); err != nil {
		return err
	}
	return s.repo.UpdateIDNumDefinition(ctx, d)
}

// DeleteIDNumDefinition removes an ID number type no patient uses.
func (s *Service) DeleteIDNumDefinition(ctx context.Context, which int) error {
	used, err := s.repo.IDNumInUse(ctx, which)
	if err != nil {
		return fmt.Errorf("check idnum usage: %w", err)
	}
	if used {
		return ErrInUse
	}
	return s.repo.DeleteIDNumDefinition(ctx, which)
}

func validateDefinition(d *IDNumDefinition) error {
	d.Description = strings.TrimSpace(d.Description)
	d.ShortDescription = strings.TrimSpace(d.ShortDescription)
	if d.Description == "" || d.ShortDescription == "" {
		return fmt.Errorf("%w: description and short_description are required", ErrInvalid)
	}
	switch d.ValidationMethod {
	case ValidationNone, ValidationUKNHSNumber:
		return nil
	default:
		return fmt.Errorf("%w: unknown validation method %q", ErrInvalid, d.ValidationMethod)
	}
}

// -- Special notes --

// AddNote attaches a note to a patient. Markup is stripped.
func (s *Service) AddNote(ctx context.Context, p *auth.Principal, pk int64, text string) (*SpecialNote, error) {
	pt, err := s.GetPatient(ctx, p, pk)
	if err != nil {
		return nil, err
	}
	if !p.MayAddNotes(pt.GroupID) {
		return nil, fmt.Errorf("%w: may not add notes in this group", ErrForbidden)
	}
	text = middleware.SanitizeText(text)
	if text == "" {
		return nil, fmt.Errorf("%w: note is empty", ErrInvalid)
	}
	n := &SpecialNote{Basetable: PatientTable, TaskID: pk, Note: text, UserID: &p.UserID, NoteAt: s.now()}
	if err := s.repo.AddSpecialNote(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Service) ListNotes(ctx context.Context, p *auth.Principal, pk int64) ([]*SpecialNote, error) {
	if _, err := s.GetPatient(ctx, p, pk); err != nil {
		return nil, err
	}
	return s.repo.ListSpecialNotes(ctx, PatientTable, pk)
}

// HideNote hides a patient note from view. It is kept for audit.
func (s *Service) HideNote(ctx context.Context, p *auth.Principal, noteID int64) error {
	n, err := s.repo.GetSpecialNote(ctx, noteID)
	if err != nil {
		return err
	}
	if n.Basetable != PatientTable {
		return fmt.Errorf("%w: no such note %d", ErrNotFound, noteID)
	}
	pt, err := s.GetPatient(ctx, p, n.TaskID)
	if err != nil {
		return err
	}
	if !p.MayAddNotes(pt.GroupID) {
		return fmt.Errorf("%w: may not edit notes in this group", ErrForbidden)
	}
	return s.repo.HideSpecialNote(ctx, noteID)
}

// -- validation and change tracking --

func (s *Service) validate(ctx context.Context, pt *Patient) error {
	pt.Forename = middleware.SanitizeString(pt.Forename)
	pt.Surname = middleware.SanitizeString(pt.Surname)
	pt.Address = middleware.SanitizeText(pt.Address)
	pt.GP = middleware.SanitizeText(pt.GP)
	pt.Other = middleware.SanitizeText(pt.Other)
	pt.Email = strings.TrimSpace(pt.Email)
	pt.Sex = strings.ToUpper(strings.TrimSpace(pt.Sex))

	switch pt.Sex {
	case "", "F", "M", "X":
	default:
		return fmt.Errorf("%w: sex must be F, M or X", ErrInvalid)
	}
	if pt.Email != "" {
		addr, err := mail.ParseAddress(pt.Email)
		if err != nil {
			return fmt.Errorf("%w: bad e-mail address %q", ErrInvalid, pt.Email)
		}
		// mailto links need the bare address.
		pt.Email = addr.Address
	}
	if pt.DOB != nil {
		d := time.Date(pt.DOB.Year(), pt.DOB.Month(), pt.DOB.Day(), 0, 0, 0, 0, time.UTC)
		if d.After(s.now()) {
			return fmt.Errorf("%w: date of birth is in the future", ErrInvalid)
		}
		pt.DOB = &d
	}

	defs, err := s.definitions(ctx)
	if err != nil {
		return err
	}
	seen := map[int]bool{}
	for _, n := range pt.IDNums {
		d, ok := defs[n.WhichIDNum]
		if !ok {
			return fmt.Errorf("%w: idnum%d is not a defined ID number type", ErrInvalid, n.WhichIDNum)
		}
		if seen[n.WhichIDNum] {
			return fmt.Errorf("%w: more than one %s", ErrInvalid, d.Description)
		}
		seen[n.WhichIDNum] = true
		if err := d.Validate(n.Value); err != nil {
			return err
		}
	}
	slices.SortFunc(pt.IDNums, func(a, b IDNum) int { return a.WhichIDNum - b.WhichIDNum })
	return nil
}

// checkPolicies requires the patient to meet the non-empty upload and
// finalize policies of its group.
func (s *Service) checkPolicies(ctx context.Context, pt *Patient) error {
	upload, finalize, err := s.groups.Policies(ctx, pt.GroupID)
	if err != nil {
		return fmt.Errorf("group %d policies: %w", pt.GroupID, err)
	}
	info := pt.PolicyInfo()
	if !upload.Empty() && !upload.Satisfies(info) {
		return fmt.Errorf("%w: upload policy %q", ErrPolicy, upload)
	}
	if !finalize.Empty() && !finalize.Satisfies(info) {
		return fmt.Errorf("%w: finalize policy %q", ErrPolicy, finalize)
	}
	return nil
}

func (s *Service) definitions(ctx context.Context) (map[int]*IDNumDefinition, error) {
	defs, err := s.repo.ListIDNumDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ID number types: %w", err)
	}
	out := make(map[int]*IDNumDefinition, len(defs))
	for _, d := range defs {
		out[d.WhichIDNum] = d
	}
	return out, nil
}

func simpleChanges(old, upd *Patient) []change {
	var out []change
	add := func(field, a, b string) {
		if a != b {
			out = append(out, change{field, display(a), display(b)})
		}
	}
	add("forename", old.Forename, upd.Forename)
	add("surname", old.Surname, upd.Surname)
	add("dob", dateString(old.DOB), dateString(upd.DOB))
	add("sex", old.Sex, upd.Sex)
	add("address", old.Address, upd.Address)
	add("email", old.Email, upd.Email)
	add("gp", old.GP, upd.GP)
	add("other", old.Other, upd.Other)
	return out
}

func (s *Service) idnumChanges(ctx context.Context, old, upd []IDNum) ([]change, error) {
	defs, err := s.definitions(ctx)
	if err != nil {
		return nil, err
	}
	values := func(nums []IDNum) map[int]int64 {
		m := make(map[int]int64, len(nums))
		for _, n := range nums {
			m[n.WhichIDNum] = n.Value
		}
		return m
	}
	before, after := values(old), values(upd)
	var which []int
	for w := range before {
		which = append(which, w)
	}
	for w := range after {
		if _, ok := before[w]; !ok {
			which = append(which, w)
		}
	}
	slices.Sort(which)

	var out []change
	for _, w := range which {
		a, hadA := before[w]
		b, hadB := after[w]
		if hadA == hadB && a == b {
			continue
		}
		name := fmt.Sprintf("idnum%d", w)
		if d, ok := defs[w]; ok {
			name = fmt.Sprintf("idnum%d (%s)", w, d.Description)
		}
		out = append(out, change{name, optionalInt(a, hadA), optionalInt(b, hadB)})
	}
	return out, nil
}

func (s *Service) groupChange(ctx context.Context, from, to int64) (change, error) {
	a, err := s.groups.GetGroup(ctx, from)
	if err != nil {
		return change{}, err
	}
	b, err := s.groups.GetGroup(ctx, to)
	if err != nil {
		if errors.Is(err, group.ErrNotFound) {
			return change{}, fmt.Errorf("%w: no such group %d", ErrInvalid, to)
		}
		return change{}, err
	}
	return change{"group", a.Name, b.Name}, nil
}

func (s *Service) scheduleChanges(ctx context.Context, old, upd []*schedule.PatientSchedule) ([]change, error) {
	byID := func(ps []*schedule.PatientSchedule) map[int64]*schedule.PatientSchedule {
		m := make(map[int64]*schedule.PatientSchedule, len(ps))
		for _, p := range ps {
			m[p.ScheduleID] = p
		}
		return m
	}
	before, after := byID(old), byID(upd)
	var ids []int64
	for id := range before {
		ids = append(ids, id)
	}
	for id := range after {
		if _, ok := before[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	var out []change
	for _, id := range ids {
		a, b := before[id], after[id]
		if a != nil && b != nil && sameEnrolment(a, b) {
			continue
		}
		name := ""
		if a != nil {
			name = a.ScheduleName
		} else {
			sch, err := s.schedules.Lookup(ctx, id)
			if err != nil {
				if errors.Is(err, schedule.ErrNotFound) {
					return nil, fmt.Errorf("%w: schedule %d does not exist", ErrInvalid, id)
				}
				return nil, err
			}
			name = sch.Name
		}
		out = append(out, change{fmt.Sprintf("schedule%d (%s)", id, name), enrolment(a), enrolment(b)})
	}
	return out, nil
}

func sameEnrolment(a, b *schedule.PatientSchedule) bool {
	switch {
	case a.StartDatetime == nil && b.StartDatetime == nil:
	case a.StartDatetime == nil || b.StartDatetime == nil:
		return false
	case !a.StartDatetime.Equal(*b.StartDatetime):
		return false
	}
	if len(a.Settings) == 0 && len(b.Settings) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Settings, b.Settings)
}

func enrolment(ps *schedule.PatientSchedule) string {
	if ps == nil {
		return "(none)"
	}
	start := "(none)"
	if ps.StartDatetime != nil {
		start = ps.StartDatetime.Format(time.RFC3339)
	}
	return fmt.Sprintf("start %s, settings %v", start, ps.Settings)
}

func display(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func dateString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.DateOnly)
}

func optionalInt(v int64, ok bool) string {
	if !ok {
		return "(none)"
	}
	return fmt.Sprint(v)
}
