package export

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/camcops/camcops/internal/domain/patient"
	"github.com/camcops/camcops/internal/domain/task"
)

// fakeRedcap records imports and assigns record IDs from 17.
type fakeRedcap struct {
	mu      sync.Mutex
	imports []map[string]any
	forms   []map[string]string
	nextID  int
	status  int
	// delay holds every request before it is handled.
	delay time.Duration
}

func (f *fakeRedcap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		json.NewEncoder(w).Encode(map[string]string{"error": "project is offline"})
		return
	}
	if r.PostForm.Get("token") != "SECRET" {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": "You do not have permissions to use the API"})
		return
	}
	form := map[string]string{}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	f.forms = append(f.forms, form)

	var records []map[string]any
	json.Unmarshal([]byte(r.PostForm.Get("data")), &records)
	f.imports = append(f.imports, records[0])

	if r.PostForm.Get("forceAutoNumber") == "true" {
		if f.nextID == 0 {
			f.nextID = 17
		}
		json.NewEncoder(w).Encode([]string{strconv.Itoa(f.nextID) + ",0"})
		f.nextID++
		return
	}
	json.NewEncoder(w).Encode(map[string]int{"count": 1})
}

func newRedcapSender(t *testing.T, srv *httptest.Server, repo Repository) *redcapSender {
	t.Helper()
	dir := t.TempDir()
	writeFieldmap(t, dir, "phq9", phq9Fieldmap)
	return &redcapSender{
		recipient: &Recipient{Name: "study", Type: TransmissionRedcap, PrimaryIDNum: 1, GroupIDs: []int64{1}},
		client:    NewRedcapClient(srv.URL, "SECRET", srv.Client()),
		fieldmaps: NewFieldmapCache(dir, zerolog.Nop()),
		repo:      repo,
	}
}

func redcapJob(answers task.Answers) *Job {
	when := time.Date(2021, 2, 3, 10, 0, 0, 0, time.UTC)
	return &Job{
		Task: &task.Task{PK: 5, TableName: "phq9", GroupID: 1, Era: "2021-02-04T00:00:00Z",
			PatientPK: int64Ptr(1), WhenCreated: &when, Answers: answers},
		Patient: &patient.Patient{PK: 1, Forename: "Jo", Surname: "Patient",
			IDNums: []patient.IDNum{{WhichIDNum: 1, Value: 9434765919}}},
	}
}

func TestRedcapSender_NewThenExistingRecord(t *testing.T) {
	fake := &fakeRedcap{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	repo := newMockExportRepo()
	s := newRedcapSender(t, srv, repo)
	ctx := context.Background()

	msg, err := s.Send(ctx, redcapJob(phq9Answers(1)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != "Created REDCap record 17" {
		t.Errorf("unexpected message %q", msg)
	}
	rec, err := repo.GetRedcapRecord(ctx, "study", 1, 9434765919)
	if err != nil || rec.RedcapRecordID != "17" {
		t.Fatalf("record mapping not stored: %+v, %v", rec, err)
	}

	first := fake.imports[0]
	if first["redcap_repeat_instrument"] != "patient_health_questionnaire_9" {
		t.Errorf("unexpected instrument: %v", first)
	}
	if first["patient_health_questionnaire_9_complete"] != float64(2) {
		t.Errorf("expected complete status 2, got %v", first["patient_health_questionnaire_9_complete"])
	}
	if first["phq9_total_score"] != float64(9) || first["phq9_first_name"] != "Jo" {
		t.Errorf("unexpected fields: %v", first)
	}
	if fake.forms[0]["returnContent"] != "auto_ids" || fake.forms[0]["content"] != "record" {
		t.Errorf("unexpected form: %v", fake.forms[0])
	}

	incomplete := redcapJob(task.Answers{"q1": float64(3)})
	msg, err = s.Send(ctx, incomplete)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != "Updated REDCap record 17" {
		t.Errorf("unexpected message %q", msg)
	}
	second := fake.imports[1]
	if second["record_id"] != "17" || fake.forms[1]["forceAutoNumber"] != "false" {
		t.Errorf("update should target record 17: %v %v", second, fake.forms[1])
	}
	if second["patient_health_questionnaire_9_complete"] != float64(0) {
		t.Errorf("expected incomplete status 0, got %v", second["patient_health_questionnaire_9_complete"])
	}
}

func TestRedcapSender_ConcurrentNewPatient(t *testing.T) {
	fake := &fakeRedcap{delay: 20 * time.Millisecond}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	repo := newMockExportRepo()
	s := newRedcapSender(t, srv, repo)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j := redcapJob(phq9Answers(i))
			j.Task.PK = int64(10 + i)
			_, errs[i] = s.Send(ctx, j)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	var autoNumbered int
	for _, form := range fake.forms {
		if form["forceAutoNumber"] == "true" {
			autoNumbered++
		}
	}
	if autoNumbered != 1 || len(fake.forms) != 2 {
		t.Errorf("expected one new record then one update, got %d auto-numbered of %d imports", autoNumbered, len(fake.forms))
	}
	if len(repo.records) != 1 {
		t.Errorf("expected one record mapping, got %d", len(repo.records))
	}
}

// unmappedRepo never finds a record mapping, as if another process created
// it after the lookup.
type unmappedRepo struct{ *mockExportRepo }

func (unmappedRepo) GetRedcapRecord(context.Context, string, int, int64) (*RedcapRecord, error) {
	return nil, ErrNotFound
}

func TestRedcapSender_MappingRace(t *testing.T) {
	srv := httptest.NewServer(&fakeRedcap{})
	defer srv.Close()
	repo := unmappedRepo{newMockExportRepo()}
	s := newRedcapSender(t, srv, repo)
	ctx := context.Background()

	if _, err := s.Send(ctx, redcapJob(phq9Answers(1))); err != nil {
		t.Fatalf("first send: %v", err)
	}
	_, err := s.Send(ctx, redcapJob(phq9Answers(1)))
	if !errors.Is(err, ErrAlreadyMapped) || !IsPermanent(err) {
		t.Fatalf("expected permanent ErrAlreadyMapped, got %v", err)
	}
	rec, _ := repo.mockExportRepo.GetRedcapRecord(ctx, "study", 1, 9434765919)
	if rec == nil || rec.RedcapRecordID != "17" {
		t.Errorf("first mapping should be kept, got %+v", rec)
	}
}

func TestKeyedMutex(t *testing.T) {
	var k keyedMutex
	unlock := k.lock(1)

	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		k.lock(1)()
	}()
	// Other keys are independent.
	k.lock(2)()

	select {
	case <-acquired:
		t.Fatal("second lock of the same key acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("lock not released")
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.locks) != 0 {
		t.Errorf("unused locks kept: %d", len(k.locks))
	}
}

func TestRedcapSender_Refusals(t *testing.T) {
	srv := httptest.NewServer(&fakeRedcap{})
	defer srv.Close()
	s := newRedcapSender(t, srv, newMockExportRepo())
	ctx := context.Background()

	anon := redcapJob(phq9Answers(0))
	anon.Patient = nil
	if _, err := s.Send(ctx, anon); !errors.Is(err, ErrAnonymous) || !IsPermanent(err) {
		t.Errorf("expected permanent ErrAnonymous, got %v", err)
	}

	noID := redcapJob(phq9Answers(0))
	noID.Patient.IDNums = []patient.IDNum{{WhichIDNum: 2, Value: 5}}
	if _, err := s.Send(ctx, noID); !errors.Is(err, ErrNoIDNum) || !IsPermanent(err) {
		t.Errorf("expected permanent ErrNoIDNum, got %v", err)
	}

	gad := redcapJob(task.Answers{})
	gad.Task.TableName = "gad7"
	if _, err := s.Send(ctx, gad); !errors.Is(err, ErrNoFieldmap) || !IsPermanent(err) {
		t.Errorf("expected permanent ErrNoFieldmap, got %v", err)
	}
}

func TestRedcapClient_Errors(t *testing.T) {
	fake := &fakeRedcap{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	ctx := context.Background()

	_, err := NewRedcapClient(srv.URL, "WRONG", srv.Client()).ImportRecord(ctx, map[string]any{"record_id": 0}, true)
	var re *RedcapError
	if !errors.As(err, &re) || re.Status != http.StatusForbidden || re.Message != "You do not have permissions to use the API" {
		t.Fatalf("expected 403 RedcapError, got %v", err)
	}
	if !IsPermanent(err) {
		t.Error("a 403 should not be retried")
	}

	fake.status = http.StatusServiceUnavailable
	_, err = NewRedcapClient(srv.URL, "SECRET", srv.Client()).ImportRecord(ctx, map[string]any{"record_id": 0}, true)
	if !errors.As(err, &re) || re.Status != http.StatusServiceUnavailable || IsPermanent(err) {
		t.Errorf("expected a retryable 503, got %v", err)
	}
}
