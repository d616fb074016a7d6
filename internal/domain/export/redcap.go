package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/camcops/camcops/internal/platform/formula"
)

// REDCap instrument completion codes.
const (
	redcapIncomplete = 0
	redcapComplete   = 2
)

// RedcapError is an error reply from the REDCap API.
type RedcapError struct {
	Status  int
	Message string
}

func (e *RedcapError) Error() string {
	return fmt.Sprintf("redcap: HTTP %d: %s", e.Status, e.Message)
}

// Temporary reports whether retrying may help.
func (e *RedcapError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// RedcapClient talks to one REDCap project through its API token.
type RedcapClient struct {
	apiURL string
	token  string
	http   *http.Client
}

func NewRedcapClient(apiURL, token string, hc *http.Client) *RedcapClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &RedcapClient{apiURL: apiURL, token: token, http: hc}
}

// ImportRecord writes one flat record. With autoNumber REDCap assigns the
// record ID and it is returned; otherwise record must carry record_id and
// that ID is returned.
func (c *RedcapClient) ImportRecord(ctx context.Context, record map[string]any, autoNumber bool) (string, error) {
	data, err := json.Marshal([]map[string]any{record})
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	form := url.Values{
		"token":             {c.token},
		"content":           {"record"},
		"format":            {"json"},
		"type":              {"flat"},
		"overwriteBehavior": {"normal"},
		"forceAutoNumber":   {strconv.FormatBool(autoNumber)},
		"data":              {string(data)},
		"returnFormat":      {"json"},
	}
	if autoNumber {
		form.Set("returnContent", "auto_ids")
	} else {
		form.Set("returnContent", "count")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("redcap: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("redcap: read reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return "", &RedcapError{Status: resp.StatusCode, Message: msg}
	}

	if !autoNumber {
		var out struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return "", fmt.Errorf("redcap: decode reply: %w", err)
		}
		if out.Count != 1 {
			return "", fmt.Errorf("redcap: expected 1 record updated, got %d", out.Count)
		}
		return fmt.Sprint(record["record_id"]), nil
	}

	// auto_ids replies with ["<new id>,<id sent>"].
	var ids []string
	if err := json.Unmarshal(body, &ids); err != nil {
		return "", fmt.Errorf("redcap: decode reply: %w", err)
	}
	if len(ids) != 1 {
		return "", fmt.Errorf("redcap: expected 1 record ID, got %d", len(ids))
	}
	newID, _, _ := strings.Cut(ids[0], ",")
	if newID == "" {
		return "", fmt.Errorf("redcap: empty record ID in %q", ids[0])
	}
	return newID, nil
}

// redcapSender exports tasks into a REDCap project, one record per patient
// keyed on the recipient's primary ID number.
type redcapSender struct {
	recipient *Recipient
	client    *RedcapClient
	fieldmaps *FieldmapCache
	repo      Repository

	// patients serializes sends per ID number value so one patient never
	// gets two auto-numbered records.
	patients keyedMutex
}

func (s *redcapSender) Send(ctx context.Context, j *Job) (string, error) {
	if j.Patient == nil {
		return "", permanent(ErrAnonymous)
	}
	value, ok := j.Patient.IDNumValue(s.recipient.PrimaryIDNum)
	if !ok {
		return "", permanent(fmt.Errorf("%w: idnum%d", ErrNoIDNum, s.recipient.PrimaryIDNum))
	}
	fm, err := s.fieldmaps.Get(j.Task.TableName)
	if err != nil {
		if errors.Is(err, ErrNoFieldmap) {
			return "", permanent(err)
		}
		return "", err
	}
	record, err := fm.Record(ctx, taskValues(j))
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", permanent(fmt.Errorf("fieldmap %s: %w", j.Task.TableName, err))
	}
	record["redcap_repeat_instrument"] = fm.Instrument
	status := redcapIncomplete
	if j.Task.IsComplete() {
		status = redcapComplete
	}
	record[fm.Instrument+"_complete"] = status

	unlock := s.patients.lock(value)
	defer unlock()

	existing, err := s.repo.GetRedcapRecord(ctx, s.recipient.Name, s.recipient.PrimaryIDNum, value)
	switch {
	case errors.Is(err, ErrNotFound):
		// The ID is ignored with auto-numbering but must be present.
		record["record_id"] = 0
		id, err := s.client.ImportRecord(ctx, record, true)
		if err != nil {
			return "", err
		}
		err = s.repo.CreateRedcapRecord(ctx, &RedcapRecord{
			RecipientName:  s.recipient.Name,
			RedcapRecordID: id,
			WhichIDNum:     s.recipient.PrimaryIDNum,
			IDNumValue:     value,
		})
		if errors.Is(err, ErrAlreadyMapped) {
			// Another server process created the patient's record first.
			return "", permanent(fmt.Errorf("redcap record %s duplicates the existing record for idnum%d: %w",
				id, s.recipient.PrimaryIDNum, err))
		}
		if err != nil {
			return "", fmt.Errorf("store redcap record %s: %w", id, err)
		}
		return fmt.Sprintf("Created REDCap record %s", id), nil
	case err != nil:
		return "", err
	default:
		record["record_id"] = existing.RedcapRecordID
		if _, err := s.client.ImportRecord(ctx, record, false); err != nil {
			return "", err
		}
		return fmt.Sprintf("Updated REDCap record %s", existing.RedcapRecordID), nil
	}
}

// keyedMutex is a set of mutexes created on demand and dropped once unused.
// The zero value is ready to use.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

// lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) lock(key int64) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[int64]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// taskValues is what fieldmap formulas see as "task".
func taskValues(j *Job) formula.Values {
	v := formula.Values{
		TableName: j.Task.TableName,
		Complete:  j.Task.IsComplete(),
		Answers:   map[string]any(j.Task.Answers),
		Summary:   j.Task.SummaryMap(),
	}
	if j.Task.WhenCreated != nil {
		v.WhenCreated = *j.Task.WhenCreated
	}
	if p := j.Patient; p != nil {
		v.Patient = formula.PatientValues{
			Forename: p.Forename,
			Surname:  p.Surname,
			Sex:      p.Sex,
			IDNums:   make(map[int]int64, len(p.IDNums)),
		}
		if p.DOB != nil {
			v.Patient.DOB = *p.DOB
		}
		for _, n := range p.IDNums {
			v.Patient.IDNums[n.WhichIDNum] = n.Value
		}
	}
	return v
}
