package export

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/camcops/camcops/internal/domain/patient"
	"github.com/camcops/camcops/internal/domain/task"
	"github.com/camcops/camcops/internal/platform/hl7v2"
)

// hl7Sender sends each task as an ORU^R01 over MLLP.
type hl7Sender struct {
	recipient *Recipient
	client    *hl7v2.Client
	now       func() time.Time
}

func (s *hl7Sender) Send(ctx context.Context, j *Job) (string, error) {
	msg, err := BuildORU(s.recipient, j, s.clock())
	if err != nil {
		return "", permanent(err)
	}
	ack, err := s.client.Send(ctx, msg)
	if err != nil {
		return "", err
	}
	text := ack.AckText()
	if text == "" {
		text = ack.AckCode()
	}
	return fmt.Sprintf("Sent to %s: %s", s.client.Addr(), text), nil
}

func (s *hl7Sender) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// BuildORU renders one task as an HL7 result message. The primary ID number
// leads PID-3 and the summaries become OBX segments.
func BuildORU(r *Recipient, j *Job, now time.Time) ([]byte, error) {
	if j.Patient == nil {
		return nil, ErrAnonymous
	}
	if _, ok := j.Patient.IDNumValue(r.PrimaryIDNum); !ok {
		return nil, fmt.Errorf("%w: idnum%d", ErrNoIDNum, r.PrimaryIDNum)
	}
	d := j.Task.Definition()
	if d == nil {
		return nil, fmt.Errorf("no task type %q", j.Task.TableName)
	}

	oru := hl7v2.ORU{
		SendingApp:   "CamCOPS",
		ControlID:    fmt.Sprintf("%s-%d-%d", j.Task.TableName, j.Task.PK, now.Unix()),
		Timestamp:    now,
		Patient:      hl7Patient(r.PrimaryIDNum, j.Patient),
		ServiceCode:  strings.ToUpper(j.Task.TableName),
		ServiceName:  d.LongName,
		Final:        !j.Task.IsLive(),
		Observations: observations(j.Task),
	}
	if h := r.HL7; h != nil {
		if h.SendingApp != "" {
			oru.SendingApp = h.SendingApp
		}
		oru.SendingFac, oru.ReceivingApp, oru.ReceivingFac = h.SendingFac, h.ReceivingApp, h.ReceivingFac
	}
	if j.Task.WhenCreated != nil {
		oru.ObservedAt = *j.Task.WhenCreated
	}
	return hl7v2.GenerateORU(oru)
}

func hl7Patient(primary int, p *patient.Patient) hl7v2.Patient {
	out := hl7v2.Patient{Surname: p.Surname, Forename: p.Forename, DOB: p.DOB, Sex: p.Sex}
	add := func(n patient.IDNum) {
		out.Identifiers = append(out.Identifiers, hl7v2.Identifier{
			Value:         fmt.Sprint(n.Value),
			AssigningAuth: "CamCOPS",
			TypeCode:      fmt.Sprintf("idnum%d", n.WhichIDNum),
		})
	}
	for _, n := range p.IDNums {
		if n.WhichIDNum == primary {
			add(n)
		}
	}
	for _, n := range p.IDNums {
		if n.WhichIDNum != primary {
			add(n)
		}
	}
	return out
}

func observations(t *task.Task) []hl7v2.Observation {
	var out []hl7v2.Observation
	for _, s := range t.Summaries() {
		obs := hl7v2.Observation{Code: s.Name, Display: s.Comment}
		switch v := s.Value.(type) {
		case nil:
			continue
		case bool:
			obs.Value = "N"
			if v {
				obs.Value = "Y"
			}
		case int, int64, float64:
			obs.Value = fmt.Sprint(v)
			obs.Numeric = true
		default:
			obs.Value = fmt.Sprint(v)
		}
		out = append(out, obs)
	}
	if text := t.ClinicalText(); len(text) > 0 {
		out = append(out, hl7v2.Observation{Code: "ctv", Display: "Clinical text", Value: strings.Join(text, "\n")})
	}
	return out
}
