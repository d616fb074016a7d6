package patient

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/camcops/camcops/internal/domain/idpolicy"
	"github.com/camcops/camcops/internal/domain/schedule"
	"github.com/camcops/camcops/internal/platform/proquint"
)

// EraNow marks a record that is still live on the device that created it.
const EraNow = "NOW"

const unknownName = "(UNKNOWN)"

// Patient is a patient record. PK is the server's key; ID is the key on the
// client device that created it, unique per device and era.
type Patient struct {
	PK              int64                       `json:"pk"`
	ID              int64                       `json:"id"`
	DeviceID        int64                       `json:"device_id"`
	Era             string                      `json:"era"`
	Current         bool                        `json:"current"`
	GroupID         int64                       `json:"group_id"`
	UUID            uuid.UUID                   `json:"uuid"`
	Forename        string                      `json:"forename"`
	Surname         string                      `json:"surname"`
	DOB             *time.Time                  `json:"dob,omitempty"`
	Sex             string                      `json:"sex"`
	Address         string                      `json:"address"`
	Email           string                      `json:"email"`
	GP              string                      `json:"gp"`
	Other           string                      `json:"other"`
	IDNums          []IDNum                     `json:"idnums"`
	Schedules       []*schedule.PatientSchedule `json:"task_schedules,omitempty"`
	CreatedOnServer bool                        `json:"created_on_server"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

// IsFinalized reports whether the record has been moved off its device.
func (p *Patient) IsFinalized() bool { return p.Era != EraNow }

// IsEditable reports whether the server may change the record. Records
// still live on a tablet belong to the tablet.
func (p *Patient) IsEditable() bool { return p.IsFinalized() || p.CreatedOnServer }

// SurnameForenameUpper returns "SURNAME, FORENAME".
func (p *Patient) SurnameForenameUpper() string {
	sur, fore := strings.ToUpper(p.Surname), strings.ToUpper(p.Forename)
	if sur == "" {
		sur = unknownName
	}
	if fore == "" {
		fore = unknownName
	}
	return sur + ", " + fore
}

// AgeAt returns the patient's age in whole years at t.
func (p *Patient) AgeAt(t time.Time) (int, bool) {
	if p.DOB == nil {
		return 0, false
	}
	dob := *p.DOB
	age := t.Year() - dob.Year()
	if t.Month() < dob.Month() || (t.Month() == dob.Month() && t.Day() < dob.Day()) {
		age--
	}
	return age, true
}

// AccessKey is the patient's UUID as a proquint, used by patients to
// register an app.
func (p *Patient) AccessKey() string { return proquint.FromUUID(p.UUID) }

// IDNumValue returns the patient's ID number of type which.
func (p *Patient) IDNumValue(which int) (int64, bool) {
	for _, n := range p.IDNums {
		if n.WhichIDNum == which {
			return n.Value, true
		}
	}
	return 0, false
}

// PolicyInfo describes the patient for ID policy evaluation.
func (p *Patient) PolicyInfo() idpolicy.Info {
	info := idpolicy.Info{
		Forename: p.Forename != "",
		Surname:  p.Surname != "",
		DOB:      p.DOB != nil,
		Sex:      p.Sex != "",
		Address:  p.Address != "",
		GP:       p.GP != "",
		Email:    p.Email != "",
		IDNums:   make(map[int]bool, len(p.IDNums)),
	}
	for _, n := range p.IDNums {
		info.IDNums[n.WhichIDNum] = true
	}
	return info
}

// SpecialNote is a note attached to a record by a user after upload.
type SpecialNote struct {
	NoteID    int64     `json:"note_id"`
	Basetable string    `json:"basetable"`
	TaskID    int64     `json:"task_id"`
	Note      string    `json:"note"`
	UserID    *int64    `json:"user_id,omitempty"`
	NoteAt    time.Time `json:"note_at"`
	Hidden    bool      `json:"hidden"`
}

// PatientTable is the basetable of notes attached to patients.
const PatientTable = "patient"
