package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

const (
	// Version is the HL7 version written into MSH-12.
	Version = "2.3"

	hl7DateTime = "20060102150405"
	hl7Date     = "20060102"
)

// Identifier is one entry of PID-3.
type Identifier struct {
	Value         string
	AssigningAuth string // CX.4, e.g. "NHS"
	TypeCode      string // CX.5, e.g. "NHSN"
}

// Patient is what a PID segment carries.
type Patient struct {
	Identifiers []Identifier
	Surname     string
	Forename    string
	DOB         *time.Time
	Sex         string // F, M or X
}

// Observation becomes one OBX segment. Numeric values are sent as NM,
// everything else as ST, and multi-line text as TX.
type Observation struct {
	Code    string
	Display string
	Value   string
	Numeric bool
	Units   string
}

// ORU describes an unsolicited observation result message.
type ORU struct {
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	ControlID    string
	Timestamp    time.Time

	Patient      Patient
	ServiceCode  string // OBR-4.1
	ServiceName  string // OBR-4.2
	ObservedAt   time.Time
	Final        bool
	Observations []Observation
}

// GenerateORU builds an ORU^R01 message: MSH, PID, OBR and one OBX per
// observation, joined with \r.
func GenerateORU(o ORU) ([]byte, error) {
	if o.ControlID == "" {
		return nil, fmt.Errorf("hl7v2: control ID is required")
	}
	if len(o.Patient.Identifiers) == 0 {
		return nil, fmt.Errorf("hl7v2: at least one patient identifier is required")
	}
	ts := o.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	segments := []string{
		buildMSH(o, ts),
		buildPID(o.Patient),
		buildOBR(o),
	}
	status := "P"
	if o.Final {
		status = "F"
	}
	for i, obs := range o.Observations {
		segments = append(segments, buildOBX(i+1, obs, status))
	}
	return []byte(strings.Join(segments, "\r")), nil
}

func buildMSH(o ORU, ts time.Time) string {
	return fmt.Sprintf("MSH|^~\\&|%s|%s|%s|%s|%s||ORU^R01|%s|P|%s||||AL||UNICODE UTF-8",
		escapeHL7(o.SendingApp), escapeHL7(o.SendingFac),
		escapeHL7(o.ReceivingApp), escapeHL7(o.ReceivingFac),
		ts.Format(hl7DateTime), escapeHL7(o.ControlID), Version)
}

func buildPID(p Patient) string {
	ids := make([]string, 0, len(p.Identifiers))
	for _, id := range p.Identifiers {
		ids = append(ids, fmt.Sprintf("%s^^^%s^%s",
			escapeHL7(id.Value), escapeHL7(id.AssigningAuth), escapeHL7(id.TypeCode)))
	}
	dob := ""
	if p.DOB != nil {
		dob = p.DOB.Format(hl7Date)
	}
	return fmt.Sprintf("PID|1||%s||%s^%s||%s|%s",
		strings.Join(ids, "~"), escapeHL7(p.Surname), escapeHL7(p.Forename), dob, mapSex(p.Sex))
}

func buildOBR(o ORU) string {
	observed := ""
	if !o.ObservedAt.IsZero() {
		observed = o.ObservedAt.UTC().Format(hl7DateTime)
	}
	return fmt.Sprintf("OBR|1|||%s^%s|||%s",
		escapeHL7(o.ServiceCode), escapeHL7(o.ServiceName), observed)
}

func buildOBX(setID int, obs Observation, status string) string {
	valueType := "ST"
	switch {
	case obs.Numeric:
		valueType = "NM"
	case strings.Contains(obs.Value, "\n"):
		valueType = "TX"
	}
	value := escapeHL7(obs.Value)
	if valueType == "TX" {
		value = strings.ReplaceAll(value, "\n", "~")
	}
	return fmt.Sprintf("OBX|%d|%s|%s^%s||%s|%s|||||%s",
		setID, valueType, escapeHL7(obs.Code), escapeHL7(obs.Display),
		value, escapeHL7(obs.Units), status)
}

// escapeHL7 escapes the HL7 delimiter characters:
//
//	\F\ = |  \S\ = ^  \R\ = ~  \E\ = \  \T\ = &
func escapeHL7(s string) string {
	// Backslash first to avoid double-escaping.
	s = strings.ReplaceAll(s, "\\", "\\E\\")
	s = strings.ReplaceAll(s, "|", "\\F\\")
	s = strings.ReplaceAll(s, "^", "\\S\\")
	s = strings.ReplaceAll(s, "~", "\\R\\")
	s = strings.ReplaceAll(s, "&", "\\T\\")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

// mapSex converts the CamCOPS sex code to HL7 administrative sex.
func mapSex(sex string) string {
	switch strings.ToUpper(sex) {
	case "M":
		return "M"
	case "F":
		return "F"
	case "X":
		return "O"
	default:
		return "U"
	}
}
