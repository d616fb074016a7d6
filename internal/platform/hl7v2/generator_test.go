package hl7v2

import (
	"strings"
	"testing"
	"time"
)

func sampleORUSpec() ORU {
	dob := time.Date(1980, 5, 15, 0, 0, 0, 0, time.UTC)
	return ORU{
		SendingApp:   "CamCOPS",
		ReceivingApp: "RiO",
		ControlID:    "42",
		Timestamp:    time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC),
		Patient: Patient{
			Identifiers: []Identifier{
				{Value: "9999999999", AssigningAuth: "NHS", TypeCode: "NHSN"},
				{Value: "R123", AssigningAuth: "RiO", TypeCode: "CPFT"},
			},
			Surname:  "Doe",
			Forename: "Jane",
			DOB:      &dob,
			Sex:      "F",
		},
		ServiceCode: "phq9",
		ServiceName: "Patient Health Questionnaire-9",
		ObservedAt:  time.Date(2024, 1, 14, 9, 30, 0, 0, time.UTC),
		Final:       true,
		Observations: []Observation{
			{Code: "total", Display: "Total score", Value: "12", Numeric: true},
			{Code: "severity", Display: "Severity", Value: "moderate"},
		},
	}
}

func TestGenerateORU_RoundTrip(t *testing.T) {
	raw, err := GenerateORU(sampleORUSpec())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("generated message does not parse: %v", err)
	}
	if msg.Type != "ORU^R01" {
		t.Errorf("expected ORU^R01, got %q", msg.Type)
	}
	if msg.ControlID != "42" {
		t.Errorf("expected control ID 42, got %q", msg.ControlID)
	}
	if msg.Version != Version {
		t.Errorf("expected version %s, got %q", Version, msg.Version)
	}
	if msg.PatientID() != "9999999999" {
		t.Errorf("expected first identifier, got %q", msg.PatientID())
	}
	family, given := msg.PatientName()
	if family != "Doe" || given != "Jane" {
		t.Errorf("unexpected name %q^%q", family, given)
	}

	pid := msg.GetSegment("PID")
	if pid.GetField(7) != "19800515" {
		t.Errorf("expected DOB 19800515, got %q", pid.GetField(7))
	}
	if pid.GetField(8) != "F" {
		t.Errorf("expected sex F, got %q", pid.GetField(8))
	}
	if !strings.Contains(pid.GetField(3), "~R123^^^RiO^CPFT") {
		t.Errorf("expected second identifier repetition, got %q", pid.GetField(3))
	}

	obr := msg.GetSegment("OBR")
	if obr.GetComponent(4, 1) != "phq9" || obr.GetField(7) != "20240114093000" {
		t.Errorf("unexpected OBR: %q / %q", obr.GetField(4), obr.GetField(7))
	}

	obx := msg.GetSegments("OBX")
	if len(obx) != 2 {
		t.Fatalf("expected 2 OBX, got %d", len(obx))
	}
	if obx[0].GetField(2) != "NM" || obx[0].GetField(5) != "12" || obx[0].GetField(11) != "F" {
		t.Errorf("unexpected first OBX: %+v", obx[0])
	}
	if obx[1].GetField(2) != "ST" || obx[1].GetField(5) != "moderate" {
		t.Errorf("unexpected second OBX: %+v", obx[1])
	}
}

func TestGenerateORU_Validation(t *testing.T) {
	o := sampleORUSpec()
	o.ControlID = ""
	if _, err := GenerateORU(o); err == nil {
		t.Error("expected error without control ID")
	}

	o = sampleORUSpec()
	o.Patient.Identifiers = nil
	if _, err := GenerateORU(o); err == nil {
		t.Error("expected error without identifiers")
	}
}

func TestGenerateORU_PreliminaryAndText(t *testing.T) {
	o := sampleORUSpec()
	o.Final = false
	o.Observations = []Observation{{Code: "ctv", Display: "Clinical text", Value: "line one\nline two"}}
	raw, err := GenerateORU(o)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	obx := msg.GetSegment("OBX")
	if obx.GetField(2) != "TX" {
		t.Errorf("expected TX, got %q", obx.GetField(2))
	}
	if obx.GetField(5) != "line one~line two" {
		t.Errorf("expected repetitions for lines, got %q", obx.GetField(5))
	}
	if obx.GetField(11) != "P" {
		t.Errorf("expected status P, got %q", obx.GetField(11))
	}
}

func TestEscapeHL7(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"a|b", "a\\F\\b"},
		{"a^b", "a\\S\\b"},
		{"a~b", "a\\R\\b"},
		{"a&b", "a\\T\\b"},
		{"a\\b", "a\\E\\b"},
		{"O'Brien & Sons|Ltd", "O'Brien \\T\\ Sons\\F\\Ltd"},
	}
	for _, tt := range tests {
		if got := escapeHL7(tt.in); got != tt.want {
			t.Errorf("escapeHL7(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMapSex(t *testing.T) {
	cases := map[string]string{"M": "M", "f": "F", "X": "O", "": "U", "?": "U"}
	for in, want := range cases {
		if got := mapSex(in); got != want {
			t.Errorf("mapSex(%q) = %q, want %q", in, got, want)
		}
	}
}
