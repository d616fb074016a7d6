package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message is a parsed HL7v2 message. Only the MSH header is lifted into
// named fields; everything else is reachable through Segments.
type Message struct {
	Type         string // MSH-9, e.g. "ORU^R01"
	ControlID    string // MSH-10
	Version      string // MSH-12
	Timestamp    time.Time
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	Segments     []Segment
}

// Segment is a single HL7v2 segment.
type Segment struct {
	Name   string
	Fields []Field
}

// Field holds the raw value plus its components (^) of the first repetition.
type Field struct {
	Value      string
	Components []string
}

// Parse parses raw HL7v2 bytes. Segments may be separated by \r, \n or \r\n.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	msg := &Message{}
	for _, line := range lines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msh := msg.Segments[0]
	msg.SendingApp = msh.GetField(3)
	msg.SendingFac = msh.GetField(4)
	msg.ReceivingApp = msh.GetField(5)
	msg.ReceivingFac = msh.GetField(6)
	if ts := msh.GetField(7); ts != "" {
		if t, err := parseTimestamp(ts); err == nil {
			msg.Timestamp = t
		}
	}
	msg.Type = msh.GetField(9)
	msg.ControlID = msh.GetField(10)
	msg.Version = msh.GetField(12)

	return msg, nil
}

// parseSegment splits a segment line into fields. For MSH the field separator
// itself is MSH-1, so Fields[0] is "|" and Fields[1] the encoding characters.
func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	if strings.HasPrefix(line, "MSH") {
		seg := Segment{Name: "MSH"}
		if len(line) < 4 {
			return seg, nil
		}
		sep := string(line[3])
		seg.Fields = append(seg.Fields, Field{Value: sep, Components: []string{sep}})
		for _, part := range strings.Split(line[4:], sep) {
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg, nil
	}

	name, rest, found := strings.Cut(line, "|")
	seg := Segment{Name: name}
	if found {
		for _, f := range strings.Split(rest, "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}
	return seg, nil
}

func parseField(raw string) Field {
	first, _, _ := strings.Cut(raw, "~")
	return Field{Value: raw, Components: strings.Split(first, "^")}
}

// parseTimestamp accepts YYYYMMDDHHmmss, YYYYMMDDHHmm and YYYYMMDD.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// GetField returns a field by its 1-based HL7 number.
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component by 1-based field and component numbers.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	fi := fieldIdx - 1
	if fi < 0 || fi >= len(s.Fields) {
		return ""
	}
	comps := s.Fields[fi].Components
	ci := compIdx - 1
	if ci < 0 || ci >= len(comps) {
		return ""
	}
	return comps[ci]
}

// AckCode returns MSA-1 of an acknowledgement, or "" when there is no MSA.
func (m *Message) AckCode() string {
	msa := m.GetSegment("MSA")
	if msa == nil {
		return ""
	}
	return msa.GetField(1)
}

// AckText returns MSA-3, the free-text reason carried by AE/AR replies.
func (m *Message) AckText() string {
	msa := m.GetSegment("MSA")
	if msa == nil {
		return ""
	}
	return msa.GetField(3)
}

// PatientID returns PID-3.1.
func (m *Message) PatientID() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetComponent(3, 1)
}

// PatientName returns family and given names from PID-5.
func (m *Message) PatientName() (family, given string) {
	pid := m.GetSegment("PID")
	if pid == nil {
		return "", ""
	}
	return pid.GetComponent(5, 1), pid.GetComponent(5, 2)
}
