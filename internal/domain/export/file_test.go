package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSender(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "archive")
	s := &fileSender{dir: dir}

	msg, err := s.Send(context.Background(), hl7Job())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	path := filepath.Join(dir, "phq9_42.json")
	if msg != "Wrote "+path {
		t.Errorf("unexpected message %q", msg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Task struct {
			TableName string `json:"table_name"`
		} `json:"task"`
		Summaries []struct {
			Name  string `json:"name"`
			Value any    `json:"value"`
		} `json:"summaries"`
		ClinicalText []string `json:"clinical_text"`
		Patient      *struct {
			Surname string `json:"surname"`
		} `json:"patient"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("written file is not JSON: %v", err)
	}
	if doc.Patient == nil || doc.Patient.Surname != "Patient" {
		t.Errorf("expected patient in document, got %+v", doc.Patient)
	}
	if len(doc.Summaries) == 0 || doc.Summaries[0].Name != "is_complete" || doc.Summaries[0].Value != true {
		t.Errorf("unexpected summaries: %+v", doc.Summaries)
	}
	if len(doc.ClinicalText) != 2 {
		t.Errorf("expected 2 lines of clinical text, got %v", doc.ClinicalText)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}
