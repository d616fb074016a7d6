package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/camcops/camcops/internal/domain/patient"
	"github.com/camcops/camcops/internal/domain/task"
)

// Document is the JSON written for each task by file recipients.
type Document struct {
	Task         *task.Task          `json:"task"`
	Summaries    []task.SummaryValue `json:"summaries"`
	ClinicalText []string            `json:"clinical_text,omitempty"`
	Patient      *patient.Patient    `json:"patient,omitempty"`
}

// fileSender writes <dir>/<table>_<pk>.json.
type fileSender struct {
	dir string
}

func (s *fileSender) Send(_ context.Context, j *Job) (string, error) {
	doc := Document{
		Task:         j.Task,
		Summaries:    j.Task.Summaries(),
		ClinicalText: j.Task.ClinicalText(),
		Patient:      j.Patient,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", permanent(fmt.Errorf("encode task: %w", err))
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	name := filepath.Join(s.dir, fmt.Sprintf("%s_%d.json", j.Task.TableName, j.Task.PK))
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, name); err != nil {
		return "", fmt.Errorf("rename %s: %w", tmp, err)
	}
	return "Wrote " + name, nil
}
