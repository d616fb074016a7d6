package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/camcops/camcops/internal/platform/formula"
)

const phq9Fieldmap = `
instrument: patient_health_questionnaire_9
fields:
  phq9_1: task.Int("q1")
  phq9_total_score: task.SummaryInt("total")
  phq9_first_name: task.Patient.Forename
`

func writeFieldmap(t *testing.T, dir, table, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, table+".yaml"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestParseFieldmap(t *testing.T) {
	fm, err := ParseFieldmap([]byte(phq9Fieldmap))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, err := fm.Record(context.Background(), formula.Values{
		Answers: map[string]any{"q1": float64(2)},
		Summary: map[string]any{"total": 11},
		Patient: formula.PatientValues{Forename: "Jo"},
	})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if rec["phq9_1"] != 2 || rec["phq9_total_score"] != 11 || rec["phq9_first_name"] != "Jo" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestParseFieldmap_Invalid(t *testing.T) {
	for name, doc := range map[string]string{
		"no instrument": "fields:\n  a: task.Int(\"q1\")\n",
		"no fields":     "instrument: x\n",
		"bad formula":   "instrument: x\nfields:\n  a: os.Exit(1)\n",
		"not yaml":      "instrument: [\n",
	} {
		if _, err := ParseFieldmap([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestFieldmapCache_Get(t *testing.T) {
	dir := t.TempDir()
	writeFieldmap(t, dir, "phq9", phq9Fieldmap)
	c := NewFieldmapCache(dir, zerolog.Nop())

	a, err := c.Get("phq9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := c.Get("phq9")
	if a != b {
		t.Error("expected the cached fieldmap")
	}
	c.Invalidate("phq9")
	if b, _ = c.Get("phq9"); a == b {
		t.Error("expected a reload after Invalidate")
	}

	if _, err := c.Get("gad7"); !errors.Is(err, ErrNoFieldmap) {
		t.Errorf("expected ErrNoFieldmap, got %v", err)
	}
	if _, err := NewFieldmapCache("", zerolog.Nop()).Get("phq9"); !errors.Is(err, ErrNoFieldmap) {
		t.Errorf("expected ErrNoFieldmap without a directory, got %v", err)
	}
}

func TestFieldmapCache_Watch(t *testing.T) {
	dir := t.TempDir()
	writeFieldmap(t, dir, "phq9", phq9Fieldmap)
	c := NewFieldmapCache(dir, zerolog.Nop())
	c.Debounce = 10 * time.Millisecond

	first, err := c.Get("phq9")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("watch: %v", err)
		}
	}()

	// The watcher starts asynchronously, so keep touching the file until
	// the change is seen.
	changed := phq9Fieldmap + "  phq9_2: task.Int(\"q2\")\n"
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		writeFieldmap(t, dir, "phq9", changed)
		time.Sleep(50 * time.Millisecond)
		got, err := c.Get("phq9")
		if err != nil {
			t.Fatal(err)
		}
		if got != first {
			if len(got.Fields) != 4 {
				t.Errorf("expected reloaded fieldmap with 4 fields, got %d", len(got.Fields))
			}
			return
		}
	}
	t.Fatal("fieldmap was not reloaded after the file changed")
}
