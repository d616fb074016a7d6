package export

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/camcops/camcops/internal/platform/formula"
)

// Fieldmap says how one task type fills a REDCap instrument. It is read
// from <dir>/<table>.yaml:
//
//	instrument: patient_health_questionnaire_9
//	fields:
//	  phq9_1: task.Int("q1")
//	  phq9_total_score: task.SummaryInt("total")
type Fieldmap struct {
	Instrument string            `yaml:"instrument"`
	Fields     map[string]string `yaml:"fields"`

	program *formula.Program
}

// Record evaluates every field against v.
func (f *Fieldmap) Record(ctx context.Context, v formula.Values) (map[string]any, error) {
	return f.program.Eval(ctx, v)
}

// ParseFieldmap decodes and compiles one fieldmap document.
func ParseFieldmap(data []byte) (*Fieldmap, error) {
	var f Fieldmap
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fieldmap: %w", err)
	}
	if f.Instrument == "" {
		return nil, fmt.Errorf("fieldmap has no instrument")
	}
	if len(f.Fields) == 0 {
		return nil, fmt.Errorf("fieldmap has no fields")
	}
	p, err := formula.Compile(f.Fields)
	if err != nil {
		return nil, err
	}
	f.program = p
	return &f, nil
}

// FieldmapCache loads fieldmaps from a directory on first use and drops
// them when their files change.
type FieldmapCache struct {
	dir    string
	logger zerolog.Logger

	mu    sync.Mutex
	maps  map[string]*Fieldmap
	timer *time.Timer
	dirty map[string]bool

	// Debounce groups bursts of file events, e.g. an editor's
	// write-rename-chmod sequence.
	Debounce time.Duration
}

func NewFieldmapCache(dir string, logger zerolog.Logger) *FieldmapCache {
	return &FieldmapCache{
		dir:      dir,
		logger:   logger,
		maps:     make(map[string]*Fieldmap),
		dirty:    make(map[string]bool),
		Debounce: 100 * time.Millisecond,
	}
}

// Get returns the fieldmap for a task table.
func (c *FieldmapCache) Get(table string) (*Fieldmap, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.maps[table]; ok {
		return f, nil
	}
	if c.dir == "" {
		return nil, fmt.Errorf("%w: REDCAP_FIELDMAPS is not set", ErrNoFieldmap)
	}
	path := filepath.Join(c.dir, table+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: unable to open fieldmap file %q", ErrNoFieldmap, path)
		}
		return nil, fmt.Errorf("read fieldmap: %w", err)
	}
	f, err := ParseFieldmap(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.maps[table] = f
	return f, nil
}

// Invalidate forgets the cached fieldmap of table.
func (c *FieldmapCache) Invalidate(table string) {
	c.mu.Lock()
	delete(c.maps, table)
	c.mu.Unlock()
}

// Watch drops cached fieldmaps whose files are written, created, renamed or
// removed. It blocks until ctx is cancelled.
func (c *FieldmapCache) Watch(ctx context.Context) error {
	if c.dir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fieldmap watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(c.dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}
	defer c.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, ".yaml") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			c.markDirty(strings.TrimSuffix(name, ".yaml"))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn().Err(err).Str("dir", c.dir).Msg("fieldmap watcher error")
		}
	}
}

func (c *FieldmapCache) markDirty(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty[table] = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.Debounce, c.flush)
}

func (c *FieldmapCache) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for table := range c.dirty {
		delete(c.maps, table)
		c.logger.Info().Str("task", table).Msg("fieldmap changed; reloading on next export")
	}
	clear(c.dirty)
}

func (c *FieldmapCache) stopTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
}
