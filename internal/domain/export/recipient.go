package export

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/camcops/camcops/internal/domain/task"
)

// Transmission is how a recipient receives tasks.
type Transmission string

const (
	TransmissionRedcap Transmission = "redcap"
	TransmissionHL7    Transmission = "hl7"
	TransmissionFile   Transmission = "file"
)

var recipientName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Recipient is one configured export destination.
type Recipient struct {
	Name             string       `yaml:"name" json:"name"`
	Type             Transmission `yaml:"type" json:"type"`
	PrimaryIDNum     int          `yaml:"primary_idnum" json:"primary_idnum"`
	GroupIDs         []int64      `yaml:"groups" json:"groups"`
	TaskTypes        []string     `yaml:"tasks" json:"tasks,omitempty"`
	FinalizedOnly    bool         `yaml:"finalized_only" json:"finalized_only"`
	IncludeAnonymous bool         `yaml:"include_anonymous" json:"include_anonymous"`

	Redcap *RedcapSettings `yaml:"redcap,omitempty" json:"redcap,omitempty"`
	HL7    *HL7Settings    `yaml:"hl7,omitempty" json:"hl7,omitempty"`
	File   *FileSettings   `yaml:"file,omitempty" json:"file,omitempty"`
}

type RedcapSettings struct {
	APIURL string `yaml:"api_url" json:"api_url"`
	APIKey string `yaml:"api_key" json:"-"`
}

type HL7Settings struct {
	Host           string `yaml:"host" json:"host"`
	Port           int    `yaml:"port" json:"port"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	SendingApp     string `yaml:"sending_app" json:"sending_app,omitempty"`
	SendingFac     string `yaml:"sending_facility" json:"sending_facility,omitempty"`
	ReceivingApp   string `yaml:"receiving_app" json:"receiving_app,omitempty"`
	ReceivingFac   string `yaml:"receiving_facility" json:"receiving_facility,omitempty"`
}

type FileSettings struct {
	Directory string `yaml:"directory" json:"directory"`
}

// LoadRecipients reads the recipients file. A missing path yields no
// recipients.
func LoadRecipients(path string) ([]*Recipient, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipients: %w", err)
	}
	return ParseRecipients(data)
}

// ParseRecipients decodes and validates a YAML recipients document:
//
//	recipients:
//	  - name: study_redcap
//	    type: redcap
//	    ...
func ParseRecipients(data []byte) ([]*Recipient, error) {
	var doc struct {
		Recipients []*Recipient `yaml:"recipients"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse recipients: %w", err)
	}
	seen := map[string]bool{}
	for _, r := range doc.Recipients {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("recipient %q defined twice", r.Name)
		}
		seen[r.Name] = true
	}
	return doc.Recipients, nil
}

// Validate checks the settings needed by the recipient's transmission.
func (r *Recipient) Validate() error {
	if !recipientName.MatchString(r.Name) {
		return fmt.Errorf("recipient name %q must match %s", r.Name, recipientName)
	}
	if len(r.GroupIDs) == 0 {
		return fmt.Errorf("recipient %s: at least one group is required", r.Name)
	}
	for i, tt := range r.TaskTypes {
		tt = strings.ToLower(strings.TrimSpace(tt))
		if _, ok := task.Lookup(tt); !ok {
			return fmt.Errorf("recipient %s: unknown task %q", r.Name, tt)
		}
		r.TaskTypes[i] = tt
	}

	switch r.Type {
	case TransmissionRedcap:
		if r.Redcap == nil || r.Redcap.APIURL == "" || r.Redcap.APIKey == "" {
			return fmt.Errorf("recipient %s: redcap api_url and api_key are required", r.Name)
		}
		if r.PrimaryIDNum <= 0 {
			return fmt.Errorf("recipient %s: redcap export needs primary_idnum", r.Name)
		}
		if r.IncludeAnonymous {
			return fmt.Errorf("recipient %s: redcap cannot take anonymous tasks", r.Name)
		}
	case TransmissionHL7:
		if r.HL7 == nil || r.HL7.Host == "" || r.HL7.Port <= 0 {
			return fmt.Errorf("recipient %s: hl7 host and port are required", r.Name)
		}
		if r.PrimaryIDNum <= 0 {
			return fmt.Errorf("recipient %s: hl7 export needs primary_idnum", r.Name)
		}
		if r.IncludeAnonymous {
			return fmt.Errorf("recipient %s: hl7 cannot take anonymous tasks", r.Name)
		}
	case TransmissionFile:
		if r.File == nil || r.File.Directory == "" {
			return fmt.Errorf("recipient %s: file directory is required", r.Name)
		}
	default:
		return fmt.Errorf("recipient %s: unknown type %q", r.Name, r.Type)
	}
	return nil
}

// Filter returns the task filter selecting what the recipient takes.
func (r *Recipient) Filter() *task.Filter {
	return &task.Filter{
		TaskTypes: slices.Clone(r.TaskTypes),
		GroupIDs:  slices.Clone(r.GroupIDs),
	}
}

// Wants reports whether t should go to the recipient.
func (r *Recipient) Wants(t *task.Task) bool {
	if !slices.Contains(r.GroupIDs, t.GroupID) {
		return false
	}
	if len(r.TaskTypes) > 0 && !slices.Contains(r.TaskTypes, t.TableName) {
		return false
	}
	if r.FinalizedOnly && t.IsLive() {
		return false
	}
	if t.IsAnonymous() && !r.IncludeAnonymous {
		return false
	}
	return !t.ManuallyErased
}
