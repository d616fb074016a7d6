package export

import "time"

// Status of one exported_task row.
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ExportedTask logs one attempt to send a task to a recipient.
type ExportedTask struct {
	ID            int64      `json:"id"`
	RecipientName string     `json:"recipient_name"`
	TableName     string     `json:"table_name"`
	TaskPK        int64      `json:"task_pk"`
	Status        string     `json:"status"`
	Message       string     `json:"message"`
	Attempts      int        `json:"attempts"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// RedcapRecord maps a patient, by one of their ID numbers, to the REDCap
// record holding their tasks.
type RedcapRecord struct {
	ID             int64
	RecipientName  string
	RedcapRecordID string
	WhichIDNum     int
	IDNumValue     int64
}
