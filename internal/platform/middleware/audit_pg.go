package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/camcops/camcops/internal/platform/db"
)

// PGAuditRecorder writes audit entries into the audit_log table.
type PGAuditRecorder struct {
	q       db.Querier
	timeout time.Duration
}

func NewPGAuditRecorder(q db.Querier) *PGAuditRecorder {
	return &PGAuditRecorder{q: q, timeout: 2 * time.Second}
}

func (r *PGAuditRecorder) RecordAccess(entry AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	_, err := r.q.Exec(ctx, `
		INSERT INTO audit_log (at, request_id, user_id, method, path, action, resource, patient, status, remote_ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.Timestamp, entry.RequestID, entry.UserID, entry.Method, entry.Path,
		entry.Action, entry.Resource, entry.PatientPK, entry.StatusCode, entry.IPAddress)
	if err != nil {
		return fmt.Errorf("insert audit_log: %w", err)
	}
	return nil
}
