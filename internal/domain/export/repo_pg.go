package export

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/camcops/camcops/internal/platform/db"
)

type exportRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &exportRepoPG{pool: pool}
}

func (r *exportRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const exportedCols = `e.id, e.recipient_name, e.table_name, e.task_pk, e.status, e.message, e.attempts, e.started_at, e.finished_at`

func (r *exportRepoPG) CreateExportedTask(ctx context.Context, et *ExportedTask) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO exported_task (recipient_name, table_name, task_pk, status, message, attempts, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (recipient_name, table_name, task_pk) WHERE status <> 'failed' DO NOTHING
		RETURNING id`,
		et.RecipientName, et.TableName, et.TaskPK, et.Status, et.Message, et.Attempts, et.StartedAt,
	).Scan(&et.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAlreadyDone
	}
	return err
}

func (r *exportRepoPG) FinishExportedTask(ctx context.Context, et *ExportedTask) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE exported_task SET status = $2, message = $3, attempts = $4, finished_at = $5
		WHERE id = $1`,
		et.ID, et.Status, et.Message, et.Attempts, et.FinishedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *exportRepoPG) ListExportedTasks(ctx context.Context, recipient string, limit, offset int) ([]*ExportedTask, int, error) {
	q := db.NewQuery("exported_task e", exportedCols)
	if recipient != "" {
		q.AddEq("e.recipient_name", recipient)
	}
	q.OrderBy("e.started_at DESC, e.id DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, q.PageSQL(), q.PageArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*ExportedTask
	for rows.Next() {
		var et ExportedTask
		if err := rows.Scan(&et.ID, &et.RecipientName, &et.TableName, &et.TaskPK, &et.Status,
			&et.Message, &et.Attempts, &et.StartedAt, &et.FinishedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &et)
	}
	return items, total, rows.Err()
}

func (r *exportRepoPG) Claimed(ctx context.Context, recipient, table string, pk int64) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM exported_task
			WHERE recipient_name = $1 AND table_name = $2 AND task_pk = $3 AND status <> $4)`,
		recipient, table, pk, StatusFailed,
	).Scan(&ok)
	return ok, err
}

func (r *exportRepoPG) FailStale(ctx context.Context, before time.Time, message string) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE exported_task SET status = $1, message = $2, finished_at = NOW()
		WHERE status = $3 AND started_at < $4`,
		StatusFailed, message, StatusPending, before,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *exportRepoPG) GetRedcapRecord(ctx context.Context, recipient string, which int, value int64) (*RedcapRecord, error) {
	var rec RedcapRecord
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, recipient_name, redcap_record_id, which_idnum, idnum_value
		FROM redcap_record
		WHERE recipient_name = $1 AND which_idnum = $2 AND idnum_value = $3`,
		recipient, which, value,
	).Scan(&rec.ID, &rec.RecipientName, &rec.RedcapRecordID, &rec.WhichIDNum, &rec.IDNumValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (r *exportRepoPG) CreateRedcapRecord(ctx context.Context, rec *RedcapRecord) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO redcap_record (recipient_name, redcap_record_id, which_idnum, idnum_value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (recipient_name, which_idnum, idnum_value) DO NOTHING
		RETURNING id`,
		rec.RecipientName, rec.RedcapRecordID, rec.WhichIDNum, rec.IDNumValue,
	).Scan(&rec.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAlreadyMapped
	}
	return err
}
