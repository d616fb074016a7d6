package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/camcops/camcops/internal/platform/db"
)

type taskRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &taskRepoPG{pool: pool}
}

func (r *taskRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const taskCols = `t.pk, t.table_name, t.id, t.device_id, t.era, t.current, t.group_id,
	t.patient_pk, t.adding_user_id, t.when_created, t.answers,
	t.manually_erased, t.manually_erased_at, t.manually_erasing_user_id,
	t.created_at, t.updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var raw []byte
	err := row.Scan(&t.PK, &t.TableName, &t.ID, &t.DeviceID, &t.Era, &t.Current, &t.GroupID,
		&t.PatientPK, &t.AddingUserID, &t.WhenCreated, &raw,
		&t.ManuallyErased, &t.ManuallyErasedAt, &t.ManuallyErasingUserID,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Answers = Answers{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &t.Answers); err != nil {
			return nil, fmt.Errorf("decode answers of task %d: %w", t.PK, err)
		}
	}
	return &t, nil
}

func (r *taskRepoPG) Create(ctx context.Context, t *Task) error {
	answers, err := json.Marshal(t.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		c := r.conn(ctx)
		if t.DeviceID == 0 {
			if err := c.QueryRow(ctx, `SELECT id FROM device WHERE name = 'server'`).Scan(&t.DeviceID); err != nil {
				return fmt.Errorf("server device: %w", err)
			}
		}
		if t.ID == 0 {
			err := c.QueryRow(ctx, `
				SELECT COALESCE(MAX(id), 0) + 1 FROM task
				WHERE table_name = $1 AND device_id = $2 AND era = $3`,
				t.TableName, t.DeviceID, t.Era).Scan(&t.ID)
			if err != nil {
				return err
			}
		}
		err := c.QueryRow(ctx, `
			INSERT INTO task (table_name, id, device_id, era, current, group_id,
				patient_pk, adding_user_id, when_created, answers)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING pk, created_at, updated_at`,
			t.TableName, t.ID, t.DeviceID, t.Era, t.Current, t.GroupID,
			t.PatientPK, t.AddingUserID, t.WhenCreated, answers,
		).Scan(&t.PK, &t.CreatedAt, &t.UpdatedAt)
		return mapErr(err)
	})
}

func (r *taskRepoPG) GetByPK(ctx context.Context, table string, pk int64) (*Task, error) {
	return scanTask(r.conn(ctx).QueryRow(ctx,
		`SELECT `+taskCols+` FROM task t WHERE t.table_name = $1 AND t.pk = $2`, table, pk))
}

func (r *taskRepoPG) Find(ctx context.Context, table string, scope Scope, f *Filter) ([]*Task, error) {
	q := buildQuery(table, scope, f)
	q.OrderBy("t.pk")
	rows, err := r.conn(ctx).Query(ctx, q.SQL(), q.Args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *taskRepoPG) ErasePlaceholder(ctx context.Context, pk, userID int64, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE task SET answers = '{}'::jsonb, manually_erased = TRUE,
			manually_erased_at = $2, manually_erasing_user_id = $3, updated_at = NOW()
		WHERE pk = $1`, pk, at, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *taskRepoPG) Delete(ctx context.Context, pk int64) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		c := r.conn(ctx)
		var table string
		err := c.QueryRow(ctx, `DELETE FROM task WHERE pk = $1 RETURNING table_name`, pk).Scan(&table)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		// Notes are keyed by server pk, as for patients.
		_, err = c.Exec(ctx, `DELETE FROM special_note WHERE basetable = $1 AND task_id = $2`, table, pk)
		return err
	})
}

func (r *taskRepoPG) PatientGroup(ctx context.Context, patientPK int64) (int64, error) {
	var groupID int64
	err := r.conn(ctx).QueryRow(ctx, `SELECT group_id FROM patient WHERE pk = $1`, patientPK).Scan(&groupID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: patient %d", ErrNoPatient, patientPK)
	}
	return groupID, err
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503":
			return fmt.Errorf("%w: %s", ErrInvalid, pgErr.Detail)
		}
	}
	return err
}
