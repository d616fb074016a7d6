package schedule

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

type scheduleRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &scheduleRepoPG{pool: pool}
}

func (r *scheduleRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const scheduleCols = `s.id, s.group_id, s.name, s.email_subject, s.email_template, s.email_from, s.email_cc, s.email_bcc`

const itemCols = `i.id, i.schedule_id, i.task_table_name, i.due_from_seconds, i.due_by_seconds`

func (r *scheduleRepoPG) Create(ctx context.Context, s *Schedule) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO task_schedule (group_id, name, email_subject, email_template, email_from, email_cc, email_bcc)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			s.GroupID, s.Name, s.EmailSubject, s.EmailTemplate, s.EmailFrom, s.EmailCC, s.EmailBCC,
		).Scan(&s.ID)
		if err != nil {
			return mapErr(err)
		}
		for i := range s.Items {
			s.Items[i].ScheduleID = s.ID
			if err := r.CreateItem(ctx, &s.Items[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *scheduleRepoPG) Get(ctx context.Context, id int64) (*Schedule, error) {
	s, err := scanSchedule(r.conn(ctx).QueryRow(ctx, `SELECT `+scheduleCols+` FROM task_schedule s WHERE s.id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, []*Schedule{s}); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *scheduleRepoPG) List(ctx context.Context, groupIDs []int64) ([]*Schedule, error) {
	q := db.NewQuery("task_schedule s", scheduleCols)
	if groupIDs != nil {
		q.AddAny("s.group_id", groupIDs)
	}
	q.OrderBy("s.group_id, s.name")

	rows, err := r.conn(ctx).Query(ctx, q.SQL(), q.Args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *scheduleRepoPG) loadItems(ctx context.Context, schedules []*Schedule) error {
	if len(schedules) == 0 {
		return nil
	}
	byID := make(map[int64]*Schedule, len(schedules))
	ids := make([]int64, 0, len(schedules))
	for _, s := range schedules {
		s.Items = []Item{}
		byID[s.ID] = s
		ids = append(ids, s.ID)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+itemCols+` FROM task_schedule_item i
		WHERE i.schedule_id = ANY($1)
		ORDER BY i.schedule_id, i.due_from_seconds NULLS LAST, i.task_table_name, i.id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return err
		}
		s := byID[it.ScheduleID]
		s.Items = append(s.Items, *it)
	}
	return rows.Err()
}

func (r *scheduleRepoPG) Update(ctx context.Context, s *Schedule) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE task_schedule SET
			group_id=$2, name=$3, email_subject=$4, email_template=$5,
			email_from=$6, email_cc=$7, email_bcc=$8
		WHERE id = $1`,
		s.ID, s.GroupID, s.Name, s.EmailSubject, s.EmailTemplate, s.EmailFrom, s.EmailCC, s.EmailBCC,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *scheduleRepoPG) Delete(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM task_schedule WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *scheduleRepoPG) InUse(ctx context.Context, id int64) (bool, error) {
	var used bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM patient_task_schedule WHERE schedule_id = $1)`, id).Scan(&used)
	return used, err
}

func (r *scheduleRepoPG) CreateItem(ctx context.Context, it *Item) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO task_schedule_item (schedule_id, task_table_name, due_from_seconds, due_by_seconds)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		it.ScheduleID, it.TaskTableName, seconds(it.DueFrom), seconds(it.DueBy),
	).Scan(&it.ID)
	return mapErr(err)
}

func (r *scheduleRepoPG) GetItem(ctx context.Context, id int64) (*Item, error) {
	return scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM task_schedule_item i WHERE i.id = $1`, id))
}

func (r *scheduleRepoPG) UpdateItem(ctx context.Context, it *Item) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE task_schedule_item SET task_table_name=$2, due_from_seconds=$3, due_by_seconds=$4
		WHERE id = $1`,
		it.ID, it.TaskTableName, seconds(it.DueFrom), seconds(it.DueBy))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *scheduleRepoPG) DeleteItem(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM task_schedule_item WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *scheduleRepoPG) ListForPatient(ctx context.Context, patientPK int64) ([]*PatientSchedule, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT pts.id, pts.patient_pk, pts.schedule_id, s.name, pts.start_datetime, pts.settings
		FROM patient_task_schedule pts
		JOIN task_schedule s ON s.id = pts.schedule_id
		WHERE pts.patient_pk = $1
		ORDER BY s.name, pts.id`, patientPK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PatientSchedule
	for rows.Next() {
		var ps PatientSchedule
		var settings []byte
		if err := rows.Scan(&ps.ID, &ps.PatientPK, &ps.ScheduleID, &ps.ScheduleName, &ps.StartDatetime, &settings); err != nil {
			return nil, err
		}
		if len(settings) > 0 {
			if err := json.Unmarshal(settings, &ps.Settings); err != nil {
				return nil, fmt.Errorf("patient schedule %d settings: %w", ps.ID, err)
			}
		}
		out = append(out, &ps)
	}
	return out, rows.Err()
}

func (r *scheduleRepoPG) SetForPatient(ctx context.Context, patientPK int64, ps []*PatientSchedule) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient_task_schedule WHERE patient_pk = $1`, patientPK); err != nil {
			return err
		}
		for _, p := range ps {
			var settings []byte
			if p.Settings != nil {
				var err error
				if settings, err = json.Marshal(p.Settings); err != nil {
					return fmt.Errorf("%w: settings: %v", ErrInvalid, err)
				}
			}
			p.PatientPK = patientPK
			err := r.conn(ctx).QueryRow(ctx, `
				INSERT INTO patient_task_schedule (patient_pk, schedule_id, start_datetime, settings)
				VALUES ($1, $2, $3, $4)
				RETURNING id`,
				patientPK, p.ScheduleID, p.StartDatetime, settings,
			).Scan(&p.ID)
			if err != nil {
				return mapErr(err)
			}
		}
		return nil
	})
}

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var s Schedule
	err := row.Scan(&s.ID, &s.GroupID, &s.Name, &s.EmailSubject, &s.EmailTemplate, &s.EmailFrom, &s.EmailCC, &s.EmailBCC)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	var from, by *int64
	err := row.Scan(&it.ID, &it.ScheduleID, &it.TaskTableName, &from, &by)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	it.DueFrom = duration(from)
	it.DueBy = duration(by)
	return &it, nil
}

func seconds(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	s := int64(*d / time.Second)
	return &s
}

func duration(s *int64) *time.Duration {
	if s == nil {
		return nil
	}
	d := time.Duration(*s) * time.Second
	return &d
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicate
		case "23503":
			return fmt.Errorf("%w: referenced record does not exist", ErrInvalid)
		}
	}
	return err
}
