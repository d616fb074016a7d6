package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/camcops/camcops/internal/platform/db"
)

const serverDeviceName = "server"

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patientFrom = `patient p JOIN device d ON d.id = p.device_id`

const patientCols = `p.pk, p.id, p.device_id, p.era, p.current, p.group_id, p.uuid,
	COALESCE(p.forename, ''), COALESCE(p.surname, ''), p.dob, COALESCE(p.sex, ''),
	COALESCE(p.address, ''), COALESCE(p.email, ''), COALESCE(p.gp, ''), COALESCE(p.other, ''),
	d.name = '` + serverDeviceName + `', p.created_at, p.updated_at`

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO patient (id, device_id, era, current, group_id, uuid,
				forename, surname, dob, sex, address, email, gp, other)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			RETURNING pk, created_at, updated_at`,
			p.ID, p.DeviceID, p.Era, p.Current, p.GroupID, p.UUID,
			nullable(p.Forename), nullable(p.Surname), p.DOB, nullable(p.Sex),
			nullable(p.Address), nullable(p.Email), nullable(p.GP), nullable(p.Other),
		).Scan(&p.PK, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return mapErr(err)
		}
		return r.setIDNums(ctx, p.PK, p.IDNums)
	})
}

func (r *patientRepoPG) Get(ctx context.Context, pk int64) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM `+patientFrom+` WHERE p.pk = $1`, pk))
	if err != nil {
		return nil, err
	}
	if err := r.loadIDNums(ctx, []*Patient{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *patientRepoPG) Search(ctx context.Context, sq SearchQuery) ([]*Patient, int, error) {
	q := db.NewQuery(patientFrom, patientCols)
	if sq.GroupIDs != nil {
		q.AddAny("p.group_id", sq.GroupIDs)
	}
	if sq.CurrentOnly {
		q.Add("p.current")
	}
	if sq.Forename != "" {
		q.AddUpperEq("p.forename", sq.Forename)
	}
	if sq.Surname != "" {
		q.AddUpperEq("p.surname", sq.Surname)
	}
	if sq.DOB != nil {
		q.AddEq("p.dob", *sq.DOB)
	}
	if sq.Sex != "" {
		q.AddEq("p.sex", sq.Sex)
	}
	if sq.IDNum != nil {
		q.Add(fmt.Sprintf(`EXISTS (SELECT 1 FROM patient_idnum i
			WHERE i.patient_pk = p.pk AND i.which_idnum = $%d AND i.idnum_value = $%d)`, q.Idx(), q.Idx()+1),
			sq.IDNum.WhichIDNum, sq.IDNum.Value)
	}
	q.OrderBy("UPPER(p.surname), UPPER(p.forename), p.pk")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, q.PageSQL(), q.PageArgs(sq.Limit, sq.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := r.loadIDNums(ctx, items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			UPDATE patient SET
				group_id=$2, forename=$3, surname=$4, dob=$5, sex=$6,
				address=$7, email=$8, gp=$9, other=$10, updated_at=NOW()
			WHERE pk = $1
			RETURNING updated_at`,
			p.PK, p.GroupID, nullable(p.Forename), nullable(p.Surname), p.DOB, nullable(p.Sex),
			nullable(p.Address), nullable(p.Email), nullable(p.GP), nullable(p.Other),
		).Scan(&p.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return mapErr(err)
		}
		if _, err := r.conn(ctx).Exec(ctx,
			`UPDATE task SET group_id = $2, updated_at = NOW() WHERE patient_pk = $1 AND group_id <> $2`,
			p.PK, p.GroupID); err != nil {
			return err
		}
		return r.setIDNums(ctx, p.PK, p.IDNums)
	})
}

func (r *patientRepoPG) Delete(ctx context.Context, pk int64) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx, `
			DELETE FROM special_note n USING task t
			WHERE t.patient_pk = $1 AND n.basetable = t.table_name AND n.task_id = t.pk`, pk); err != nil {
			return err
		}
		if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM task WHERE patient_pk = $1`, pk); err != nil {
			return err
		}
		if _, err := r.conn(ctx).Exec(ctx,
			`DELETE FROM special_note WHERE basetable = $1 AND task_id = $2`, PatientTable, pk); err != nil {
			return err
		}
		// patient_idnum and patient_task_schedule cascade.
		tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient WHERE pk = $1`, pk)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *patientRepoPG) NextClientID(ctx context.Context, deviceID int64) (int64, error) {
	var next int64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM patient WHERE device_id = $1`, deviceID).Scan(&next)
	return next, err
}

func (r *patientRepoPG) ServerDeviceID(ctx context.Context) (int64, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx, `SELECT id FROM device WHERE name = $1`, serverDeviceName).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("server device %q is missing; run migrations", serverDeviceName)
	}
	return id, err
}

func (r *patientRepoPG) setIDNums(ctx context.Context, pk int64, nums []IDNum) error {
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient_idnum WHERE patient_pk = $1`, pk); err != nil {
		return err
	}
	for _, n := range nums {
		if _, err := r.conn(ctx).Exec(ctx,
			`INSERT INTO patient_idnum (patient_pk, which_idnum, idnum_value) VALUES ($1, $2, $3)`,
			pk, n.WhichIDNum, n.Value); err != nil {
			return fmt.Errorf("idnum%d: %w", n.WhichIDNum, mapErr(err))
		}
	}
	return nil
}

func (r *patientRepoPG) loadIDNums(ctx context.Context, patients []*Patient) error {
	if len(patients) == 0 {
		return nil
	}
	byPK := make(map[int64]*Patient, len(patients))
	pks := make([]int64, 0, len(patients))
	for _, p := range patients {
		p.IDNums = []IDNum{}
		byPK[p.PK] = p
		pks = append(pks, p.PK)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT patient_pk, which_idnum, idnum_value FROM patient_idnum
		WHERE patient_pk = ANY($1) ORDER BY patient_pk, which_idnum`, pks)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var pk int64
		var n IDNum
		if err := rows.Scan(&pk, &n.WhichIDNum, &n.Value); err != nil {
			return err
		}
		p := byPK[pk]
		p.IDNums = append(p.IDNums, n)
	}
	return rows.Err()
}

// -- ID number definitions --

const idnumCols = `which_idnum, description, short_description, validation_method`

func (r *patientRepoPG) ListIDNumDefinitions(ctx context.Context) ([]*IDNumDefinition, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+idnumCols+` FROM idnum_definition ORDER BY which_idnum`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*IDNumDefinition
	for rows.Next() {
		d, err := scanIDNumDefinition(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (r *patientRepoPG) GetIDNumDefinition(ctx context.Context, which int) (*IDNumDefinition, error) {
	return scanIDNumDefinition(r.conn(ctx).QueryRow(ctx,
		`SELECT `+idnumCols+` FROM idnum_definition WHERE which_idnum = $1`, which))
}

func (r *patientRepoPG) CreateIDNumDefinition(ctx context.Context, d *IDNumDefinition) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO idnum_definition (`+idnumCols+`) VALUES ($1, $2, $3, $4)`,
		d.WhichIDNum, d.Description, d.ShortDescription, d.ValidationMethod)
	return mapErr(err)
}

func (r *patientRepoPG) UpdateIDNumDefinition(ctx context.Context, d *IDNumDefinition) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE idnum_definition SET description=$2, short_description=$3, validation_method=$4
		WHERE which_idnum = $1`,
		d.WhichIDNum, d.Description, d.ShortDescription, d.ValidationMethod)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) DeleteIDNumDefinition(ctx context.Context, which int) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM idnum_definition WHERE which_idnum = $1`, which)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) IDNumInUse(ctx context.Context, which int) (bool, error) {
	var used bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM patient_idnum WHERE which_idnum = $1)`, which).Scan(&used)
	return used, err
}

// -- Special notes --

const noteCols = `note_id, basetable, task_id, note, user_id, note_at, hidden`

func (r *patientRepoPG) AddSpecialNote(ctx context.Context, n *SpecialNote) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO special_note (basetable, task_id, note, user_id, note_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING note_id`,
		n.Basetable, n.TaskID, n.Note, n.UserID, n.NoteAt,
	).Scan(&n.NoteID)
}

func (r *patientRepoPG) GetSpecialNote(ctx context.Context, noteID int64) (*SpecialNote, error) {
	var n SpecialNote
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+noteCols+` FROM special_note WHERE note_id = $1`, noteID).
		Scan(&n.NoteID, &n.Basetable, &n.TaskID, &n.Note, &n.UserID, &n.NoteAt, &n.Hidden)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no such note %d", ErrNotFound, noteID)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *patientRepoPG) ListSpecialNotes(ctx context.Context, basetable string, id int64) ([]*SpecialNote, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+noteCols+` FROM special_note
		WHERE basetable = $1 AND task_id = $2 AND NOT hidden
		ORDER BY note_at, note_id`, basetable, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*SpecialNote
	for rows.Next() {
		var n SpecialNote
		if err := rows.Scan(&n.NoteID, &n.Basetable, &n.TaskID, &n.Note, &n.UserID, &n.NoteAt, &n.Hidden); err != nil {
			return nil, err
		}
		items = append(items, &n)
	}
	return items, rows.Err()
}

func (r *patientRepoPG) HideSpecialNote(ctx context.Context, noteID int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE special_note SET hidden = TRUE WHERE note_id = $1`, noteID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.PK, &p.ID, &p.DeviceID, &p.Era, &p.Current, &p.GroupID, &p.UUID,
		&p.Forename, &p.Surname, &p.DOB, &p.Sex, &p.Address, &p.Email, &p.GP, &p.Other,
		&p.CreatedOnServer, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanIDNumDefinition(row pgx.Row) (*IDNumDefinition, error) {
	var d IDNumDefinition
	err := row.Scan(&d.WhichIDNum, &d.Description, &d.ShortDescription, &d.ValidationMethod)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicate
		case "23503":
			return fmt.Errorf("%w: referenced record does not exist", ErrInvalid)
		case "23514":
			return fmt.Errorf("%w: %s", ErrInvalid, pgErr.Message)
		}
	}
	return err
}
