package user

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/camcops/camcops/internal/platform/db"
)

type userRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &userRepoPG{pool: pool}
}

func (r *userRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const userCols = `id, username, password_hash, superuser, COALESCE(email, ''), COALESCE(fullname, ''),
	upload_group_id, failed_login_count, locked_out_until, last_login_at, created_at, updated_at`

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO camcops_user (username, password_hash, superuser, email, fullname, upload_group_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		u.Username, u.PasswordHash, u.Superuser, u.Email, u.Fullname, u.UploadGroupID,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	return mapErr(err)
}

func (r *userRepoPG) GetByID(ctx context.Context, id int64) (*User, error) {
	return r.get(ctx, `SELECT `+userCols+` FROM camcops_user WHERE id = $1`, id)
}

func (r *userRepoPG) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.get(ctx, `SELECT `+userCols+` FROM camcops_user WHERE username = $1`, username)
}

func (r *userRepoPG) get(ctx context.Context, sql string, arg any) (*User, error) {
	u, err := scanUser(r.conn(ctx).QueryRow(ctx, sql, arg))
	if err != nil {
		return nil, err
	}
	if u.Memberships, err = r.memberships(ctx, u.ID); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *userRepoPG) List(ctx context.Context) ([]*User, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+userCols+` FROM camcops_user ORDER BY username`)
	if err != nil {
		return nil, err
	}
	var items []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, u := range items {
		if u.Memberships, err = r.memberships(ctx, u.ID); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (r *userRepoPG) Update(ctx context.Context, u *User) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE camcops_user SET username=$2, superuser=$3, email=$4, fullname=$5, upload_group_id=$6, updated_at=NOW()
		WHERE id = $1`,
		u.ID, u.Username, u.Superuser, u.Email, u.Fullname, u.UploadGroupID)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepoPG) Delete(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM camcops_user WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepoPG) SetPassword(ctx context.Context, id int64, hash string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE camcops_user SET password_hash=$2, updated_at=NOW() WHERE id = $1`, id, hash)
	return err
}

func (r *userRepoPG) SetMemberships(ctx context.Context, id int64, ms []GroupMembership) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM user_group_membership WHERE user_id = $1`, id); err != nil {
			return err
		}
		for _, m := range ms {
			_, err := r.conn(ctx).Exec(ctx, `
				INSERT INTO user_group_membership (user_id, group_id, groupadmin, may_upload,
					may_register_devices, may_use_webviewer, may_view_all_patients_when_unfiltered,
					may_dump_data, may_run_reports, may_add_notes)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				id, m.GroupID, m.GroupAdmin, m.MayUpload, m.MayRegisterDevices, m.MayUseWebviewer,
				m.MayViewAllPatientsWhenUnfiltered, m.MayDumpData, m.MayRunReports, m.MayAddNotes)
			if err != nil {
				return mapErr(err)
			}
		}
		return nil
	})
}

func (r *userRepoPG) RecordLoginFailure(ctx context.Context, id int64) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE camcops_user SET failed_login_count = failed_login_count + 1
		WHERE id = $1 RETURNING failed_login_count`, id).Scan(&n)
	return n, err
}

func (r *userRepoPG) Lock(ctx context.Context, id int64, until time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE camcops_user SET locked_out_until = $2, failed_login_count = 0 WHERE id = $1`, id, until)
	return err
}

func (r *userRepoPG) RecordLoginSuccess(ctx context.Context, id int64, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE camcops_user SET failed_login_count = 0, locked_out_until = NULL, last_login_at = $2
		WHERE id = $1`, id, at)
	return err
}

func (r *userRepoPG) GroupsSeenBy(ctx context.Context, groupIDs []int64) ([]int64, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT DISTINCT sees_group_id FROM group_group_sees WHERE group_id = ANY($1) ORDER BY 1`, groupIDs)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (r *userRepoPG) memberships(ctx context.Context, id int64) ([]GroupMembership, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT group_id, groupadmin, may_upload, may_register_devices, may_use_webviewer,
			may_view_all_patients_when_unfiltered, may_dump_data, may_run_reports, may_add_notes
		FROM user_group_membership WHERE user_id = $1 ORDER BY group_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ms := []GroupMembership{}
	for rows.Next() {
		var m GroupMembership
		if err := rows.Scan(&m.GroupID, &m.GroupAdmin, &m.MayUpload, &m.MayRegisterDevices, &m.MayUseWebviewer,
			&m.MayViewAllPatientsWhenUnfiltered, &m.MayDumpData, &m.MayRunReports, &m.MayAddNotes); err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return ms, rows.Err()
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Superuser, &u.Email, &u.Fullname,
		&u.UploadGroupID, &u.FailedLoginCount, &u.LockedOutUntil, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicate
		case "23503":
			return ErrInvalid
		}
	}
	return err
}
