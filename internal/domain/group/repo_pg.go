package group

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/camcops/camcops/internal/platform/db"
)

type groupRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &groupRepoPG{pool: pool}
}

func (r *groupRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const groupCols = `g.id, g.name, COALESCE(g.description, ''), COALESCE(g.upload_policy, ''), COALESCE(g.finalize_policy, ''),
	g.ip_use_clinical, g.ip_use_commercial, g.ip_use_educational, g.ip_use_research,
	COALESCE((SELECT array_agg(s.sees_group_id ORDER BY s.sees_group_id) FROM group_group_sees s WHERE s.group_id = g.id), '{}'),
	g.created_at, g.updated_at`

func (r *groupRepoPG) Create(ctx context.Context, g *Group) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO camcops_group (name, description, upload_policy, finalize_policy,
				ip_use_clinical, ip_use_commercial, ip_use_educational, ip_use_research)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at`,
			g.Name, g.Description, g.UploadPolicy, g.FinalizePolicy,
			g.IPUse.Clinical, g.IPUse.Commercial, g.IPUse.Educational, g.IPUse.Research,
		).Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt)
		if err != nil {
			return mapErr(err)
		}
		return r.setSees(ctx, g.ID, g.CanSeeOtherGroups)
	})
}

func (r *groupRepoPG) GetByID(ctx context.Context, id int64) (*Group, error) {
	return scanGroup(r.conn(ctx).QueryRow(ctx, `SELECT `+groupCols+` FROM camcops_group g WHERE g.id = $1`, id))
}

func (r *groupRepoPG) GetByName(ctx context.Context, name string) (*Group, error) {
	return scanGroup(r.conn(ctx).QueryRow(ctx, `SELECT `+groupCols+` FROM camcops_group g WHERE g.name = $1`, name))
}

func (r *groupRepoPG) List(ctx context.Context) ([]*Group, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+groupCols+` FROM camcops_group g ORDER BY g.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, g)
	}
	return items, rows.Err()
}

func (r *groupRepoPG) Update(ctx context.Context, g *Group) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE camcops_group SET
				name=$2, description=$3, upload_policy=$4, finalize_policy=$5,
				ip_use_clinical=$6, ip_use_commercial=$7, ip_use_educational=$8, ip_use_research=$9,
				updated_at=NOW()
			WHERE id = $1`,
			g.ID, g.Name, g.Description, g.UploadPolicy, g.FinalizePolicy,
			g.IPUse.Clinical, g.IPUse.Commercial, g.IPUse.Educational, g.IPUse.Research,
		)
		if err != nil {
			return mapErr(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return r.setSees(ctx, g.ID, g.CanSeeOtherGroups)
	})
}

func (r *groupRepoPG) Delete(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM camcops_group WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *groupRepoPG) AnyRecordsUseGroup(ctx context.Context, id int64) (bool, error) {
	var used bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM patient WHERE group_id = $1)
		    OR EXISTS (SELECT 1 FROM task WHERE group_id = $1)`, id).Scan(&used)
	return used, err
}

func (r *groupRepoPG) setSees(ctx context.Context, id int64, others []int64) error {
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM group_group_sees WHERE group_id = $1`, id); err != nil {
		return err
	}
	for _, other := range others {
		if _, err := r.conn(ctx).Exec(ctx,
			`INSERT INTO group_group_sees (group_id, sees_group_id) VALUES ($1, $2)`, id, other); err != nil {
			return fmt.Errorf("group %d sees %d: %w", id, other, mapErr(err))
		}
	}
	return nil
}

func scanGroup(row pgx.Row) (*Group, error) {
	var g Group
	err := row.Scan(&g.ID, &g.Name, &g.Description, &g.UploadPolicy, &g.FinalizePolicy,
		&g.IPUse.Clinical, &g.IPUse.Commercial, &g.IPUse.Educational, &g.IPUse.Research,
		&g.CanSeeOtherGroups, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicate
		case "23503":
			return fmt.Errorf("%w: referenced group does not exist", ErrInvalid)
		}
	}
	return err
}
