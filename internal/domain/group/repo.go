package group

import (
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("group not found")
	ErrDuplicate = errors.New("group name already in use")
	ErrInUse     = errors.New("group has records and cannot be deleted")
	ErrInvalid   = errors.New("invalid group")
)

type Repository interface {
	Create(ctx context.Context, g *Group) error
	GetByID(ctx context.Context, id int64) (*Group, error)
	GetByName(ctx context.Context, name string) (*Group, error)
	List(ctx context.Context) ([]*Group, error)
	Update(ctx context.Context, g *Group) error
	Delete(ctx context.Context, id int64) error

	// AnyRecordsUseGroup reports whether any patient or task row belongs
	// to the group.
	AnyRecordsUseGroup(ctx context.Context, id int64) (bool, error)
}

// IDNumLister reports the ID number types currently defined, so policies
// can be checked against them.
type IDNumLister interface {
	WhichIDNums(ctx context.Context) ([]int, error)
}
