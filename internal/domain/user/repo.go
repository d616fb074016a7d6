package user

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("user not found")
	ErrDuplicate      = errors.New("username already in use")
	ErrInvalid        = errors.New("invalid user")
	ErrBadCredentials = errors.New("invalid username or password")
	ErrLockedOut      = errors.New("account locked")
	ErrForbidden      = errors.New("not authorized")
)

type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id int64) error
	SetPassword(ctx context.Context, id int64, hash string) error
	SetMemberships(ctx context.Context, id int64, ms []GroupMembership) error

	// RecordLoginFailure increments the failure counter and returns the
	// new count.
	RecordLoginFailure(ctx context.Context, id int64) (int, error)
	// Lock locks the account until the given time and restarts the
	// failure count.
	Lock(ctx context.Context, id int64, until time.Time) error
	// RecordLoginSuccess resets the failure counter and lockout and stamps
	// the login time.
	RecordLoginSuccess(ctx context.Context, id int64, at time.Time) error

	// GroupsSeenBy returns the groups that any of groupIDs is configured
	// to see.
	GroupsSeenBy(ctx context.Context, groupIDs []int64) ([]int64, error)
}
