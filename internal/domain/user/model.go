package user

import (
	"regexp"
	"time"

	"github.com/camcops/camcops/internal/platform/auth"
)

var validUsername = regexp.MustCompile(`^[A-Za-z0-9_.@-]+$`)

type User struct {
	ID               int64             `json:"id"`
	Username         string            `json:"username"`
	PasswordHash     string            `json:"-"`
	Superuser        bool              `json:"superuser"`
	Email            string            `json:"email,omitempty"`
	Fullname         string            `json:"fullname,omitempty"`
	UploadGroupID    *int64            `json:"upload_group_id,omitempty"`
	FailedLoginCount int               `json:"-"`
	LockedOutUntil   *time.Time        `json:"locked_out_until,omitempty"`
	LastLoginAt      *time.Time        `json:"last_login_at,omitempty"`
	Memberships      []GroupMembership `json:"memberships"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// GroupMembership is a user's permission set within one group.
type GroupMembership struct {
	GroupID int64 `json:"group_id"`
	auth.Membership
}

// LockedOut reports whether the account is locked at time now.
func (u *User) LockedOut(now time.Time) bool {
	return u.LockedOutUntil != nil && now.Before(*u.LockedOutUntil)
}

// MemberOf reports whether the user belongs to groupID.
func (u *User) MemberOf(groupID int64) bool {
	for _, m := range u.Memberships {
		if m.GroupID == groupID {
			return true
		}
	}
	return false
}
