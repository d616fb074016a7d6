package user

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/camcops/camcops/internal/platform/auth"
)

// LockoutPolicy controls how repeated login failures lock an account.
type LockoutPolicy struct {
	Threshold int
	Period    time.Duration
}

type Service struct {
	users   Repository
	lockout LockoutPolicy
	now     func() time.Time
}

func NewService(users Repository, lockout LockoutPolicy) *Service {
	return &Service{users: users, lockout: lockout, now: time.Now}
}

// CreateUser validates u and password, hashes the password and stores the
// user together with any memberships on u.
func (s *Service) CreateUser(ctx context.Context, u *User, password string) error {
	if err := validateUser(u); err != nil {
		return err
	}
	if err := auth.ValidatePasswordStrength(password); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	if err := s.users.Create(ctx, u); err != nil {
		return err
	}
	if len(u.Memberships) > 0 {
		return s.users.SetMemberships(ctx, u.ID, u.Memberships)
	}
	return nil
}

func (s *Service) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *Service) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.users.GetByUsername(ctx, username)
}

func (s *Service) ListUsers(ctx context.Context) ([]*User, error) {
	return s.users.List(ctx)
}

func (s *Service) UpdateUser(ctx context.Context, u *User) error {
	if err := validateUser(u); err != nil {
		return err
	}
	return s.users.Update(ctx, u)
}

func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	return s.users.Delete(ctx, id)
}

// ChangePassword sets a new password after checking its strength.
func (s *Service) ChangePassword(ctx context.Context, id int64, password string) error {
	if err := auth.ValidatePasswordStrength(password); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := s.users.GetByID(ctx, id); err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	return s.users.SetPassword(ctx, id, hash)
}

// SetMemberships replaces the memberships of user id in the groups listed.
// Memberships in other groups are preserved, so a group administrator can
// only ever touch their own groups. A membership with every flag false still
// makes the user a group member.
func (s *Service) SetMemberships(ctx context.Context, p *auth.Principal, id int64, ms []GroupMembership) error {
	for _, m := range ms {
		if !p.MayAdministerGroup(m.GroupID) {
			return fmt.Errorf("%w: cannot administer group %d", ErrForbidden, m.GroupID)
		}
	}
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return err
	}

	changing := make(map[int64]bool, len(ms))
	for _, m := range ms {
		changing[m.GroupID] = true
	}
	var merged []GroupMembership
	for _, m := range u.Memberships {
		if !changing[m.GroupID] {
			merged = append(merged, m)
		}
	}
	merged = append(merged, ms...)
	slices.SortFunc(merged, func(a, b GroupMembership) int { return cmp.Compare(a.GroupID, b.GroupID) })
	return s.users.SetMemberships(ctx, id, merged)
}

// RemoveFromGroup drops user id from groupID.
func (s *Service) RemoveFromGroup(ctx context.Context, p *auth.Principal, id, groupID int64) error {
	if !p.MayAdministerGroup(groupID) {
		return fmt.Errorf("%w: cannot administer group %d", ErrForbidden, groupID)
	}
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return err
	}
	kept := slices.DeleteFunc(u.Memberships, func(m GroupMembership) bool { return m.GroupID == groupID })
	return s.users.SetMemberships(ctx, id, kept)
}

// Authenticate checks a username and password. After LockoutPolicy.Threshold
// consecutive failures the account is locked for LockoutPolicy.Period. The
// same error is returned for unknown users and wrong passwords.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	u, err := s.users.GetByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		// Unknown users take as long as wrong passwords.
		auth.ComparePassword(dummyHash, password)
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	if u.LockedOut(now) {
		return nil, fmt.Errorf("%w until %s", ErrLockedOut, u.LockedOutUntil.UTC().Format(time.RFC3339))
	}

	if !auth.ComparePassword(u.PasswordHash, password) {
		n, err := s.users.RecordLoginFailure(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("record login failure: %w", err)
		}
		if s.lockout.Threshold > 0 && n >= s.lockout.Threshold {
			if err := s.users.Lock(ctx, u.ID, now.Add(s.lockout.Period)); err != nil {
				return nil, fmt.Errorf("lock account: %w", err)
			}
			return nil, ErrLockedOut
		}
		return nil, ErrBadCredentials
	}

	if err := s.users.RecordLoginSuccess(ctx, u.ID, now); err != nil {
		return nil, fmt.Errorf("record login: %w", err)
	}
	u.FailedLoginCount = 0
	u.LockedOutUntil = nil
	u.LastLoginAt = &now
	return u, nil
}

// MakeSuperuser creates username as a superuser, or promotes an existing
// account. password is only used when creating.
func (s *Service) MakeSuperuser(ctx context.Context, username, password string) (*User, bool, error) {
	u, err := s.users.GetByUsername(ctx, username)
	switch {
	case err == nil:
		if u.Superuser {
			return u, false, nil
		}
		u.Superuser = true
		if err := s.users.Update(ctx, u); err != nil {
			return nil, false, err
		}
		return u, false, nil
	case errors.Is(err, ErrNotFound):
		u = &User{Username: username, Superuser: true}
		if err := s.CreateUser(ctx, u, password); err != nil {
			return nil, false, err
		}
		return u, true, nil
	default:
		return nil, false, err
	}
}

// LoadPrincipal resolves a user id to the permission set used for the rest
// of the request.
func (s *Service) LoadPrincipal(ctx context.Context, userID int64) (*auth.Principal, error) {
	u, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, auth.ErrUnknownUser
	}
	if err != nil {
		return nil, err
	}

	p := &auth.Principal{
		UserID:        u.ID,
		Username:      u.Username,
		Superuser:     u.Superuser,
		Memberships:   make(map[int64]auth.Membership, len(u.Memberships)),
		UploadGroupID: u.UploadGroupID,
	}
	member := make([]int64, 0, len(u.Memberships))
	for _, m := range u.Memberships {
		p.Memberships[m.GroupID] = m.Membership
		member = append(member, m.GroupID)
	}

	seen, err := s.users.GroupsSeenBy(ctx, member)
	if err != nil {
		return nil, fmt.Errorf("groups seen by user %d: %w", u.ID, err)
	}
	all := append(member, seen...)
	slices.Sort(all)
	p.GroupsMaySee = slices.Compact(all)
	return p, nil
}

func validateUser(u *User) error {
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalid)
	}
	if !validUsername.MatchString(u.Username) {
		return fmt.Errorf("%w: username %q contains invalid characters", ErrInvalid, u.Username)
	}
	return nil
}

// dummyHash is a bcrypt hash of a random string, compared against when the
// username does not exist.
const dummyHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z3ZMVr6lQ7Y0V7YFq6yQz5yK"
