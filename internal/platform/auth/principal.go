package auth

import (
	"context"
	"slices"
	"strconv"
)

// Membership holds a user's per-group permission flags.
type Membership struct {
	GroupAdmin                       bool `json:"groupadmin"`
	MayUpload                        bool `json:"may_upload"`
	MayRegisterDevices               bool `json:"may_register_devices"`
	MayUseWebviewer                  bool `json:"may_use_webviewer"`
	MayViewAllPatientsWhenUnfiltered bool `json:"may_view_all_patients_when_unfiltered"`
	MayDumpData                      bool `json:"may_dump_data"`
	MayRunReports                    bool `json:"may_run_reports"`
	MayAddNotes                      bool `json:"may_add_notes"`
}

// Principal is the authenticated user with permissions resolved for the
// current request. It is built once per request and read by every permission
// check downstream.
type Principal struct {
	UserID      int64
	Username    string
	Superuser   bool
	Memberships map[int64]Membership
	// GroupsMaySee is the member groups plus every group those groups are
	// configured to see.
	GroupsMaySee  []int64
	UploadGroupID *int64
}

// IDsOfGroupsMaySee returns the groups whose records the user may view.
func (p *Principal) IDsOfGroupsMaySee() []int64 {
	return p.GroupsMaySee
}

// IDsOfGroupsMayDump returns groups the user may bulk-export from.
func (p *Principal) IDsOfGroupsMayDump() []int64 {
	return p.groupsWhere(func(m Membership) bool { return m.MayDumpData })
}

// IDsOfGroupsAdministered returns groups where the user is a group administrator.
func (p *Principal) IDsOfGroupsAdministered() []int64 {
	return p.groupsWhere(func(m Membership) bool { return m.GroupAdmin })
}

// IDsOfGroupsMayViewAllPatients returns groups where the user may list
// patients without a filter.
func (p *Principal) IDsOfGroupsMayViewAllPatients() []int64 {
	return p.groupsWhere(func(m Membership) bool { return m.MayViewAllPatientsWhenUnfiltered })
}

// MayAdministerGroup is true for superusers and administrators of groupID.
func (p *Principal) MayAdministerGroup(groupID int64) bool {
	if p.Superuser {
		return true
	}
	return p.Memberships[groupID].GroupAdmin
}

// IsGroupAdminAnywhere is true for superusers and any group administrator.
func (p *Principal) IsGroupAdminAnywhere() bool {
	return p.Superuser || len(p.IDsOfGroupsAdministered()) > 0
}

// AuthorizedToEraseTasks reports whether tasks belonging to groupID may be
// erased by this user.
func (p *Principal) AuthorizedToEraseTasks(groupID int64) bool {
	return p.MayAdministerGroup(groupID)
}

// MayUseWebviewer is true if any membership grants web viewer access.
func (p *Principal) MayUseWebviewer() bool {
	if p.Superuser {
		return true
	}
	for _, m := range p.Memberships {
		if m.MayUseWebviewer {
			return true
		}
	}
	return false
}

func (p *Principal) MayAddNotes(groupID int64) bool {
	return p.Superuser || p.Memberships[groupID].MayAddNotes
}

func (p *Principal) MayUploadToGroup(groupID int64) bool {
	return p.Superuser || p.Memberships[groupID].MayUpload
}

// MaySeeGroup reports whether records in groupID are visible to the user.
func (p *Principal) MaySeeGroup(groupID int64) bool {
	return p.Superuser || slices.Contains(p.GroupsMaySee, groupID)
}

func (p *Principal) groupsWhere(pred func(Membership) bool) []int64 {
	var ids []int64
	for gid, m := range p.Memberships {
		if pred(m) {
			ids = append(ids, gid)
		}
	}
	slices.Sort(ids)
	return ids
}

const principalKey contextKey = "principal"

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the authenticated principal, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// UserIDFromContext returns the authenticated user's id as a string, for logs.
func UserIDFromContext(ctx context.Context) string {
	p := PrincipalFromContext(ctx)
	if p == nil {
		return ""
	}
	return strconv.FormatInt(p.UserID, 10)
}

// UsernameFromContext returns the authenticated username, for logs.
func UsernameFromContext(ctx context.Context) string {
	p := PrincipalFromContext(ctx)
	if p == nil {
		return ""
	}
	return p.Username
}
