package group

import (
	"regexp"
	"time"
)

// validName is the character set allowed in group names. Names appear in
// URLs and export file names.
var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// IPUse records the intellectual-property contexts a group's data may be
// used in. Some task instruments are licensed only for some of these.
type IPUse struct {
	Clinical    bool `json:"clinical"`
	Commercial  bool `json:"commercial"`
	Educational bool `json:"educational"`
	Research    bool `json:"research"`
}

// Group is a collection of users and records. Permissions are granted per
// group, and a group may be configured to see other groups' records.
type Group struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	UploadPolicy      string    `json:"upload_policy"`
	FinalizePolicy    string    `json:"finalize_policy"`
	IPUse             IPUse     `json:"ip_use"`
	CanSeeOtherGroups []int64   `json:"can_see_other_groups"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
