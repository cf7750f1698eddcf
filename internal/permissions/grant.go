package permissions

import (
	"errors"
	"time"
)

// AssigneeKind identifies who a grant is issued to.
type AssigneeKind string

const (
	AssigneeUser   AssigneeKind = "user"
	AssigneeRole   AssigneeKind = "role"
	AssigneeSpace  AssigneeKind = "space"
	AssigneePublic AssigneeKind = "public"
)

// Assignee is exactly one of a user, a role, a whole space or the public.
// ID is empty for public assignees.
type Assignee struct {
	Kind AssigneeKind `json:"group"`
	ID   string       `json:"id,omitempty"`
}

func User(id string) Assignee  { return Assignee{Kind: AssigneeUser, ID: id} }
func Role(id string) Assignee  { return Assignee{Kind: AssigneeRole, ID: id} }
func Space(id string) Assignee { return Assignee{Kind: AssigneeSpace, ID: id} }
func Public() Assignee         { return Assignee{Kind: AssigneePublic} }

func (a Assignee) Validate() error {
	switch a.Kind {
	case AssigneeUser, AssigneeRole, AssigneeSpace:
		if a.ID == "" {
			return errors.New("assignee id is required")
		}
		return nil
	case AssigneePublic:
		if a.ID != "" {
			return errors.New("public assignee cannot carry an id")
		}
		return nil
	default:
		return errors.New("assignee must be one of user, role, space or public")
	}
}

// Key identifies the assignee; two grants on one page never share a key.
func (a Assignee) Key() string {
	if a.Kind == AssigneePublic {
		return string(AssigneePublic)
	}
	return string(a.Kind) + ":" + a.ID
}

func (a Assignee) IsPublic() bool {
	return a.Kind == AssigneePublic
}

// Origin records which mechanism authored a grant.
type Origin string

const (
	OriginManual   Origin = "manual"
	OriginProposal Origin = "proposal"
)

// Grant is a single page permission row.
type Grant struct {
	ID                 string    `json:"id"`
	PageID             string    `json:"pageId"`
	Level              Level     `json:"permissionLevel"`
	Assignee           Assignee  `json:"assignee"`
	SourcePermissionID *string   `json:"sourcePermissionId,omitempty"`
	Origin             Origin    `json:"origin"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Inherited reports whether the grant was propagated from another grant.
func (g Grant) Inherited() bool {
	return g.SourcePermissionID != nil
}

// RootID returns the id of the locally authored grant this one derives from.
func (g Grant) RootID() string {
	if g.SourcePermissionID != nil {
		return *g.SourcePermissionID
	}
	return g.ID
}

// InheritTo returns a copy of g for pageID that points back to g's root grant.
func (g Grant) InheritTo(id, pageID string) Grant {
	source := g.RootID()
	return Grant{
		ID:                 id,
		PageID:             pageID,
		Level:              g.Level,
		Assignee:           g.Assignee,
		SourcePermissionID: &source,
		Origin:             g.Origin,
	}
}

// Input describes a grant requested by a caller.
type Input struct {
	Level    Level
	Assignee Assignee
}

func (in Input) Validate() error {
	if !in.Level.Grantable() {
		return errors.New("permission level is invalid")
	}
	return in.Assignee.Validate()
}
