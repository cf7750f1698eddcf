package permissions

// Flags is the set of operations a level allows on a page.
type Flags struct {
	Read             bool `json:"read"`
	Comment          bool `json:"comment"`
	EditContent      bool `json:"edit_content"`
	EditIsPublic     bool `json:"edit_isPublic"`
	GrantPermissions bool `json:"grant_permissions"`
	Delete           bool `json:"delete"`
}

func FlagsFor(level Level) Flags {
	switch level {
	case LevelFullAccess:
		return Flags{Read: true, Comment: true, EditContent: true, EditIsPublic: true, GrantPermissions: true, Delete: true}
	case LevelEditor:
		return Flags{Read: true, Comment: true, EditContent: true, Delete: true}
	case LevelProposalEditor:
		return Flags{Read: true, Comment: true, EditContent: true}
	case LevelViewComment:
		return Flags{Read: true, Comment: true}
	case LevelView, LevelCustom:
		return Flags{Read: true}
	default:
		return Flags{}
	}
}

// Merge returns the union of both flag sets.
func (f Flags) Merge(other Flags) Flags {
	return Flags{
		Read:             f.Read || other.Read,
		Comment:          f.Comment || other.Comment,
		EditContent:      f.EditContent || other.EditContent,
		EditIsPublic:     f.EditIsPublic || other.EditIsPublic,
		GrantPermissions: f.GrantPermissions || other.GrantPermissions,
		Delete:           f.Delete || other.Delete,
	}
}
