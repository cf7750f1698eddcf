package store

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type PageType string

const (
	PageTypePage             PageType = "page"
	PageTypeBoard            PageType = "board"
	PageTypeInlineBoard      PageType = "inline_board"
	PageTypeLinkedBoard      PageType = "linked_board"
	PageTypeCard             PageType = "card"
	PageTypeCardTemplate     PageType = "card_template"
	PageTypeProposal         PageType = "proposal"
	PageTypeProposalTemplate PageType = "proposal_template"
	PageTypeBounty           PageType = "bounty"
	PageTypeBountyTemplate   PageType = "bounty_template"
)

// Page is a node of a space's page tree. Deleted pages keep their parent so a
// restore from trash can bring their permissions back.
type Page struct {
	ID         string
	SpaceID    string
	ParentID   *string
	Type       PageType
	Title      string
	ProposalID *string
	DeletedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (p Page) Deleted() bool {
	return p.DeletedAt != nil
}

// ProposalReviewer is either a user or a role, never both.
type ProposalReviewer struct {
	UserID *string
	RoleID *string
}

type Proposal struct {
	ID        string
	SpaceID   string
	PageID    string
	Status    string
	CreatedBy string
	CreatedAt time.Time
	Authors   []string
	Reviewers []ProposalReviewer
}

type SpaceMember struct {
	SpaceID string
	UserID  string
	IsAdmin bool
}
