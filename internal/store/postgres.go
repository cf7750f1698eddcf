package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"pageperm/api/internal/permissions"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const pageColumns = `id, space_id, parent_id, type, title, proposal_id, deleted_at, created_at, updated_at`

func (s *PostgresStore) GetPage(ctx context.Context, pageID string) (Page, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id=$1`, pageID)
	page, err := scanPage(row)
	if err != nil {
		return Page{}, notFound(err, "get page")
	}
	return page, nil
}

func (s *PostgresStore) GetPageByProposal(ctx context.Context, proposalID string) (Page, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE proposal_id=$1`, proposalID)
	page, err := scanPage(row)
	if err != nil {
		return Page{}, notFound(err, "get proposal page")
	}
	return page, nil
}

// ListSpacePages returns every page of a space, deleted pages included.
func (s *PostgresStore) ListSpacePages(ctx context.Context, spaceID string) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE space_id=$1 ORDER BY created_at, id`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list space pages: %w", err)
	}
	defer rows.Close()

	items := make([]Page, 0)
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		items = append(items, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return items, nil
}

const grantColumns = `id, page_id, permission_level, user_id, role_id, space_id, public, source_permission_id, origin, created_at`

func (s *PostgresStore) ListGrants(ctx context.Context, pageIDs []string) ([]permissions.Grant, error) {
	if len(pageIDs) == 0 {
		return nil, nil
	}
	placeholders, args := inList(1, pageIDs)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+grantColumns+`
		FROM page_permissions
		WHERE page_id IN (`+placeholders+`)
		ORDER BY created_at, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	items := make([]permissions.Grant, 0)
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		items = append(items, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetGrant(ctx context.Context, grantID string) (permissions.Grant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM page_permissions WHERE id=$1`, grantID)
	grant, err := scanGrant(row)
	if err != nil {
		return permissions.Grant{}, notFound(err, "get grant")
	}
	return grant, nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	var proposal Proposal
	var pageID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.space_id, pg.id, p.status, p.created_by, p.created_at
		FROM proposals p
		LEFT JOIN pages pg ON pg.proposal_id = p.id
		WHERE p.id=$1
	`, proposalID).Scan(&proposal.ID, &proposal.SpaceID, &pageID, &proposal.Status, &proposal.CreatedBy, &proposal.CreatedAt)
	if err != nil {
		return Proposal{}, notFound(err, "get proposal")
	}
	proposal.PageID = pageID.String

	authorRows, err := s.db.QueryContext(ctx, `SELECT user_id FROM proposal_authors WHERE proposal_id=$1 ORDER BY user_id`, proposalID)
	if err != nil {
		return Proposal{}, fmt.Errorf("list proposal authors: %w", err)
	}
	defer authorRows.Close()
	for authorRows.Next() {
		var userID string
		if err := authorRows.Scan(&userID); err != nil {
			return Proposal{}, fmt.Errorf("scan proposal author: %w", err)
		}
		proposal.Authors = append(proposal.Authors, userID)
	}
	if err := authorRows.Err(); err != nil {
		return Proposal{}, fmt.Errorf("iterate proposal authors: %w", err)
	}

	reviewerRows, err := s.db.QueryContext(ctx, `SELECT user_id, role_id FROM proposal_reviewers WHERE proposal_id=$1 ORDER BY id`, proposalID)
	if err != nil {
		return Proposal{}, fmt.Errorf("list proposal reviewers: %w", err)
	}
	defer reviewerRows.Close()
	for reviewerRows.Next() {
		var userID, roleID sql.NullString
		if err := reviewerRows.Scan(&userID, &roleID); err != nil {
			return Proposal{}, fmt.Errorf("scan proposal reviewer: %w", err)
		}
		proposal.Reviewers = append(proposal.Reviewers, ProposalReviewer{
			UserID: nullableString(userID),
			RoleID: nullableString(roleID),
		})
	}
	if err := reviewerRows.Err(); err != nil {
		return Proposal{}, fmt.Errorf("iterate proposal reviewers: %w", err)
	}
	return proposal, nil
}

func (s *PostgresStore) ListUserRoles(ctx context.Context, spaceID, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id
		FROM role_members rm
		JOIN roles r ON r.id = rm.role_id
		WHERE r.space_id=$1 AND rm.user_id=$2
		ORDER BY r.id
	`, spaceID, userID)
	if err != nil {
		return nil, fmt.Errorf("list user roles: %w", err)
	}
	defer rows.Close()

	var roleIDs []string
	for rows.Next() {
		var roleID string
		if err := rows.Scan(&roleID); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roleIDs = append(roleIDs, roleID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roleIDs, nil
}

func (s *PostgresStore) GetSpaceMember(ctx context.Context, spaceID, userID string) (SpaceMember, error) {
	member := SpaceMember{SpaceID: spaceID, UserID: userID}
	err := s.db.QueryRowContext(ctx, `SELECT is_admin FROM space_members WHERE space_id=$1 AND user_id=$2`, spaceID, userID).Scan(&member.IsAdmin)
	if err != nil {
		return SpaceMember{}, notFound(err, "get space member")
	}
	return member, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(row rowScanner) (Page, error) {
	var page Page
	var parentID, proposalID sql.NullString
	var deletedAt sql.NullTime
	var pageType string
	if err := row.Scan(&page.ID, &page.SpaceID, &parentID, &pageType, &page.Title, &proposalID, &deletedAt, &page.CreatedAt, &page.UpdatedAt); err != nil {
		return Page{}, err
	}
	page.Type = PageType(pageType)
	page.ParentID = nullableString(parentID)
	page.ProposalID = nullableString(proposalID)
	if deletedAt.Valid {
		t := deletedAt.Time
		page.DeletedAt = &t
	}
	return page, nil
}

func scanGrant(row rowScanner) (permissions.Grant, error) {
	var grant permissions.Grant
	var level, origin string
	var userID, roleID, spaceID, sourceID sql.NullString
	var public bool
	if err := row.Scan(&grant.ID, &grant.PageID, &level, &userID, &roleID, &spaceID, &public, &sourceID, &origin, &grant.CreatedAt); err != nil {
		return permissions.Grant{}, err
	}
	grant.Level = permissions.Level(level)
	grant.Origin = permissions.Origin(origin)
	grant.SourcePermissionID = nullableString(sourceID)
	switch {
	case userID.Valid:
		grant.Assignee = permissions.User(userID.String)
	case roleID.Valid:
		grant.Assignee = permissions.Role(roleID.String)
	case spaceID.Valid:
		grant.Assignee = permissions.Space(spaceID.String)
	case public:
		grant.Assignee = permissions.Public()
	default:
		return permissions.Grant{}, fmt.Errorf("grant %s has no assignee", grant.ID)
	}
	return grant, nil
}

// assigneeColumns spreads an assignee over the user_id, role_id, space_id and
// public columns.
func assigneeColumns(a permissions.Assignee) (userID, roleID, spaceID *string, public bool) {
	id := a.ID
	switch a.Kind {
	case permissions.AssigneeUser:
		return &id, nil, nil, false
	case permissions.AssigneeRole:
		return nil, &id, nil, false
	case permissions.AssigneeSpace:
		return nil, nil, &id, false
	default:
		return nil, nil, nil, true
	}
}

func nullableString(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func notFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// inList renders "$start, $start+1, ..." for values.
func inList(start int, values []string) (string, []any) {
	parts := make([]string, len(values))
	args := make([]any, len(values))
	for i, value := range values {
		parts[i] = fmt.Sprintf("$%d", start+i)
		args[i] = value
	}
	return strings.Join(parts, ", "), args
}
