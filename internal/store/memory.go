package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pageperm/api/internal/permissions"
)

// MemoryStore keeps spaces, pages, grants and proposals in process. It backs
// local development and tests; transactions snapshot the grant table and
// restore it when the callback fails.
type MemoryStore struct {
	mu        sync.Mutex
	pages     map[string]Page
	grants    map[string]permissions.Grant
	order     []string
	proposals map[string]Proposal
	members   map[string]SpaceMember
	roles     map[string]map[string]struct{}
	roleSpace map[string]string
	now       func() time.Time

	// FailCreate, when set, is returned by CreateGrants after the rows of the
	// call have been written, so tests can observe rollback.
	FailCreate error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pages:     make(map[string]Page),
		grants:    make(map[string]permissions.Grant),
		proposals: make(map[string]Proposal),
		members:   make(map[string]SpaceMember),
		roles:     make(map[string]map[string]struct{}),
		roleSpace: make(map[string]string),
		now:       time.Now,
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) PutPage(page Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[page.ID] = page
}

func (m *MemoryStore) PutProposal(proposal Proposal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[proposal.ID] = proposal
}

func (m *MemoryStore) PutSpaceMember(member SpaceMember) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[member.SpaceID+"/"+member.UserID] = member
}

func (m *MemoryStore) PutRoleMember(spaceID, roleID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roles[roleID] == nil {
		m.roles[roleID] = make(map[string]struct{})
	}
	m.roles[roleID][userID] = struct{}{}
	m.roleSpace[roleID] = spaceID
}

// PutGrants seeds grants without the integrity checks of CreateGrants.
func (m *MemoryStore) PutGrants(grants ...permissions.Grant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, grant := range grants {
		m.insertGrant(grant)
	}
}

func (m *MemoryStore) GetPage(_ context.Context, pageID string) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageID]
	if !ok {
		return Page{}, fmt.Errorf("get page: %w", ErrNotFound)
	}
	return page, nil
}

func (m *MemoryStore) GetPageByProposal(_ context.Context, proposalID string) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, page := range m.pages {
		if page.ProposalID != nil && *page.ProposalID == proposalID {
			return page, nil
		}
	}
	return Page{}, fmt.Errorf("get proposal page: %w", ErrNotFound)
}

func (m *MemoryStore) ListSpacePages(_ context.Context, spaceID string) ([]Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]Page, 0)
	for _, page := range m.pages {
		if page.SpaceID == spaceID {
			items = append(items, page)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *MemoryStore) ListGrants(_ context.Context, pageIDs []string) ([]permissions.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]struct{}, len(pageIDs))
	for _, id := range pageIDs {
		wanted[id] = struct{}{}
	}
	items := make([]permissions.Grant, 0)
	for _, id := range m.order {
		grant := m.grants[id]
		if _, ok := wanted[grant.PageID]; ok {
			items = append(items, grant)
		}
	}
	return items, nil
}

func (m *MemoryStore) GetGrant(_ context.Context, grantID string) (permissions.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	grant, ok := m.grants[grantID]
	if !ok {
		return permissions.Grant{}, fmt.Errorf("get grant: %w", ErrNotFound)
	}
	return grant, nil
}

func (m *MemoryStore) GetProposal(_ context.Context, proposalID string) (Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proposal, ok := m.proposals[proposalID]
	if !ok {
		return Proposal{}, fmt.Errorf("get proposal: %w", ErrNotFound)
	}
	return proposal, nil
}

func (m *MemoryStore) ListUserRoles(_ context.Context, spaceID, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var roleIDs []string
	for roleID, members := range m.roles {
		if m.roleSpace[roleID] != spaceID {
			continue
		}
		if _, ok := members[userID]; ok {
			roleIDs = append(roleIDs, roleID)
		}
	}
	sort.Strings(roleIDs)
	return roleIDs, nil
}

func (m *MemoryStore) GetSpaceMember(_ context.Context, spaceID, userID string) (SpaceMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[spaceID+"/"+userID]
	if !ok {
		return SpaceMember{}, fmt.Errorf("get space member: %w", ErrNotFound)
	}
	return member, nil
}

// RunInTx holds the store lock for the whole callback, so memory transactions
// are serialized.
func (m *MemoryStore) RunInTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	grants := make(map[string]permissions.Grant, len(m.grants))
	for id, grant := range m.grants {
		grants[id] = grant
	}
	order := append([]string(nil), m.order...)
	proposals := make(map[string]Proposal, len(m.proposals))
	for id, proposal := range m.proposals {
		proposals[id] = proposal
	}

	if err := fn(&memTx{store: m}); err != nil {
		m.grants = grants
		m.order = order
		m.proposals = proposals
		return err
	}
	return nil
}

func (m *MemoryStore) insertGrant(grant permissions.Grant) {
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = m.now()
	}
	if _, exists := m.grants[grant.ID]; !exists {
		m.order = append(m.order, grant.ID)
	}
	m.grants[grant.ID] = grant
}

type memTx struct {
	store *MemoryStore
}

func (t *memTx) DeleteGrants(_ context.Context, grantIDs []string) error {
	m := t.store
	removed := make(map[string]struct{}, len(grantIDs))
	for _, id := range grantIDs {
		removed[id] = struct{}{}
		delete(m.grants, id)
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if _, ok := removed[id]; !ok {
			kept = append(kept, id)
		}
	}
	m.order = kept

	for _, grant := range m.grants {
		if grant.SourcePermissionID == nil {
			continue
		}
		if _, ok := removed[*grant.SourcePermissionID]; ok {
			return fmt.Errorf("delete grants: grant %s still references deleted source %s", grant.ID, *grant.SourcePermissionID)
		}
	}
	return nil
}

func (t *memTx) CreateGrants(_ context.Context, grants []permissions.Grant) error {
	m := t.store
	for _, grant := range grants {
		if _, exists := m.grants[grant.ID]; exists {
			return fmt.Errorf("create grant %s: duplicate id", grant.ID)
		}
		if _, ok := m.pages[grant.PageID]; !ok {
			return fmt.Errorf("create grant %s: page %s does not exist", grant.ID, grant.PageID)
		}
		if grant.SourcePermissionID != nil {
			if _, ok := m.grants[*grant.SourcePermissionID]; !ok {
				return fmt.Errorf("create grant %s: source %s does not exist", grant.ID, *grant.SourcePermissionID)
			}
		}
		for _, existing := range m.grants {
			if existing.PageID == grant.PageID && existing.Assignee.Key() == grant.Assignee.Key() && existing.Origin == grant.Origin {
				return fmt.Errorf("create grant %s: page %s already has a %s grant for %s", grant.ID, grant.PageID, grant.Origin, grant.Assignee.Key())
			}
		}
		m.insertGrant(grant)
	}
	if m.FailCreate != nil {
		return m.FailCreate
	}
	return nil
}

func (t *memTx) UpdateProposalStatus(_ context.Context, proposalID, status string) error {
	m := t.store
	proposal, ok := m.proposals[proposalID]
	if !ok {
		return fmt.Errorf("update proposal status: %w", ErrNotFound)
	}
	proposal.Status = status
	m.proposals[proposalID] = proposal
	return nil
}
