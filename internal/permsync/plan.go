// Package permsync computes and applies page permission synchronizations.
// Planning is pure: a Plan is derived from a State snapshot and only the
// Synchronizer touches storage.
package permsync

import (
	"sort"

	"pageperm/api/internal/pagetree"
	"pageperm/api/internal/permissions"
	"pageperm/api/internal/proposal"
	"pageperm/api/internal/store"
)

// CascadeMode controls how a grant on a page reaches its descendants.
type CascadeMode int

const (
	// CascadeInherit copies grants to descendants that have no grants of
	// their own. A descendant with local grants ends the walk into its subtree.
	CascadeInherit CascadeMode = iota
	// CascadeBoard pushes the grant to every descendant, replacing whatever
	// the descendant holds for the same assignee.
	CascadeBoard
	// CascadeNone leaves descendants alone.
	CascadeNone
)

func (m CascadeMode) String() string {
	switch m {
	case CascadeBoard:
		return "board"
	case CascadeNone:
		return "none"
	default:
		return "inherit"
	}
}

func CascadeModeFor(pageType store.PageType) CascadeMode {
	switch pageType {
	case store.PageTypeBoard, store.PageTypeInlineBoard, store.PageTypeLinkedBoard:
		return CascadeBoard
	case store.PageTypeCard, store.PageTypeCardTemplate, store.PageTypeProposalTemplate, store.PageTypeBountyTemplate:
		return CascadeNone
	default:
		return CascadeInherit
	}
}

// Plan is the outcome of a synchronization: rows to delete, then rows to
// create, applied in one transaction.
type Plan struct {
	ToDelete []string
	ToCreate []permissions.Grant
}

func (p Plan) Empty() bool {
	return len(p.ToDelete) == 0 && len(p.ToCreate) == 0
}

// State is what a plan is computed from: the target page, the tree of its
// space and every grant on the page and its descendants.
type State struct {
	Page   store.Page
	Tree   *pagetree.Tree
	Grants []permissions.Grant
}

type planner struct {
	state       State
	newID       func() string
	descendants []store.Page
	byID        map[string]permissions.Grant
	byPage      map[string][]permissions.Grant
	deleted     map[string]bool
	deleteOrder []string
	created     []permissions.Grant
}

func newPlanner(state State, newID func() string) (*planner, error) {
	descendants, err := state.Tree.ResolveDescendants(state.Page.ID)
	if err != nil {
		return nil, err
	}
	p := &planner{
		state:       state,
		newID:       newID,
		descendants: descendants,
		byID:        make(map[string]permissions.Grant, len(state.Grants)),
		byPage:      make(map[string][]permissions.Grant),
		deleted:     make(map[string]bool),
	}
	for _, g := range state.Grants {
		p.byID[g.ID] = g
		p.byPage[g.PageID] = append(p.byPage[g.PageID], g)
	}
	return p, nil
}

func (p *planner) remove(g permissions.Grant) {
	if p.deleted[g.ID] {
		return
	}
	p.deleted[g.ID] = true
	p.deleteOrder = append(p.deleteOrder, g.ID)
}

func (p *planner) create(g permissions.Grant) {
	p.created = append(p.created, g)
}

// retained returns the grant of the given origin that pageID keeps for the
// assignee once the deletions recorded so far are applied. Copies of a deleted
// source count as gone.
func (p *planner) retained(pageID string, assignee permissions.Assignee, origin permissions.Origin) (permissions.Grant, bool) {
	key := assignee.Key()
	for _, g := range p.byPage[pageID] {
		if g.Assignee.Key() != key || g.Origin != origin || p.deleted[g.ID] {
			continue
		}
		if g.Inherited() && p.deleted[*g.SourcePermissionID] {
			continue
		}
		return g, true
	}
	return permissions.Grant{}, false
}

func (p *planner) hasLocalGrants(pageID string) bool {
	for _, g := range p.byPage[pageID] {
		if !g.Inherited() && !g.Assignee.IsPublic() {
			return true
		}
	}
	return false
}

// finish removes copies of deleted sources and drops plans that would
// recreate exactly the rows they delete.
func (p *planner) finish() Plan {
	for _, g := range p.state.Grants {
		if g.Inherited() && p.deleted[*g.SourcePermissionID] {
			p.remove(g)
		}
	}
	if p.noop() {
		return Plan{}
	}
	return Plan{ToDelete: p.deleteOrder, ToCreate: p.created}
}

func (p *planner) noop() bool {
	if len(p.deleteOrder) != len(p.created) {
		return false
	}
	createdByID := make(map[string]permissions.Grant, len(p.created))
	for _, g := range p.created {
		createdByID[g.ID] = g
	}
	before := make([]string, 0, len(p.deleteOrder))
	for _, id := range p.deleteOrder {
		before = append(before, signature(p.byID[id], p.byID))
	}
	after := make([]string, 0, len(p.created))
	for _, g := range p.created {
		after = append(after, signature(g, createdByID))
	}
	sort.Strings(before)
	sort.Strings(after)
	for i := range before {
		if before[i] != after[i] {
			return false
		}
	}
	return true
}

// signature describes a grant without its id, so rows that differ only by
// generated ids compare equal.
func signature(g permissions.Grant, roots map[string]permissions.Grant) string {
	sig := g.PageID + "|" + g.Assignee.Key() + "|" + string(g.Level) + "|" + string(g.Origin)
	if !g.Inherited() {
		return sig
	}
	root, ok := roots[*g.SourcePermissionID]
	if !ok {
		return sig + "|id:" + *g.SourcePermissionID
	}
	return sig + "|" + root.PageID + "|" + root.Assignee.Key()
}

type candidate struct {
	assignee permissions.Assignee
	level    permissions.Level
}

// stageCandidates builds the grants a proposal's participants receive at a
// stage. An assignee mapped through several categories keeps the highest
// level.
func stageCandidates(prop store.Proposal, stage proposal.Stage) []candidate {
	var out []candidate
	index := make(map[string]int)
	add := func(assignee permissions.Assignee, level permissions.Level) {
		key := assignee.Key()
		if i, ok := index[key]; ok {
			out[i].level = permissions.Max(out[i].level, level)
			return
		}
		index[key] = len(out)
		out = append(out, candidate{assignee: assignee, level: level})
	}

	if level, ok := proposal.LevelFor(stage, proposal.CategoryAuthor); ok {
		for _, userID := range prop.Authors {
			add(permissions.User(userID), level)
		}
	}
	if level, ok := proposal.LevelFor(stage, proposal.CategoryReviewer); ok {
		for _, reviewer := range prop.Reviewers {
			switch {
			case reviewer.UserID != nil:
				add(permissions.User(*reviewer.UserID), level)
			case reviewer.RoleID != nil:
				add(permissions.Role(*reviewer.RoleID), level)
			}
		}
	}
	if level, ok := proposal.LevelFor(stage, proposal.CategoryCommunity); ok {
		add(permissions.Space(prop.SpaceID), level)
	}
	return out
}

// StagePlan recomputes the proposal-owned grants of a proposal page and its
// descendants for stage. Only grants the stage mechanism created are deleted;
// manual and public grants stay, and a stage grant for the same assignee sits
// next to a manual one. Sub pages that are proposals themselves, and their
// subtrees, belong to their own proposal and are left alone.
func StagePlan(state State, prop store.Proposal, stage proposal.Stage, newID func() string) (Plan, error) {
	p, err := newPlanner(state, newID)
	if err != nil {
		return Plan{}, err
	}

	pageID := state.Page.ID
	owned := map[string]bool{pageID: true}
	var scope []store.Page
	err = state.Tree.WalkDescendants(pageID, func(child store.Page) bool {
		if child.Type == store.PageTypeProposal {
			return false
		}
		owned[child.ID] = true
		scope = append(scope, child)
		return true
	})
	if err != nil {
		return Plan{}, err
	}

	for _, g := range state.Grants {
		if owned[g.PageID] && g.Origin == permissions.OriginProposal && !g.Assignee.IsPublic() {
			p.remove(g)
		}
	}

	for _, c := range stageCandidates(prop, stage) {
		root := permissions.Grant{
			ID:       p.newID(),
			PageID:   pageID,
			Level:    c.level,
			Assignee: c.assignee,
			Origin:   permissions.OriginProposal,
		}
		p.create(root)
		for _, child := range scope {
			p.create(root.InheritTo(p.newID(), child.ID))
		}
	}
	return p.finish(), nil
}

// GrantAddedPlan upserts a manual grant on the page, keyed by assignee, and
// cascades it according to the page's cascade mode. Grants owned by a
// proposal stage are never replaced.
func GrantAddedPlan(state State, in permissions.Input, newID func() string) (Plan, error) {
	p, err := newPlanner(state, newID)
	if err != nil {
		return Plan{}, err
	}
	page := state.Page
	mode := CascadeModeFor(page.Type)

	rootID := ""
	if existing, ok := p.retained(page.ID, in.Assignee, permissions.OriginManual); ok {
		if existing.Inherited() {
			p.remove(existing)
			for _, child := range p.descendants {
				for _, g := range p.byPage[child.ID] {
					if g.Inherited() && *g.SourcePermissionID == *existing.SourcePermissionID {
						p.remove(g)
					}
				}
			}
		} else {
			if existing.Level == in.Level && existing.Origin == permissions.OriginManual && mode != CascadeBoard {
				return Plan{}, nil
			}
			p.remove(existing)
			rootID = existing.ID
		}
	}
	if rootID == "" {
		rootID = p.newID()
	}

	root := permissions.Grant{
		ID:       rootID,
		PageID:   page.ID,
		Level:    in.Level,
		Assignee: in.Assignee,
		Origin:   permissions.OriginManual,
	}
	p.create(root)

	switch mode {
	case CascadeBoard:
		for _, child := range p.descendants {
			if kept, ok := p.retained(child.ID, in.Assignee, permissions.OriginManual); ok {
				p.remove(kept)
			}
			p.create(root.InheritTo(p.newID(), child.ID))
		}
	case CascadeInherit:
		err := state.Tree.WalkDescendants(page.ID, func(child store.Page) bool {
			if p.hasLocalGrants(child.ID) {
				return false
			}
			if kept, ok := p.retained(child.ID, in.Assignee, permissions.OriginManual); ok {
				p.remove(kept)
			}
			p.create(root.InheritTo(p.newID(), child.ID))
			return true
		})
		if err != nil {
			return Plan{}, err
		}
	}
	return p.finish(), nil
}

// GrantRemovedPlan deletes a grant and everything inherited from it. Removing
// an inherited grant also removes the copies of its source below it.
func GrantRemovedPlan(state State, grant permissions.Grant) (Plan, error) {
	p, err := newPlanner(state, nil)
	if err != nil {
		return Plan{}, err
	}
	p.remove(grant)
	if grant.Inherited() {
		for _, child := range p.descendants {
			for _, g := range p.byPage[child.ID] {
				if g.Inherited() && *g.SourcePermissionID == *grant.SourcePermissionID {
					p.remove(g)
				}
			}
		}
	}
	return p.finish(), nil
}

// PublicPlan makes the page public with a view grant, or removes every public
// grant from the page and its descendants.
func PublicPlan(state State, public bool, newID func() string) (Plan, error) {
	if public {
		return GrantAddedPlan(state, permissions.Input{Level: permissions.LevelView, Assignee: permissions.Public()}, newID)
	}
	p, err := newPlanner(state, newID)
	if err != nil {
		return Plan{}, err
	}
	for _, g := range state.Grants {
		if g.Assignee.IsPublic() {
			p.remove(g)
		}
	}
	return p.finish(), nil
}
