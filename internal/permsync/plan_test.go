package permsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pageperm/api/internal/pagetree"
	"pageperm/api/internal/permissions"
	"pageperm/api/internal/proposal"
	"pageperm/api/internal/store"
)

func TestCascadeModeFor(t *testing.T) {
	tests := []struct {
		pageType store.PageType
		want     CascadeMode
	}{
		{store.PageTypePage, CascadeInherit},
		{store.PageTypeProposal, CascadeInherit},
		{store.PageTypeBounty, CascadeInherit},
		{store.PageTypeBoard, CascadeBoard},
		{store.PageTypeInlineBoard, CascadeBoard},
		{store.PageTypeLinkedBoard, CascadeBoard},
		{store.PageTypeCard, CascadeNone},
		{store.PageTypeCardTemplate, CascadeNone},
		{store.PageTypeProposalTemplate, CascadeNone},
		{store.PageTypeBountyTemplate, CascadeNone},
	}
	for _, tc := range tests {
		if got := CascadeModeFor(tc.pageType); got != tc.want {
			t.Fatalf("CascadeModeFor(%s) = %s want %s", tc.pageType, got, tc.want)
		}
	}
}

func buildState(t *testing.T, pageID string, pages []store.Page, grants []permissions.Grant) State {
	t.Helper()
	tree, err := pagetree.Build(pages)
	require.NoError(t, err)
	page, err := tree.Page(pageID)
	require.NoError(t, err)
	return State{Page: page, Tree: tree, Grants: grants}
}

func TestStagePlanForNewProposalOnlyCreates(t *testing.T) {
	parent := "prop-page"
	state := buildState(t, "prop-page", []store.Page{
		{ID: "prop-page", SpaceID: "sp1", Type: store.PageTypeProposal},
		{ID: "child", SpaceID: "sp1", Type: store.PageTypePage, ParentID: &parent},
	}, nil)

	plan, err := StagePlan(state, store.Proposal{ID: "prop1", SpaceID: "sp1", Authors: []string{"A"}}, proposal.StagePrivateDraft, sequentialIDs())
	require.NoError(t, err)
	assert.Empty(t, plan.ToDelete)
	require.Len(t, plan.ToCreate, 2)
	assert.Equal(t, permissions.LevelProposalEditor, plan.ToCreate[0].Level)
	assert.Equal(t, "child", plan.ToCreate[1].PageID)
	assert.Equal(t, plan.ToCreate[0].ID, *plan.ToCreate[1].SourcePermissionID)
}

func TestStagePlanWithoutDescendants(t *testing.T) {
	state := buildState(t, "prop-page", []store.Page{
		{ID: "prop-page", SpaceID: "sp1", Type: store.PageTypeProposal},
	}, nil)

	plan, err := StagePlan(state, store.Proposal{ID: "prop1", SpaceID: "sp1"}, proposal.StageReviewed, sequentialIDs())
	require.NoError(t, err)
	require.Len(t, plan.ToCreate, 1)
	assert.Equal(t, permissions.Space("sp1"), plan.ToCreate[0].Assignee)
}

func TestStagePlanDeletesOnlyStageGrants(t *testing.T) {
	top, sub, inner := "prop-page", "sub", "inner"
	state := buildState(t, "prop-page", []store.Page{
		{ID: "prop-page", SpaceID: "sp1", Type: store.PageTypeProposal},
		{ID: "sub", SpaceID: "sp1", Type: store.PageTypePage, ParentID: &top},
		{ID: "inner", SpaceID: "sp1", Type: store.PageTypeProposal, ParentID: &sub},
		{ID: "inner-sub", SpaceID: "sp1", Type: store.PageTypePage, ParentID: &inner},
	}, []permissions.Grant{
		{ID: "manual", PageID: "prop-page", Level: permissions.LevelView, Assignee: permissions.User("R1"), Origin: permissions.OriginManual},
		{ID: "old-stage", PageID: "prop-page", Level: permissions.LevelViewComment, Assignee: permissions.User("R1"), Origin: permissions.OriginProposal},
		{ID: "inner-stage", PageID: "inner", Level: permissions.LevelProposalEditor, Assignee: permissions.User("B"), Origin: permissions.OriginProposal},
	})

	plan, err := StagePlan(state, store.Proposal{ID: "prop1", SpaceID: "sp1", Reviewers: []store.ProposalReviewer{{UserID: strPtr("R1")}}}, proposal.StageReviewed, sequentialIDs())
	require.NoError(t, err)
	assert.Equal(t, []string{"old-stage"}, plan.ToDelete)

	pages := make([]string, 0, len(plan.ToCreate))
	for _, g := range plan.ToCreate {
		pages = append(pages, g.PageID)
		assert.Equal(t, permissions.OriginProposal, g.Origin)
	}
	assert.Equal(t, []string{"prop-page", "sub"}, pages)
}

func TestGrantAddedPlanDetachesInheritedGrant(t *testing.T) {
	root, mid := "root", "mid"
	source := "root-grant"
	state := buildState(t, "mid", []store.Page{
		{ID: "root", SpaceID: "sp1", Type: store.PageTypePage},
		{ID: "mid", SpaceID: "sp1", Type: store.PageTypePage, ParentID: &root},
		{ID: "leaf", SpaceID: "sp1", Type: store.PageTypePage, ParentID: &mid},
	}, []permissions.Grant{
		{ID: "mid-copy", PageID: "mid", Level: permissions.LevelView, Assignee: permissions.User("u1"), SourcePermissionID: &source, Origin: permissions.OriginManual},
		{ID: "leaf-copy", PageID: "leaf", Level: permissions.LevelView, Assignee: permissions.User("u1"), SourcePermissionID: &source, Origin: permissions.OriginManual},
	})

	plan, err := GrantAddedPlan(state, permissions.Input{Level: permissions.LevelEditor, Assignee: permissions.User("u1")}, sequentialIDs())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mid-copy", "leaf-copy"}, plan.ToDelete)
	require.Len(t, plan.ToCreate, 2)
	assert.False(t, plan.ToCreate[0].Inherited())
	assert.Equal(t, "mid", plan.ToCreate[0].PageID)
	assert.Equal(t, plan.ToCreate[0].ID, *plan.ToCreate[1].SourcePermissionID)
}

func TestGrantRemovedPlanDeletesEveryCopy(t *testing.T) {
	root := "root"
	source := "g1"
	state := buildState(t, "root", []store.Page{
		{ID: "root", SpaceID: "sp1", Type: store.PageTypeBoard},
		{ID: "card", SpaceID: "sp1", Type: store.PageTypeCard, ParentID: &root},
	}, []permissions.Grant{
		{ID: "g1", PageID: "root", Level: permissions.LevelView, Assignee: permissions.Role("r1")},
		{ID: "g2", PageID: "card", Level: permissions.LevelView, Assignee: permissions.Role("r1"), SourcePermissionID: &source},
	})

	plan, err := GrantRemovedPlan(state, state.Grants[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, plan.ToDelete)
	assert.Empty(t, plan.ToCreate)
}
