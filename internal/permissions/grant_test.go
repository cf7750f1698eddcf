package permissions

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssigneeValidate(t *testing.T) {
	assert.NoError(t, User("u1").Validate())
	assert.NoError(t, Role("r1").Validate())
	assert.NoError(t, Space("s1").Validate())
	assert.NoError(t, Public().Validate())

	assert.Error(t, Assignee{Kind: AssigneeUser}.Validate())
	assert.Error(t, Assignee{Kind: AssigneePublic, ID: "x"}.Validate())
	assert.Error(t, Assignee{Kind: "group", ID: "x"}.Validate())
}

func TestAssigneeKeyDistinguishesKinds(t *testing.T) {
	assert.NotEqual(t, User("a").Key(), Role("a").Key())
	assert.Equal(t, "public", Public().Key())
}

func TestInheritToPointsAtRoot(t *testing.T) {
	root := Grant{ID: "g1", PageID: "p1", Level: LevelEditor, Assignee: User("u1"), Origin: OriginManual}
	child := root.InheritTo("g2", "p2")

	require.NotNil(t, child.SourcePermissionID)
	assert.Equal(t, "g1", *child.SourcePermissionID)
	assert.True(t, child.Inherited())
	assert.Equal(t, OriginManual, child.Origin)

	grandchild := child.InheritTo("g3", "p3")
	assert.Equal(t, "g1", *grandchild.SourcePermissionID)
	assert.Equal(t, "p3", grandchild.PageID)
}

func TestInputValidate(t *testing.T) {
	assert.NoError(t, Input{Level: LevelView, Assignee: Public()}.Validate())
	assert.Error(t, Input{Level: LevelNone, Assignee: User("u")}.Validate())
	assert.Error(t, Input{Level: LevelView, Assignee: Assignee{Kind: AssigneeRole}}.Validate())
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NotFound("page %s not found", "p1"))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Contains(t, err.Error(), "page p1 not found")

	cause := errors.New("connection reset")
	storageErr := StorageFailure(cause)
	assert.True(t, errors.Is(storageErr, ErrStorageFailure))
	assert.True(t, errors.Is(storageErr, cause))
	assert.Equal(t, Kind(""), KindOf(cause))
}
