package domain

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(id snowflake.ID) *snowflake.ID { return &id }

func sampleUsers() []User {
	return []User{
		{ID: 1, Name: "owner", Role: RoleOwner},
		{ID: 10, Name: "op-a", Role: RoleOperator, ParentID: ptr(1)},
		{ID: 20, Name: "plat-a", Role: RolePlatinum, ParentID: ptr(10)},
		{ID: 21, Name: "plat-b", Role: RolePlatinum, ParentID: ptr(10)},
		{ID: 30, Name: "gold-a", Role: RoleGolden, ParentID: ptr(20)},
		{ID: 31, Name: "gold-b", Role: RoleGolden, ParentID: ptr(21)},
		{ID: 40, Name: "player", Role: RolePlayer, ParentID: ptr(30)},
		{ID: 50, Name: "orphan-gold", Role: RoleGolden, ParentID: ptr(999)},
	}
}

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"Owner":            RoleOwner,
		"superadmin":       RoleOwner,
		"Operator":         RoleOperator,
		"platinum-partner": RolePlatinum,
		"Golden Partner":   RoleGolden,
		"player":           RolePlayer,
	}
	for raw, want := range cases {
		got, err := ParseRole(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := ParseRole("auditor")
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestSubtreeRecordsBranchHeads(t *testing.T) {
	tree := NewTree(sampleUsers())

	members := tree.Subtree(10, MaxDepth)
	heads := map[snowflake.ID]snowflake.ID{}
	depths := map[snowflake.ID]int{}
	for _, m := range members {
		heads[m.ID] = m.BranchHead
		depths[m.ID] = m.Depth
	}

	assert.Len(t, members, 5)
	assert.Equal(t, snowflake.ID(20), heads[30])
	assert.Equal(t, snowflake.ID(20), heads[40])
	assert.Equal(t, snowflake.ID(21), heads[31])
	assert.Equal(t, 1, depths[20])
	assert.Equal(t, 3, depths[40])
	assert.NotContains(t, heads, snowflake.ID(10))
}

func TestSubtreeHonoursDepthBound(t *testing.T) {
	tree := NewTree(sampleUsers())
	members := tree.Subtree(1, 2)
	for _, m := range members {
		assert.LessOrEqual(t, m.Depth, 2)
	}
	assert.Len(t, members, 3)
}

func TestSubtreeSurvivesParentCycles(t *testing.T) {
	users := []User{
		{ID: 1, Role: RoleOperator, ParentID: ptr(2)},
		{ID: 2, Role: RolePlatinum, ParentID: ptr(1)},
	}
	tree := NewTree(users)
	members := tree.Subtree(1, MaxDepth)
	require.Len(t, members, 1)
	assert.Equal(t, snowflake.ID(2), members[0].ID)
}

func TestResolveUpline(t *testing.T) {
	tree := NewTree(sampleUsers())

	up, ok := tree.ResolveUpline(30)
	require.True(t, ok)
	require.NotNil(t, up.Platinum)
	require.NotNil(t, up.Operator)
	assert.Equal(t, snowflake.ID(20), up.Platinum.ID)
	assert.Equal(t, snowflake.ID(10), up.Operator.ID)

	up, ok = tree.ResolveUpline(50)
	require.True(t, ok)
	assert.Nil(t, up.Platinum)
	assert.Nil(t, up.Operator)

	_, ok = tree.ResolveUpline(20)
	assert.False(t, ok)
	_, ok = tree.ResolveUpline(12345)
	assert.False(t, ok)
}

func TestChildrenFiltersRole(t *testing.T) {
	tree := NewTree(sampleUsers())
	assert.Len(t, tree.Children(10, RolePlatinum), 2)
	assert.Len(t, tree.Children(10, RoleGolden), 0)
	assert.True(t, tree.Contains(10, 40))
	assert.False(t, tree.Contains(20, 31))
}
