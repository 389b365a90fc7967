package domain

import (
	"sort"

	"github.com/bwmarrin/snowflake"
)

// MaxDepth bounds subtree walks: operator, platinum, golden and player levels below the owner.
const MaxDepth = 4

// Tree is an id-indexed adjacency map of the hierarchy built from a user snapshot.
type Tree struct {
	users    map[snowflake.ID]User
	children map[snowflake.ID][]snowflake.ID
}

// Member is a descendant found by Subtree.
type Member struct {
	User
	Depth int
	// BranchHead is the root's immediate child on the path to this member.
	BranchHead snowflake.ID
}

func NewTree(users []User) *Tree {
	t := &Tree{
		users:    make(map[snowflake.ID]User, len(users)),
		children: make(map[snowflake.ID][]snowflake.ID),
	}
	for _, u := range users {
		t.users[u.ID] = u
	}
	for _, u := range users {
		if u.ParentID == nil || *u.ParentID == u.ID {
			continue
		}
		t.children[*u.ParentID] = append(t.children[*u.ParentID], u.ID)
	}
	for parent := range t.children {
		ids := t.children[parent]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return t
}

func (t *Tree) Len() int { return len(t.users) }

func (t *Tree) User(id snowflake.ID) (User, bool) {
	u, ok := t.users[id]
	return u, ok
}

// Children returns direct children of parentID, optionally filtered by role.
func (t *Tree) Children(parentID snowflake.ID, role Role) []User {
	ids := t.children[parentID]
	out := make([]User, 0, len(ids))
	for _, id := range ids {
		u := t.users[id]
		if role != "" && u.Role != role {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Parent returns the parent of id when it exists in the snapshot.
func (t *Tree) Parent(id snowflake.ID) (User, bool) {
	u, ok := t.users[id]
	if !ok || u.ParentID == nil {
		return User{}, false
	}
	return t.User(*u.ParentID)
}

// Subtree walks breadth-first below rootID up to maxDepth levels. The root
// itself is not included. Cycles in parent pointers are cut by a visited set.
func (t *Tree) Subtree(rootID snowflake.ID, maxDepth int) []Member {
	if maxDepth <= 0 || maxDepth > MaxDepth {
		maxDepth = MaxDepth
	}
	type item struct {
		id    snowflake.ID
		depth int
		head  snowflake.ID
	}

	visited := map[snowflake.ID]struct{}{rootID: {}}
	queue := make([]item, 0, len(t.children[rootID]))
	for _, child := range t.children[rootID] {
		queue = append(queue, item{id: child, depth: 1, head: child})
	}

	var out []Member
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, seen := visited[cur.id]; seen {
			continue
		}
		visited[cur.id] = struct{}{}
		out = append(out, Member{User: t.users[cur.id], Depth: cur.depth, BranchHead: cur.head})
		if cur.depth >= maxDepth {
			continue
		}
		for _, child := range t.children[cur.id] {
			queue = append(queue, item{id: child, depth: cur.depth + 1, head: cur.head})
		}
	}
	return out
}

// Contains reports whether id lies strictly below rootID.
func (t *Tree) Contains(rootID, id snowflake.ID) bool {
	for _, m := range t.Subtree(rootID, MaxDepth) {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Upline is the commission chain above a golden partner. Missing tiers are nil.
type Upline struct {
	Golden   User
	Platinum *User
	Operator *User
}

// ResolveUpline walks golden → platinum → operator. The top tier may be the
// owner when a platinum reports to the platform directly.
func (t *Tree) ResolveUpline(goldenID snowflake.ID) (Upline, bool) {
	golden, ok := t.users[goldenID]
	if !ok || golden.Role != RoleGolden {
		return Upline{}, false
	}
	up := Upline{Golden: golden}

	platinum, ok := t.Parent(golden.ID)
	if !ok || platinum.Role != RolePlatinum {
		return up, true
	}
	up.Platinum = &platinum

	operator, ok := t.Parent(platinum.ID)
	if !ok || (operator.Role != RoleOperator && operator.Role != RoleOwner) {
		return up, true
	}
	up.Operator = &operator
	return up, true
}
