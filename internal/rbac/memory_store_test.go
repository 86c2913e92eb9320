package rbac

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"
)

// memoryStore backs evaluator, resolver and service tests. It mirrors the
// SQL repository's behaviour, including idempotent creates and the shared
// RuleFilter predicate.
type memoryStore struct {
	nextID       int64
	groups       map[int64]Group
	groupMembers map[int64]map[int64]struct{}
	roles        map[int64]GroupRole
	defaults     map[string]RuleType
	actions      map[int64]ModelAction
	members      map[int64]Member
	adminGroups  map[int64]AdminGroup
	adminMembers map[int64]map[int64]struct{}
	adminRoles   map[int64]AdminGroupRole
	adminTrees   map[int64]AdminTreeEntry
}

var _ Store = (*memoryStore)(nil)

func newMemoryStore() *memoryStore {
	return &memoryStore{
		groups:       make(map[int64]Group),
		groupMembers: make(map[int64]map[int64]struct{}),
		roles:        make(map[int64]GroupRole),
		defaults:     make(map[string]RuleType),
		actions:      make(map[int64]ModelAction),
		members:      make(map[int64]Member),
		adminGroups:  make(map[int64]AdminGroup),
		adminMembers: make(map[int64]map[int64]struct{}),
		adminRoles:   make(map[int64]AdminGroupRole),
		adminTrees:   make(map[int64]AdminTreeEntry),
	}
}

func (s *memoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memoryStore) GroupIDsForMember(_ context.Context, memberID int64) ([]int64, error) {
	var ids []int64
	for groupID, members := range s.groupMembers {
		if _, ok := members[memberID]; ok {
			ids = append(ids, groupID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memoryStore) RolesForGroups(ctx context.Context, groupIDs []int64) ([]GroupRole, error) {
	return s.RolesForGroupsFiltered(ctx, groupIDs, RuleFilter{AnyInstance: true})
}

func (s *memoryStore) RolesForGroupsFiltered(_ context.Context, groupIDs []int64, f RuleFilter) ([]GroupRole, error) {
	in := make(map[int64]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		in[id] = struct{}{}
	}
	var out []GroupRole
	for _, r := range s.roles {
		if _, ok := in[r.GroupID]; !ok {
			continue
		}
		if f.Match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) RolesMatching(_ context.Context, f RuleFilter) ([]GroupRole, error) {
	var out []GroupRole
	for _, r := range s.roles {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) MembersOfGroups(_ context.Context, groupIDs []int64) ([]Member, error) {
	seen := make(map[int64]struct{})
	var out []Member
	for _, groupID := range groupIDs {
		for memberID := range s.groupMembers[groupID] {
			if _, ok := seen[memberID]; ok {
				continue
			}
			seen[memberID] = struct{}{}
			out = append(out, s.members[memberID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) ModelDefault(_ context.Context, app, model string) (RuleType, error) {
	def, ok := s.defaults[app+"."+model]
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", ErrDefaultMissing, app, model)
	}
	return def, nil
}

func (s *memoryStore) Member(_ context.Context, memberID int64) (Member, error) {
	m, ok := s.members[memberID]
	if !ok {
		return Member{}, ErrNotFound
	}
	return m, nil
}

func (s *memoryStore) AdminGroupIDsForMember(_ context.Context, memberID int64) ([]int64, error) {
	var ids []int64
	for groupID, members := range s.adminMembers {
		if _, ok := members[memberID]; ok {
			ids = append(ids, groupID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memoryStore) AdminRolesForGroups(_ context.Context, groupIDs []int64) ([]AdminGroupRole, error) {
	in := make(map[int64]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		in[id] = struct{}{}
	}
	var out []AdminGroupRole
	for _, g := range s.adminRoles {
		if _, ok := in[g.GroupID]; ok {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) AdminTreesForGroups(_ context.Context, groupIDs []int64) ([]AdminTreeEntry, error) {
	in := make(map[int64]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		in[id] = struct{}{}
	}
	var out []AdminTreeEntry
	for _, e := range s.adminTrees {
		if _, ok := in[e.GroupID]; ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) AllAdminTrees(_ context.Context) ([]AdminTreeEntry, error) {
	var out []AdminTreeEntry
	for _, e := range s.adminTrees {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) MembersOfAdminGroups(_ context.Context, groupIDs []int64) ([]Member, error) {
	seen := make(map[int64]struct{})
	var out []Member
	for _, groupID := range groupIDs {
		for memberID := range s.adminMembers[groupID] {
			if _, ok := seen[memberID]; ok {
				continue
			}
			seen[memberID] = struct{}{}
			out = append(out, s.members[memberID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) IsAdminGroupMember(_ context.Context, memberID, groupID int64) (bool, error) {
	_, ok := s.adminMembers[groupID][memberID]
	return ok, nil
}

func (s *memoryStore) CreateGroup(_ context.Context, qualifier, item, description string, createdBy int64) (Group, error) {
	for _, g := range s.groups {
		if g.Qualifier == qualifier && g.Item == item {
			return g, nil
		}
	}
	g := Group{ID: s.id(), Qualifier: qualifier, Item: item, Description: description, CreatedAt: time.Now(), CreatedBy: createdBy}
	s.groups[g.ID] = g
	s.groupMembers[g.ID] = make(map[int64]struct{})
	return g, nil
}

func (s *memoryStore) DeleteGroup(_ context.Context, groupID int64) error {
	if _, ok := s.groups[groupID]; !ok {
		return ErrNotFound
	}
	delete(s.groups, groupID)
	delete(s.groupMembers, groupID)
	for id, r := range s.roles {
		if r.GroupID == groupID {
			delete(s.roles, id)
		}
	}
	return nil
}

func (s *memoryStore) GroupByID(_ context.Context, groupID int64) (Group, error) {
	g, ok := s.groups[groupID]
	if !ok {
		return Group{}, ErrNotFound
	}
	return g, nil
}

func (s *memoryStore) GroupByName(_ context.Context, qualifier, item string) (Group, error) {
	for _, g := range s.groups {
		if g.Qualifier == qualifier && g.Item == item {
			return g, nil
		}
	}
	return Group{}, ErrNotFound
}

func (s *memoryStore) GroupsByIDs(_ context.Context, groupIDs []int64) ([]Group, error) {
	var out []Group
	for _, id := range groupIDs {
		if g, ok := s.groups[id]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *memoryStore) ListGroups(_ context.Context, offset, limit int) ([]Group, int, error) {
	var all []Group
	for _, g := range s.groups {
		all = append(all, g)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *memoryStore) AddGroupMember(_ context.Context, groupID, memberID int64) error {
	if s.groupMembers[groupID] == nil {
		s.groupMembers[groupID] = make(map[int64]struct{})
	}
	s.groupMembers[groupID][memberID] = struct{}{}
	return nil
}

func (s *memoryStore) RemoveGroupMember(_ context.Context, groupID, memberID int64) error {
	if _, ok := s.groupMembers[groupID][memberID]; !ok {
		return ErrNotFound
	}
	delete(s.groupMembers[groupID], memberID)
	return nil
}

func (s *memoryStore) AddGroupRole(_ context.Context, role GroupRole) (GroupRole, error) {
	for _, r := range s.roles {
		if r.GroupID == role.GroupID && r.App == role.App && r.Model == role.Model &&
			r.Instance == role.Instance && r.Action == role.Action && r.RuleType == role.RuleType {
			return r, nil
		}
	}
	role.ID = s.id()
	s.roles[role.ID] = role
	return role, nil
}

func (s *memoryStore) GroupRoleByID(_ context.Context, roleID int64) (GroupRole, error) {
	r, ok := s.roles[roleID]
	if !ok {
		return GroupRole{}, ErrNotFound
	}
	return r, nil
}

func (s *memoryStore) RemoveGroupRole(_ context.Context, roleID int64) error {
	if _, ok := s.roles[roleID]; !ok {
		return ErrNotFound
	}
	delete(s.roles, roleID)
	return nil
}

func (s *memoryStore) CreateModelDefault(_ context.Context, app, model string, def RuleType) (ModelDefault, error) {
	key := app + "." + model
	if existing, ok := s.defaults[key]; ok {
		return ModelDefault{App: app, Model: model, Default: existing}, nil
	}
	s.defaults[key] = def
	return ModelDefault{ID: s.id(), App: app, Model: model, Default: def}, nil
}

func (s *memoryStore) CreateModelAction(_ context.Context, app, model, action, description string) (ModelAction, error) {
	for _, a := range s.actions {
		if a.App == app && a.Model == model && a.Action == action {
			return a, nil
		}
	}
	ma := ModelAction{ID: s.id(), App: app, Model: model, Action: action, Description: description}
	s.actions[ma.ID] = ma
	return ma, nil
}

func (s *memoryStore) ModelActions(_ context.Context, app, model string) ([]ModelAction, error) {
	var out []ModelAction
	for _, a := range s.actions {
		if a.App == app && a.Model == model {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out, nil
}

func (s *memoryStore) CreateAdminGroup(_ context.Context, qualifier, item, description string, createdBy int64) (AdminGroup, error) {
	for _, g := range s.adminGroups {
		if g.Qualifier == qualifier && g.Item == item {
			return g, nil
		}
	}
	g := AdminGroup{ID: s.id(), Qualifier: qualifier, Item: item, Description: description, CreatedAt: time.Now(), CreatedBy: createdBy}
	s.adminGroups[g.ID] = g
	s.adminMembers[g.ID] = make(map[int64]struct{})
	return g, nil
}

func (s *memoryStore) DeleteAdminGroup(_ context.Context, groupID int64) error {
	if _, ok := s.adminGroups[groupID]; !ok {
		return ErrNotFound
	}
	delete(s.adminGroups, groupID)
	delete(s.adminMembers, groupID)
	for id, r := range s.adminRoles {
		if r.GroupID == groupID {
			delete(s.adminRoles, id)
		}
	}
	for id, e := range s.adminTrees {
		if e.GroupID == groupID {
			delete(s.adminTrees, id)
		}
	}
	return nil
}

func (s *memoryStore) AdminGroupByID(_ context.Context, groupID int64) (AdminGroup, error) {
	g, ok := s.adminGroups[groupID]
	if !ok {
		return AdminGroup{}, ErrNotFound
	}
	return g, nil
}

func (s *memoryStore) AddAdminGroupMember(_ context.Context, groupID, memberID int64) error {
	if s.adminMembers[groupID] == nil {
		s.adminMembers[groupID] = make(map[int64]struct{})
	}
	s.adminMembers[groupID][memberID] = struct{}{}
	return nil
}

func (s *memoryStore) RemoveAdminGroupMember(_ context.Context, groupID, memberID int64) error {
	if _, ok := s.adminMembers[groupID][memberID]; !ok {
		return ErrNotFound
	}
	delete(s.adminMembers[groupID], memberID)
	return nil
}

func (s *memoryStore) AddAdminGroupRole(_ context.Context, role AdminGroupRole) (AdminGroupRole, error) {
	for _, r := range s.adminRoles {
		if r.GroupID == role.GroupID && r.App == role.App && r.Model == role.Model && r.Instance == role.Instance {
			return r, nil
		}
	}
	role.ID = s.id()
	s.adminRoles[role.ID] = role
	return role, nil
}

func (s *memoryStore) AddAdminTree(_ context.Context, groupID int64, tree TreePath) (AdminTreeEntry, error) {
	for _, e := range s.adminTrees {
		if e.Tree.String() == tree.String() {
			if e.GroupID != groupID {
				return AdminTreeEntry{}, fmt.Errorf("%w: %s", ErrTreeDelegated, tree)
			}
			return e, nil
		}
	}
	entry := AdminTreeEntry{ID: s.id(), GroupID: groupID, Tree: tree}
	s.adminTrees[entry.ID] = entry
	return entry, nil
}

// Test fixture helpers.

func (s *memoryStore) addMember(t *testing.T, id int64, first, last string) {
	t.Helper()
	s.members[id] = Member{ID: id, FirstName: first, LastName: last, Email: fmt.Sprintf("%s@example.com", first)}
}

func (s *memoryStore) addGroup(t *testing.T, name string, memberIDs ...int64) Group {
	t.Helper()
	path := ParseTreePath(name)
	if len(path) < 2 {
		t.Fatalf("group name %q needs at least two segments", name)
	}
	qualifier := path[:len(path)-1].String()
	item := path[len(path)-1]
	g, err := s.CreateGroup(context.Background(), qualifier, item, "", 0)
	if err != nil {
		t.Fatalf("create group %s: %v", name, err)
	}
	for _, id := range memberIDs {
		if err := s.AddGroupMember(context.Background(), g.ID, id); err != nil {
			t.Fatalf("add member %d: %v", id, err)
		}
	}
	return g
}

func (s *memoryStore) addRule(t *testing.T, groupID int64, roleStr string, rt RuleType) GroupRole {
	t.Helper()
	role, err := ParseRole(roleStr)
	if err != nil {
		t.Fatalf("parse role %s: %v", roleStr, err)
	}
	r, err := s.AddGroupRole(context.Background(), GroupRole{
		GroupID: groupID, App: role.App, Model: role.Model, Instance: role.Instance, Action: role.Action, RuleType: rt,
	})
	if err != nil {
		t.Fatalf("add rule %s: %v", roleStr, err)
	}
	return r
}

func (s *memoryStore) setDefault(t *testing.T, app, model string, def RuleType) {
	t.Helper()
	if _, err := s.CreateModelDefault(context.Background(), app, model, def); err != nil {
		t.Fatalf("set default %s.%s: %v", app, model, err)
	}
}

func (s *memoryStore) addAdminGroup(t *testing.T, name string, memberIDs ...int64) AdminGroup {
	t.Helper()
	path := ParseTreePath(name)
	if len(path) < 2 {
		t.Fatalf("admin group name %q needs at least two segments", name)
	}
	g, err := s.CreateAdminGroup(context.Background(), path[:len(path)-1].String(), path[len(path)-1], "", 0)
	if err != nil {
		t.Fatalf("create admin group %s: %v", name, err)
	}
	for _, id := range memberIDs {
		if err := s.AddAdminGroupMember(context.Background(), g.ID, id); err != nil {
			t.Fatalf("add admin member %d: %v", id, err)
		}
	}
	return g
}

func (s *memoryStore) addAdminTreeEntry(t *testing.T, groupID int64, tree string) {
	t.Helper()
	if _, err := s.AddAdminTree(context.Background(), groupID, ParseTreePath(tree)); err != nil {
		t.Fatalf("add admin tree %s: %v", tree, err)
	}
}

func (s *memoryStore) addAdminRoleGrant(t *testing.T, groupID int64, path string) {
	t.Helper()
	p, err := ParseRolePath(path)
	if err != nil {
		t.Fatalf("parse role path %s: %v", path, err)
	}
	if _, err := s.AddAdminGroupRole(context.Background(), AdminGroupRole{GroupID: groupID, App: p.App, Model: p.Model, Instance: p.Instance}); err != nil {
		t.Fatalf("add admin role %s: %v", path, err)
	}
}
