package rbac

import (
	"context"
	"log/slog"
	"sort"
)

// AdminResolver answers delegation questions: who may administer which
// groups and rules. It never takes part in runtime permission checks.
type AdminResolver struct {
	store  AdminStore
	logger *slog.Logger
}

// NewAdminResolver wires an admin resolver.
func NewAdminResolver(store AdminStore, logger *slog.Logger) *AdminResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminResolver{store: store, logger: logger}
}

// IsGroupAdmin reports whether the member may administer the group based on
// their admin tree entries. An entry matches when it equals the group path or
// is a dotted ancestor of it. Tree rights cover group membership and deletion;
// changing the rules inside a group additionally needs IsRoleAdmin on the
// affected targets.
func (a *AdminResolver) IsGroupAdmin(ctx context.Context, memberID int64, group Group) (bool, error) {
	return a.CanAdministerPath(ctx, memberID, group.Path())
}

// CanAdministerPath reports whether any of the member's admin tree entries
// covers the given path.
func (a *AdminResolver) CanAdministerPath(ctx context.Context, memberID int64, path TreePath) (bool, error) {
	groups, err := a.store.AdminGroupIDsForMember(ctx, memberID)
	if err != nil {
		return false, err
	}
	if len(groups) == 0 {
		return false, nil
	}
	trees, err := a.store.AdminTreesForGroups(ctx, groups)
	if err != nil {
		return false, err
	}
	for _, entry := range trees {
		if entry.Tree.IsPrefixOf(path) {
			a.logger.Debug("admin tree covers path",
				slog.Int64("member_id", memberID),
				slog.String("tree", entry.Tree.String()),
				slog.String("path", path.String()))
			return true, nil
		}
	}
	return false, nil
}

// IsRoleAdmin reports whether the member may manage rules for the given
// app.model[.instance] path. An instance-level path falls back to the
// type level when no instance-level grant matches, mirroring the
// one-level-up rule of the evaluator.
func (a *AdminResolver) IsRoleAdmin(ctx context.Context, memberID int64, rolePath string) (bool, error) {
	path, err := ParseRolePath(rolePath)
	if err != nil {
		return false, err
	}
	groups, err := a.store.AdminGroupIDsForMember(ctx, memberID)
	if err != nil {
		return false, err
	}
	if len(groups) == 0 {
		return false, nil
	}
	grants, err := a.store.AdminRolesForGroups(ctx, groups)
	if err != nil {
		return false, err
	}

	for _, g := range grants {
		if g.Path() == path {
			return true, nil
		}
	}
	if path.Instance.Valid {
		higher := RolePath{App: path.App, Model: path.Model}
		for _, g := range grants {
			if g.Path() == higher {
				return true, nil
			}
		}
	}
	return false, nil
}

// IsAdminForAdminGroup reports whether the member administers the admin group
// itself. Any member of an admin group automatically administers it; there is
// no further delegation chain.
func (a *AdminResolver) IsAdminForAdminGroup(ctx context.Context, memberID, adminGroupID int64) (bool, error) {
	return a.store.IsAdminGroupMember(ctx, memberID, adminGroupID)
}

// AllRights lists the app.model[.instance] paths the member may manage rules for.
func (a *AdminResolver) AllRights(ctx context.Context, memberID int64) ([]string, error) {
	groups, err := a.store.AdminGroupIDsForMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, nil
	}
	grants, err := a.store.AdminRolesForGroups(ctx, groups)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(grants))
	for _, g := range grants {
		paths = append(paths, g.Path().String())
	}
	return paths, nil
}

// TreeAccess lists the distinct tree paths where the member holds admin rights.
func (a *AdminResolver) TreeAccess(ctx context.Context, memberID int64) ([]string, error) {
	groups, err := a.store.AdminGroupIDsForMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, nil
	}
	trees, err := a.store.AdminTreesForGroups(ctx, groups)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(trees))
	var out []string
	for _, entry := range trees {
		s := entry.Tree.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// AdminsForGroup lists the members able to administer the group: everyone
// belonging to an admin group whose tree entry covers the group path.
func (a *AdminResolver) AdminsForGroup(ctx context.Context, group Group) ([]Member, error) {
	trees, err := a.store.AllAdminTrees(ctx)
	if err != nil {
		return nil, err
	}
	path := group.Path()
	seen := make(map[int64]struct{})
	var groupIDs []int64
	for _, entry := range trees {
		if !entry.Tree.IsPrefixOf(path) {
			continue
		}
		if _, ok := seen[entry.GroupID]; ok {
			continue
		}
		seen[entry.GroupID] = struct{}{}
		groupIDs = append(groupIDs, entry.GroupID)
	}
	if len(groupIDs) == 0 {
		return nil, nil
	}
	return a.store.MembersOfAdminGroups(ctx, groupIDs)
}
