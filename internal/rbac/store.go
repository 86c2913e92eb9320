package rbac

import (
	"context"
	"errors"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("rbac: not found")

// ErrDefaultMissing indicates that an app.model pair has no ModelDefault row.
// This is a configuration error and never downgrades to a silent decision.
var ErrDefaultMissing = errors.New("rbac: model default missing")

// ErrDefaultNotAllow is returned by queries that only apply to Allow-default models.
var ErrDefaultNotAllow = errors.New("rbac: only supported for default Allow models")

// ErrDefaultNotBlock is returned by queries that only apply to Block-default models.
var ErrDefaultNotBlock = errors.New("rbac: only supported for default Block models")

// RuleFilter narrows a rule query. Zero-value fields are ignored, except the
// instance selector which distinguishes "any instance" from "type level only".
type RuleFilter struct {
	App         string
	Model       string
	Instance    InstanceID
	AnyInstance bool
	Actions     []string
	RuleType    RuleType
}

// Match reports whether the rule satisfies the filter. The pg repository
// pushes the same predicate into SQL; this form backs the in-memory store
// and keeps both implementations honest.
func (f RuleFilter) Match(r GroupRole) bool {
	if f.App != "" && r.App != f.App {
		return false
	}
	if f.Model != "" && r.Model != f.Model {
		return false
	}
	if !f.AnyInstance && r.Instance != f.Instance {
		return false
	}
	if f.RuleType != "" && r.RuleType != f.RuleType {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if r.Action == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RuleStore is the read surface the evaluator walks. Implementations provide
// no consistency guarantee beyond their own isolation level; every call
// re-queries the store.
type RuleStore interface {
	// GroupIDsForMember lists the groups the member belongs to.
	GroupIDsForMember(ctx context.Context, memberID int64) ([]int64, error)
	// RolesForGroups lists every rule held by the given groups.
	RolesForGroups(ctx context.Context, groupIDs []int64) ([]GroupRole, error)
	// RolesForGroupsFiltered lists rules held by the given groups that satisfy the filter.
	RolesForGroupsFiltered(ctx context.Context, groupIDs []int64, f RuleFilter) ([]GroupRole, error)
	// RolesMatching lists rules across all groups that satisfy the filter.
	RolesMatching(ctx context.Context, f RuleFilter) ([]GroupRole, error)
	// MembersOfGroups lists the distinct members of the given groups.
	MembersOfGroups(ctx context.Context, groupIDs []int64) ([]Member, error)
	// ModelDefault returns the fallback behaviour for app.model, or ErrDefaultMissing.
	ModelDefault(ctx context.Context, app, model string) (RuleType, error)
	// Member fetches a member by id.
	Member(ctx context.Context, memberID int64) (Member, error)
}

// AdminStore is the read surface for admin-delegation decisions.
type AdminStore interface {
	// AdminGroupIDsForMember lists the admin groups the member belongs to.
	AdminGroupIDsForMember(ctx context.Context, memberID int64) ([]int64, error)
	// AdminRolesForGroups lists managed targets held by the given admin groups.
	AdminRolesForGroups(ctx context.Context, groupIDs []int64) ([]AdminGroupRole, error)
	// AdminTreesForGroups lists tree entries held by the given admin groups.
	AdminTreesForGroups(ctx context.Context, groupIDs []int64) ([]AdminTreeEntry, error)
	// AllAdminTrees lists every tree entry.
	AllAdminTrees(ctx context.Context) ([]AdminTreeEntry, error)
	// MembersOfAdminGroups lists the distinct members of the given admin groups.
	MembersOfAdminGroups(ctx context.Context, groupIDs []int64) ([]Member, error)
	// IsAdminGroupMember reports direct membership of an admin group.
	IsAdminGroupMember(ctx context.Context, memberID, groupID int64) (bool, error)
}

// ManageStore mutates the authorization data. Creation is idempotent: creating
// an entity that already exists returns the stored one. Implementations run
// each mutation in a single transaction and enforce uniqueness at the storage
// level rather than by check-then-act.
type ManageStore interface {
	CreateGroup(ctx context.Context, qualifier, item, description string, createdBy int64) (Group, error)
	DeleteGroup(ctx context.Context, groupID int64) error
	GroupByID(ctx context.Context, groupID int64) (Group, error)
	GroupByName(ctx context.Context, qualifier, item string) (Group, error)
	GroupsByIDs(ctx context.Context, groupIDs []int64) ([]Group, error)
	ListGroups(ctx context.Context, offset, limit int) ([]Group, int, error)

	AddGroupMember(ctx context.Context, groupID, memberID int64) error
	RemoveGroupMember(ctx context.Context, groupID, memberID int64) error

	AddGroupRole(ctx context.Context, role GroupRole) (GroupRole, error)
	GroupRoleByID(ctx context.Context, roleID int64) (GroupRole, error)
	RemoveGroupRole(ctx context.Context, roleID int64) error

	CreateModelDefault(ctx context.Context, app, model string, def RuleType) (ModelDefault, error)
	CreateModelAction(ctx context.Context, app, model, action, description string) (ModelAction, error)
	ModelActions(ctx context.Context, app, model string) ([]ModelAction, error)

	CreateAdminGroup(ctx context.Context, qualifier, item, description string, createdBy int64) (AdminGroup, error)
	DeleteAdminGroup(ctx context.Context, groupID int64) error
	AdminGroupByID(ctx context.Context, groupID int64) (AdminGroup, error)
	AddAdminGroupMember(ctx context.Context, groupID, memberID int64) error
	RemoveAdminGroupMember(ctx context.Context, groupID, memberID int64) error
	AddAdminGroupRole(ctx context.Context, role AdminGroupRole) (AdminGroupRole, error)
	AddAdminTree(ctx context.Context, groupID int64, tree TreePath) (AdminTreeEntry, error)
}

// Store combines every port. The pg repository and the in-memory test store
// both satisfy it.
type Store interface {
	RuleStore
	AdminStore
	ManageStore
}
