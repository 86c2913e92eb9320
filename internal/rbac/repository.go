package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for the authorization
// store. Read queries are plain pool queries; every call observes the
// database's own isolation level and nothing is cached here.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// GroupIDsForMember lists the groups the member belongs to.
func (r *Repository) GroupIDsForMember(ctx context.Context, memberID int64) ([]int64, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("rbac repo not initialised")
	}
	const query = `SELECT group_id FROM rbac_group_members WHERE member_id = $1`
	return r.queryIDs(ctx, query, memberID)
}

// RolesForGroups lists every rule held by the given groups.
func (r *Repository) RolesForGroups(ctx context.Context, groupIDs []int64) ([]GroupRole, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	const query = `
SELECT id, group_id, app, model, model_id, action, rule_type
FROM rbac_group_roles
WHERE group_id = ANY($1)
ORDER BY id`
	return r.queryRoles(ctx, query, groupIDs)
}

// RolesForGroupsFiltered lists rules held by the given groups that satisfy
// the filter. The app/model predicate runs in SQL; the rest goes through
// RuleFilter.Match so the predicate stays identical to the in-memory store.
func (r *Repository) RolesForGroupsFiltered(ctx context.Context, groupIDs []int64, f RuleFilter) ([]GroupRole, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	const query = `
SELECT id, group_id, app, model, model_id, action, rule_type
FROM rbac_group_roles
WHERE group_id = ANY($1) AND ($2 = '' OR app = $2) AND ($3 = '' OR model = $3)
ORDER BY id`
	rules, err := r.queryRoles(ctx, query, groupIDs, f.App, f.Model)
	if err != nil {
		return nil, err
	}
	return filterRoles(rules, f), nil
}

// RolesMatching lists rules across all groups that satisfy the filter.
func (r *Repository) RolesMatching(ctx context.Context, f RuleFilter) ([]GroupRole, error) {
	const query = `
SELECT id, group_id, app, model, model_id, action, rule_type
FROM rbac_group_roles
WHERE ($1 = '' OR app = $1) AND ($2 = '' OR model = $2)
ORDER BY id`
	rules, err := r.queryRoles(ctx, query, f.App, f.Model)
	if err != nil {
		return nil, err
	}
	return filterRoles(rules, f), nil
}

// MembersOfGroups lists the distinct members of the given groups.
func (r *Repository) MembersOfGroups(ctx context.Context, groupIDs []int64) ([]Member, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	const query = `
SELECT DISTINCT m.id, m.first_name, m.last_name, m.email
FROM members m
JOIN rbac_group_members gm ON gm.member_id = m.id
WHERE gm.group_id = ANY($1)
ORDER BY m.first_name, m.last_name`
	return r.queryMembers(ctx, query, groupIDs)
}

// ModelDefault returns the fallback behaviour for app.model.
func (r *Repository) ModelDefault(ctx context.Context, app, model string) (RuleType, error) {
	const query = `SELECT default_behaviour FROM rbac_model_defaults WHERE app = $1 AND model = $2`
	var raw string
	if err := r.pool.QueryRow(ctx, query, app, model).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s.%s", ErrDefaultMissing, app, model)
		}
		return "", err
	}
	return ParseRuleType(raw)
}

// Member fetches a member by id.
func (r *Repository) Member(ctx context.Context, memberID int64) (Member, error) {
	const query = `SELECT id, first_name, last_name, email FROM members WHERE id = $1`
	var m Member
	if err := r.pool.QueryRow(ctx, query, memberID).Scan(&m.ID, &m.FirstName, &m.LastName, &m.Email); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Member{}, ErrNotFound
		}
		return Member{}, err
	}
	return m, nil
}

// AdminGroupIDsForMember lists the admin groups the member belongs to.
func (r *Repository) AdminGroupIDsForMember(ctx context.Context, memberID int64) ([]int64, error) {
	const query = `SELECT group_id FROM rbac_admin_group_members WHERE member_id = $1`
	return r.queryIDs(ctx, query, memberID)
}

// AdminRolesForGroups lists managed targets held by the given admin groups.
func (r *Repository) AdminRolesForGroups(ctx context.Context, groupIDs []int64) ([]AdminGroupRole, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	const query = `
SELECT id, group_id, app, model, model_id
FROM rbac_admin_group_roles
WHERE group_id = ANY($1)
ORDER BY id`
	rows, err := r.pool.Query(ctx, query, groupIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []AdminGroupRole
	for rows.Next() {
		var g AdminGroupRole
		var instance *int64
		if err := rows.Scan(&g.ID, &g.GroupID, &g.App, &g.Model, &instance); err != nil {
			return nil, err
		}
		if instance != nil {
			g.Instance = Instance(*instance)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// AdminTreesForGroups lists tree entries held by the given admin groups.
func (r *Repository) AdminTreesForGroups(ctx context.Context, groupIDs []int64) ([]AdminTreeEntry, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	const query = `SELECT id, group_id, tree FROM rbac_admin_tree WHERE group_id = ANY($1) ORDER BY id`
	return r.queryTrees(ctx, query, groupIDs)
}

// AllAdminTrees lists every tree entry.
func (r *Repository) AllAdminTrees(ctx context.Context) ([]AdminTreeEntry, error) {
	const query = `SELECT id, group_id, tree FROM rbac_admin_tree ORDER BY id`
	return r.queryTrees(ctx, query)
}

// MembersOfAdminGroups lists the distinct members of the given admin groups.
func (r *Repository) MembersOfAdminGroups(ctx context.Context, groupIDs []int64) ([]Member, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	const query = `
SELECT DISTINCT m.id, m.first_name, m.last_name, m.email
FROM members m
JOIN rbac_admin_group_members gm ON gm.member_id = m.id
WHERE gm.group_id = ANY($1)
ORDER BY m.first_name, m.last_name`
	return r.queryMembers(ctx, query, groupIDs)
}

// IsAdminGroupMember reports direct membership of an admin group.
func (r *Repository) IsAdminGroupMember(ctx context.Context, memberID, groupID int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM rbac_admin_group_members WHERE member_id = $1 AND group_id = $2)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, memberID, groupID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *Repository) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) queryRoles(ctx context.Context, query string, args ...any) ([]GroupRole, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []GroupRole
	for rows.Next() {
		var gr GroupRole
		var instance *int64
		var ruleType string
		if err := rows.Scan(&gr.ID, &gr.GroupID, &gr.App, &gr.Model, &instance, &gr.Action, &ruleType); err != nil {
			return nil, err
		}
		if instance != nil {
			gr.Instance = Instance(*instance)
		}
		gr.RuleType, err = ParseRuleType(ruleType)
		if err != nil {
			return nil, err
		}
		rules = append(rules, gr)
	}
	return rules, rows.Err()
}

func (r *Repository) queryMembers(ctx context.Context, query string, args ...any) ([]Member, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.FirstName, &m.LastName, &m.Email); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (r *Repository) queryTrees(ctx context.Context, query string, args ...any) ([]AdminTreeEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []AdminTreeEntry
	for rows.Next() {
		var e AdminTreeEntry
		var tree string
		if err := rows.Scan(&e.ID, &e.GroupID, &tree); err != nil {
			return nil, err
		}
		e.Tree = ParseTreePath(tree)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func filterRoles(rules []GroupRole, f RuleFilter) []GroupRole {
	out := rules[:0:0]
	for _, r := range rules {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}
