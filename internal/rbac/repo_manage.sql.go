package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/clubkit/clubkit/internal/platform/db"
)

// ErrTreeDelegated indicates that a tree path already belongs to a different
// admin group. Tree entries are unique across the whole tree.
var ErrTreeDelegated = errors.New("rbac: tree path already delegated to another admin group")

// Creation is idempotent throughout: the insert carries ON CONFLICT DO
// NOTHING and the existing row is returned when a concurrent caller or an
// earlier run got there first. Uniqueness lives in the schema, not in
// check-then-act application code.

// CreateGroup creates a group or returns the existing one.
func (r *Repository) CreateGroup(ctx context.Context, qualifier, item, description string, createdBy int64) (Group, error) {
	var group Group
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const insert = `
INSERT INTO rbac_groups (name_qualifier, name_item, description, created_by)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name_qualifier, name_item) DO NOTHING
RETURNING id, name_qualifier, name_item, description, created_at, created_by`
		err := tx.QueryRow(ctx, insert, qualifier, item, description, createdBy).
			Scan(&group.ID, &group.Qualifier, &group.Item, &group.Description, &group.CreatedAt, &group.CreatedBy)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		const sel = `
SELECT id, name_qualifier, name_item, description, created_at, created_by
FROM rbac_groups WHERE name_qualifier = $1 AND name_item = $2`
		return tx.QueryRow(ctx, sel, qualifier, item).
			Scan(&group.ID, &group.Qualifier, &group.Item, &group.Description, &group.CreatedAt, &group.CreatedBy)
	})
	return group, err
}

// DeleteGroup removes a group. Membership and rule rows go with it via
// ON DELETE CASCADE.
func (r *Repository) DeleteGroup(ctx context.Context, groupID int64) error {
	const query = `DELETE FROM rbac_groups WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, groupID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GroupByID fetches a group.
func (r *Repository) GroupByID(ctx context.Context, groupID int64) (Group, error) {
	const query = `
SELECT id, name_qualifier, name_item, description, created_at, created_by
FROM rbac_groups WHERE id = $1`
	return r.scanGroup(r.pool.QueryRow(ctx, query, groupID))
}

// GroupByName fetches a group by its qualified name.
func (r *Repository) GroupByName(ctx context.Context, qualifier, item string) (Group, error) {
	const query = `
SELECT id, name_qualifier, name_item, description, created_at, created_by
FROM rbac_groups WHERE name_qualifier = $1 AND name_item = $2`
	return r.scanGroup(r.pool.QueryRow(ctx, query, qualifier, item))
}

// GroupsByIDs fetches the given groups.
func (r *Repository) GroupsByIDs(ctx context.Context, groupIDs []int64) ([]Group, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	const query = `
SELECT id, name_qualifier, name_item, description, created_at, created_by
FROM rbac_groups WHERE id = ANY($1) ORDER BY name_qualifier, name_item`
	return r.queryGroups(ctx, query, groupIDs)
}

// ListGroups returns a page of groups plus the total count.
func (r *Repository) ListGroups(ctx context.Context, offset, limit int) ([]Group, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rbac_groups`).Scan(&total); err != nil {
		return nil, 0, err
	}
	const query = `
SELECT id, name_qualifier, name_item, description, created_at, created_by
FROM rbac_groups ORDER BY name_qualifier, name_item OFFSET $1 LIMIT $2`
	groups, err := r.queryGroups(ctx, query, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	return groups, total, nil
}

// AddGroupMember adds a member to a group. Adding twice is a no-op.
func (r *Repository) AddGroupMember(ctx context.Context, groupID, memberID int64) error {
	const query = `
INSERT INTO rbac_group_members (group_id, member_id)
VALUES ($1, $2)
ON CONFLICT (group_id, member_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, groupID, memberID)
	return err
}

// RemoveGroupMember removes a member from a group.
func (r *Repository) RemoveGroupMember(ctx context.Context, groupID, memberID int64) error {
	const query = `DELETE FROM rbac_group_members WHERE group_id = $1 AND member_id = $2`
	tag, err := r.pool.Exec(ctx, query, groupID, memberID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddGroupRole adds a rule to a group or returns the existing identical rule.
func (r *Repository) AddGroupRole(ctx context.Context, role GroupRole) (GroupRole, error) {
	out := role
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const insert = `
INSERT INTO rbac_group_roles (group_id, app, model, model_id, action, rule_type)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT DO NOTHING
RETURNING id`
		err := tx.QueryRow(ctx, insert, role.GroupID, role.App, role.Model, instanceArg(role.Instance), role.Action, string(role.RuleType)).Scan(&out.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		const sel = `
SELECT id FROM rbac_group_roles
WHERE group_id = $1 AND app = $2 AND model = $3
  AND model_id IS NOT DISTINCT FROM $4 AND action = $5 AND rule_type = $6`
		return tx.QueryRow(ctx, sel, role.GroupID, role.App, role.Model, instanceArg(role.Instance), role.Action, string(role.RuleType)).Scan(&out.ID)
	})
	return out, err
}

// GroupRoleByID fetches a rule by id.
func (r *Repository) GroupRoleByID(ctx context.Context, roleID int64) (GroupRole, error) {
	const query = `
SELECT id, group_id, app, model, model_id, action, rule_type
FROM rbac_group_roles WHERE id = $1`
	var gr GroupRole
	var instance *int64
	var ruleType string
	err := r.pool.QueryRow(ctx, query, roleID).
		Scan(&gr.ID, &gr.GroupID, &gr.App, &gr.Model, &instance, &gr.Action, &ruleType)
	if errors.Is(err, pgx.ErrNoRows) {
		return GroupRole{}, ErrNotFound
	}
	if err != nil {
		return GroupRole{}, err
	}
	if instance != nil {
		gr.Instance = Instance(*instance)
	}
	gr.RuleType, err = ParseRuleType(ruleType)
	return gr, err
}

// RemoveGroupRole deletes a rule by id.
func (r *Repository) RemoveGroupRole(ctx context.Context, roleID int64) error {
	const query = `DELETE FROM rbac_group_roles WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateModelDefault stores the fallback behaviour for app.model or returns
// the existing row.
func (r *Repository) CreateModelDefault(ctx context.Context, app, model string, def RuleType) (ModelDefault, error) {
	md := ModelDefault{App: app, Model: model, Default: def}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const insert = `
INSERT INTO rbac_model_defaults (app, model, default_behaviour)
VALUES ($1, $2, $3)
ON CONFLICT (app, model) DO NOTHING
RETURNING id, default_behaviour`
		var raw string
		err := tx.QueryRow(ctx, insert, app, model, string(def)).Scan(&md.ID, &raw)
		if errors.Is(err, pgx.ErrNoRows) {
			const sel = `SELECT id, default_behaviour FROM rbac_model_defaults WHERE app = $1 AND model = $2`
			err = tx.QueryRow(ctx, sel, app, model).Scan(&md.ID, &raw)
		}
		if err != nil {
			return err
		}
		md.Default, err = ParseRuleType(raw)
		return err
	})
	return md, err
}

// CreateModelAction catalogues a valid action for app.model or returns the
// existing entry.
func (r *Repository) CreateModelAction(ctx context.Context, app, model, action, description string) (ModelAction, error) {
	ma := ModelAction{App: app, Model: model, Action: action, Description: description}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const insert = `
INSERT INTO rbac_model_actions (app, model, action, description)
VALUES ($1, $2, $3, $4)
ON CONFLICT (app, model, action) DO NOTHING
RETURNING id, description`
		err := tx.QueryRow(ctx, insert, app, model, action, description).Scan(&ma.ID, &ma.Description)
		if errors.Is(err, pgx.ErrNoRows) {
			const sel = `SELECT id, description FROM rbac_model_actions WHERE app = $1 AND model = $2 AND action = $3`
			err = tx.QueryRow(ctx, sel, app, model, action).Scan(&ma.ID, &ma.Description)
		}
		return err
	})
	return ma, err
}

// ModelActions lists the catalogued actions for app.model.
func (r *Repository) ModelActions(ctx context.Context, app, model string) ([]ModelAction, error) {
	const query = `
SELECT id, app, model, action, description
FROM rbac_model_actions WHERE app = $1 AND model = $2 ORDER BY action`
	rows, err := r.pool.Query(ctx, query, app, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var actions []ModelAction
	for rows.Next() {
		var ma ModelAction
		if err := rows.Scan(&ma.ID, &ma.App, &ma.Model, &ma.Action, &ma.Description); err != nil {
			return nil, err
		}
		actions = append(actions, ma)
	}
	return actions, rows.Err()
}

// CreateAdminGroup creates an admin group or returns the existing one.
func (r *Repository) CreateAdminGroup(ctx context.Context, qualifier, item, description string, createdBy int64) (AdminGroup, error) {
	var group AdminGroup
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const insert = `
INSERT INTO rbac_admin_groups (name_qualifier, name_item, description, created_by)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name_qualifier, name_item) DO NOTHING
RETURNING id, name_qualifier, name_item, description, created_at, created_by`
		err := tx.QueryRow(ctx, insert, qualifier, item, description, createdBy).
			Scan(&group.ID, &group.Qualifier, &group.Item, &group.Description, &group.CreatedAt, &group.CreatedBy)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		const sel = `
SELECT id, name_qualifier, name_item, description, created_at, created_by
FROM rbac_admin_groups WHERE name_qualifier = $1 AND name_item = $2`
		return tx.QueryRow(ctx, sel, qualifier, item).
			Scan(&group.ID, &group.Qualifier, &group.Item, &group.Description, &group.CreatedAt, &group.CreatedBy)
	})
	return group, err
}

// DeleteAdminGroup removes an admin group and its rows.
func (r *Repository) DeleteAdminGroup(ctx context.Context, groupID int64) error {
	const query = `DELETE FROM rbac_admin_groups WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, groupID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AdminGroupByID fetches an admin group.
func (r *Repository) AdminGroupByID(ctx context.Context, groupID int64) (AdminGroup, error) {
	const query = `
SELECT id, name_qualifier, name_item, description, created_at, created_by
FROM rbac_admin_groups WHERE id = $1`
	var g AdminGroup
	err := r.pool.QueryRow(ctx, query, groupID).
		Scan(&g.ID, &g.Qualifier, &g.Item, &g.Description, &g.CreatedAt, &g.CreatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return AdminGroup{}, ErrNotFound
	}
	return g, err
}

// AddAdminGroupMember adds a member to an admin group. Adding twice is a no-op.
func (r *Repository) AddAdminGroupMember(ctx context.Context, groupID, memberID int64) error {
	const query = `
INSERT INTO rbac_admin_group_members (group_id, member_id)
VALUES ($1, $2)
ON CONFLICT (group_id, member_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, groupID, memberID)
	return err
}

// RemoveAdminGroupMember removes a member from an admin group.
func (r *Repository) RemoveAdminGroupMember(ctx context.Context, groupID, memberID int64) error {
	const query = `DELETE FROM rbac_admin_group_members WHERE group_id = $1 AND member_id = $2`
	tag, err := r.pool.Exec(ctx, query, groupID, memberID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddAdminGroupRole grants an admin group management over a target, or
// returns the existing identical grant.
func (r *Repository) AddAdminGroupRole(ctx context.Context, role AdminGroupRole) (AdminGroupRole, error) {
	out := role
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const insert = `
INSERT INTO rbac_admin_group_roles (group_id, app, model, model_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING
RETURNING id`
		err := tx.QueryRow(ctx, insert, role.GroupID, role.App, role.Model, instanceArg(role.Instance)).Scan(&out.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		const sel = `
SELECT id FROM rbac_admin_group_roles
WHERE group_id = $1 AND app = $2 AND model = $3 AND model_id IS NOT DISTINCT FROM $4`
		return tx.QueryRow(ctx, sel, role.GroupID, role.App, role.Model, instanceArg(role.Instance)).Scan(&out.ID)
	})
	return out, err
}

// AddAdminTree declares a tree entry point for an admin group. Tree paths are
// unique across all admin groups; re-adding the same pair is idempotent but a
// path held by another group returns ErrTreeDelegated.
func (r *Repository) AddAdminTree(ctx context.Context, groupID int64, tree TreePath) (AdminTreeEntry, error) {
	entry := AdminTreeEntry{GroupID: groupID, Tree: tree}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const insert = `
INSERT INTO rbac_admin_tree (group_id, tree)
VALUES ($1, $2)
ON CONFLICT (tree) DO NOTHING
RETURNING id`
		err := tx.QueryRow(ctx, insert, groupID, tree.String()).Scan(&entry.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		const sel = `SELECT id, group_id FROM rbac_admin_tree WHERE tree = $1`
		var owner int64
		if err := tx.QueryRow(ctx, sel, tree.String()).Scan(&entry.ID, &owner); err != nil {
			return err
		}
		if owner != groupID {
			return fmt.Errorf("%w: %s", ErrTreeDelegated, tree)
		}
		return nil
	})
	return entry, err
}

func (r *Repository) scanGroup(row pgx.Row) (Group, error) {
	var g Group
	err := row.Scan(&g.ID, &g.Qualifier, &g.Item, &g.Description, &g.CreatedAt, &g.CreatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	return g, err
}

func (r *Repository) queryGroups(ctx context.Context, query string, args ...any) ([]Group, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Qualifier, &g.Item, &g.Description, &g.CreatedAt, &g.CreatedBy); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// instanceArg maps an InstanceID to a nullable SQL parameter.
func instanceArg(i InstanceID) *int64 {
	if !i.Valid {
		return nil
	}
	return &i.ID
}
