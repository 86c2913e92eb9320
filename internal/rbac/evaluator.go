package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Evaluator answers "does this member hold this role". It is stateless
// between calls: every decision is a pure function of the store contents,
// so a single Evaluator is safe for concurrent use.
type Evaluator struct {
	store    RuleStore
	everyone int64
	logger   *slog.Logger
	collator *collate.Collator
}

// NewEvaluator wires an evaluator. everyoneID is the distinguished member
// whose rules apply to all principals; it is injected rather than hardcoded
// so deployments and tests can choose their own.
func NewEvaluator(store RuleStore, everyoneID int64, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		store:    store,
		everyone: everyoneID,
		logger:   logger,
		collator: collate.New(language.English, collate.IgnoreCase),
	}
}

// EveryoneID returns the injected everyone principal id.
func (e *Evaluator) EveryoneID() int64 {
	return e.everyone
}

// exactMatch looks for a rule at the most specific level only: a rule whose
// target equals the role, or the wildcard action at the same target. When
// both Allow and Block match at this level, Block wins; the ordering of rows
// in the store never changes the outcome.
func (e *Evaluator) exactMatch(ctx context.Context, memberID int64, role Role) (RuleType, *GroupRole, error) {
	groups, err := e.store.GroupIDsForMember(ctx, memberID)
	if err != nil {
		return "", nil, err
	}
	if len(groups) == 0 {
		return "", nil, nil
	}
	rules, err := e.store.RolesForGroups(ctx, groups)
	if err != nil {
		return "", nil, err
	}

	wildcard := role.Wildcard()
	var allowed *GroupRole
	for i := range rules {
		target := rules[i].Role()
		if target != role && target != wildcard {
			continue
		}
		if rules[i].RuleType == Block {
			return Block, &rules[i], nil
		}
		if allowed == nil {
			allowed = &rules[i]
		}
	}
	if allowed != nil {
		return Allow, allowed, nil
	}
	return "", nil, nil
}

// UserHasRole checks whether the member may perform the role. The walk is
// ordered and short-circuits on the first definitive match:
//
//  1. exact rule for the member (wildcard action counts)
//  2. exact rule for everyone
//  3. for 4-segment roles only, the same two checks one level up
//  4. the model default, whose absence is a configuration error
func (e *Evaluator) UserHasRole(ctx context.Context, memberID int64, roleStr string) (bool, error) {
	role, err := ParseRole(roleStr)
	if err != nil {
		return false, err
	}

	levels := []Role{role}
	if role.Instance.Valid {
		// One level up only. Never recurse further; this is a deliberate
		// performance bound, not a tree walk.
		levels = append(levels, role.TypeLevel())
	}

	for _, lvl := range levels {
		for _, member := range []int64{memberID, e.everyone} {
			rt, rule, err := e.exactMatch(ctx, member, lvl)
			if err != nil {
				return false, err
			}
			if rt != "" {
				e.logger.Debug("rbac decision",
					slog.Int64("member_id", memberID),
					slog.String("role", roleStr),
					slog.Bool("allowed", rt == Allow),
					slog.Int64("rule_id", rule.ID))
				return rt == Allow, nil
			}
		}
	}

	def, err := e.store.ModelDefault(ctx, role.App, role.Model)
	if err != nil {
		return false, err
	}
	e.logger.Debug("rbac decision",
		slog.Int64("member_id", memberID),
		slog.String("role", roleStr),
		slog.Bool("allowed", def == Allow),
		slog.String("source", "model default"))
	return def == Allow, nil
}

// UserHasRoleExplain runs the same walk as UserHasRole and returns a
// human-readable trail describing which rule, group or default decided.
func (e *Evaluator) UserHasRoleExplain(ctx context.Context, memberID int64, roleStr string) (bool, string, error) {
	role, err := ParseRole(roleStr)
	if err != nil {
		return false, "", err
	}

	var log strings.Builder
	fmt.Fprintf(&log, "checking member %d for role %s\n", memberID, role)

	type step struct {
		member int64
		role   Role
		found  string
		none   string
	}
	steps := []step{
		{memberID, role, "specific rule for this member", "no specific rule for this member"},
		{e.everyone, role, "specific rule for everyone", "no specific rule for everyone"},
	}
	if role.Instance.Valid {
		higher := role.TypeLevel()
		steps = append(steps,
			step{memberID, higher, "higher level rule for this member", "no higher level rule for this member"},
			step{e.everyone, higher, "higher level rule for everyone", "no higher level rule for everyone"},
		)
	}

	for _, s := range steps {
		rt, rule, err := e.exactMatch(ctx, s.member, s.role)
		if err != nil {
			return false, "", err
		}
		if rt != "" {
			fmt.Fprintf(&log, "%s: rule %s in group %d\n", s.found, rule, rule.GroupID)
			fmt.Fprintf(&log, "decision: %s\n", rt)
			return rt == Allow, log.String(), nil
		}
		fmt.Fprintf(&log, "%s\n", s.none)
	}

	def, err := e.store.ModelDefault(ctx, role.App, role.Model)
	if err != nil {
		return false, "", err
	}
	fmt.Fprintf(&log, "using default for %s.%s: %s\n", role.App, role.Model, def)
	return def == Allow, log.String(), nil
}

// UsersWithRole lists every member holding an explicit Allow for the role,
// either at the exact target, via the wildcard action, or through the
// type-level rule one step up. This is a reporting query: it does not apply
// model defaults or Block precedence.
func (e *Evaluator) UsersWithRole(ctx context.Context, roleStr string) ([]Member, error) {
	role, err := ParseRole(roleStr)
	if err != nil {
		return nil, err
	}

	actions := []string{role.Action, ActionAll}
	rules, err := e.store.RolesMatching(ctx, RuleFilter{
		App:      role.App,
		Model:    role.Model,
		Instance: role.Instance,
		Actions:  actions,
		RuleType: Allow,
	})
	if err != nil {
		return nil, err
	}
	if role.Instance.Valid {
		higher, err := e.store.RolesMatching(ctx, RuleFilter{
			App:      role.App,
			Model:    role.Model,
			Actions:  actions,
			RuleType: Allow,
		})
		if err != nil {
			return nil, err
		}
		rules = append(rules, higher...)
	}

	groupIDs := distinctGroupIDs(rules)
	if len(groupIDs) == 0 {
		return nil, nil
	}
	members, err := e.store.MembersOfGroups(ctx, groupIDs)
	if err != nil {
		return nil, err
	}
	e.sortMembers(members)
	return members, nil
}

// BlockedForModel lists the instance ids the member cannot reach on an
// Allow-default model: everything Blocked for the member or everyone, minus
// anything the member holds a personal Allow for.
func (e *Evaluator) BlockedForModel(ctx context.Context, memberID int64, app, model, action string) ([]int64, error) {
	def, err := e.store.ModelDefault(ctx, app, model)
	if err != nil {
		return nil, err
	}
	if def != Allow {
		return nil, fmt.Errorf("%w: %s.%s", ErrDefaultNotAllow, app, model)
	}

	actions := []string{action, ActionAll}
	blocked, err := e.rulesForMembers(ctx, []int64{memberID, e.everyone}, RuleFilter{
		App: app, Model: model, AnyInstance: true, Actions: actions, RuleType: Block,
	})
	if err != nil {
		return nil, err
	}
	allowed, err := e.rulesForMembers(ctx, []int64{memberID}, RuleFilter{
		App: app, Model: model, AnyInstance: true, Actions: actions, RuleType: Allow,
	})
	if err != nil {
		return nil, err
	}

	return subtractInstances(blocked, allowed), nil
}

// AllowedForModel is the dual query for Block-default models. It returns
// (true, nil) when the member holds the blanket type-level Allow, otherwise
// the instance ids explicitly Allowed for the member or everyone, minus any
// the member is personally Blocked from.
func (e *Evaluator) AllowedForModel(ctx context.Context, memberID int64, app, model, action string) (bool, []int64, error) {
	def, err := e.store.ModelDefault(ctx, app, model)
	if err != nil {
		return false, nil, err
	}
	if def != Block {
		return false, nil, fmt.Errorf("%w: %s.%s", ErrDefaultNotBlock, app, model)
	}

	all, err := e.UserHasRole(ctx, memberID, fmt.Sprintf("%s.%s.%s", app, model, action))
	if err != nil {
		return false, nil, err
	}
	if all {
		return true, nil, nil
	}

	actions := []string{action, ActionAll}
	allowed, err := e.rulesForMembers(ctx, []int64{memberID, e.everyone}, RuleFilter{
		App: app, Model: model, AnyInstance: true, Actions: actions, RuleType: Allow,
	})
	if err != nil {
		return false, nil, err
	}
	blocked, err := e.rulesForMembers(ctx, []int64{memberID}, RuleFilter{
		App: app, Model: model, AnyInstance: true, Actions: actions, RuleType: Block,
	})
	if err != nil {
		return false, nil, err
	}

	return false, subtractInstances(allowed, blocked), nil
}

// RoleListEntry pairs an instance with an action the member may perform.
type RoleListEntry struct {
	Instance InstanceID
	Action   string
}

// UserRoleList returns the (instance, action) pairs the member holds Allow
// rules for under app.model. Only explicit Allows are reported, so this is
// meaningful for Block-default models.
func (e *Evaluator) UserRoleList(ctx context.Context, memberID int64, app, model string) ([]RoleListEntry, error) {
	rules, err := e.rulesForMembers(ctx, []int64{memberID}, RuleFilter{
		App: app, Model: model, AnyInstance: true, RuleType: Allow,
	})
	if err != nil {
		return nil, err
	}
	entries := make([]RoleListEntry, 0, len(rules))
	for _, r := range rules {
		entries = append(entries, RoleListEntry{Instance: r.Instance, Action: r.Action})
	}
	return entries, nil
}

// GroupsForRole lists the rules able to provide a role, exact or wildcard.
// Only meaningful for rules with instance ids.
func (e *Evaluator) GroupsForRole(ctx context.Context, roleStr string) ([]GroupRole, error) {
	role, err := ParseRole(roleStr)
	if err != nil {
		return nil, err
	}
	return e.store.RolesMatching(ctx, RuleFilter{
		App:      role.App,
		Model:    role.Model,
		Instance: role.Instance,
		Actions:  []string{role.Action, ActionAll},
	})
}

// ShowAdmin reports whether the member belongs to any group at all. The
// surrounding application uses it to decide whether to surface admin links.
func (e *Evaluator) ShowAdmin(ctx context.Context, memberID int64) (bool, error) {
	groups, err := e.store.GroupIDsForMember(ctx, memberID)
	if err != nil {
		return false, err
	}
	return len(groups) > 0, nil
}

func (e *Evaluator) rulesForMembers(ctx context.Context, memberIDs []int64, f RuleFilter) ([]GroupRole, error) {
	seen := make(map[int64]struct{})
	var groups []int64
	for _, id := range memberIDs {
		gs, err := e.store.GroupIDsForMember(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, g := range gs {
			if _, ok := seen[g]; ok {
				continue
			}
			seen[g] = struct{}{}
			groups = append(groups, g)
		}
	}
	if len(groups) == 0 {
		return nil, nil
	}
	return e.store.RolesForGroupsFiltered(ctx, groups, f)
}

func (e *Evaluator) sortMembers(members []Member) {
	sort.SliceStable(members, func(i, j int) bool {
		if c := e.collator.CompareString(members[i].FirstName, members[j].FirstName); c != 0 {
			return c < 0
		}
		return e.collator.CompareString(members[i].LastName, members[j].LastName) < 0
	})
}

func distinctGroupIDs(rules []GroupRole) []int64 {
	seen := make(map[int64]struct{}, len(rules))
	var ids []int64
	for _, r := range rules {
		if _, ok := seen[r.GroupID]; ok {
			continue
		}
		seen[r.GroupID] = struct{}{}
		ids = append(ids, r.GroupID)
	}
	return ids
}

// subtractInstances collects the instance ids present in from and absent in
// minus. Rules without an instance id are skipped.
func subtractInstances(from, minus []GroupRole) []int64 {
	excluded := make(map[int64]struct{}, len(minus))
	for _, r := range minus {
		if r.Instance.Valid {
			excluded[r.Instance.ID] = struct{}{}
		}
	}
	seen := make(map[int64]struct{}, len(from))
	var out []int64
	for _, r := range from {
		if !r.Instance.Valid {
			continue
		}
		if _, ok := excluded[r.Instance.ID]; ok {
			continue
		}
		if _, ok := seen[r.Instance.ID]; ok {
			continue
		}
		seen[r.Instance.ID] = struct{}{}
		out = append(out, r.Instance.ID)
	}
	return out
}
