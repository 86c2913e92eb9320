package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/clubkit/clubkit/internal/shared"
)

// ErrForbidden indicates the acting member lacks admin rights for a mutation.
var ErrForbidden = errors.New("rbac: forbidden")

// ErrInvalidAction indicates an action outside the catalogue for its app.model.
var ErrInvalidAction = errors.New("rbac: action not in catalogue")

// SystemActor marks mutations performed by setup and migration code.
// System mutations skip delegation checks.
const SystemActor int64 = 0

// Service orchestrates authorization operations: decision checks through the
// optional cache, and administrative mutations with delegation enforcement,
// audit trail and cache invalidation.
type Service struct {
	store    Store
	eval     *Evaluator
	admin    *AdminResolver
	audit    shared.AuditRecorder
	cache    *DecisionCache
	observer DecisionObserver
	logger   *slog.Logger
}

// DecisionObserver receives decision outcomes, typically for metrics.
type DecisionObserver interface {
	ObserveDecision(allowed bool)
}

// ServiceConfig groups optional service dependencies.
type ServiceConfig struct {
	Audit    shared.AuditRecorder
	Cache    *DecisionCache
	Observer DecisionObserver
}

// NewService wires the service. everyoneID is the distinguished member whose
// rules apply to all principals.
func NewService(store Store, everyoneID int64, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		eval:     NewEvaluator(store, everyoneID, logger),
		admin:    NewAdminResolver(store, logger),
		audit:    cfg.Audit,
		cache:    cfg.Cache,
		observer: cfg.Observer,
		logger:   logger,
	}
}

// Evaluator exposes the underlying evaluator for read-only callers.
func (s *Service) Evaluator() *Evaluator {
	return s.eval
}

// Admin exposes the delegation resolver.
func (s *Service) Admin() *AdminResolver {
	return s.admin
}

// Check answers whether the member holds the role, going through the
// decision cache when one is configured.
func (s *Service) Check(ctx context.Context, memberID int64, role string) (bool, error) {
	allowed, err := s.cache.Decide(ctx, memberID, role, func() (bool, error) {
		return s.eval.UserHasRole(ctx, memberID, role)
	})
	if err == nil && s.observer != nil {
		s.observer.ObserveDecision(allowed)
	}
	return allowed, err
}

// Explain answers the same question with the reasoning trail. Explains never
// touch the cache; they exist to show the current store state.
func (s *Service) Explain(ctx context.Context, memberID int64, role string) (bool, string, error) {
	return s.eval.UserHasRoleExplain(ctx, memberID, role)
}

// CreateGroup creates a group under the qualifier, idempotently. Non-system
// actors need tree rights over the qualifier path.
func (s *Service) CreateGroup(ctx context.Context, actorID int64, qualifier, item, description string) (Group, error) {
	qualifier = strings.TrimSpace(qualifier)
	item = strings.TrimSpace(item)
	if qualifier == "" || item == "" {
		return Group{}, fmt.Errorf("rbac: group qualifier and item required")
	}
	if err := s.requirePathAdmin(ctx, actorID, ParseTreePath(qualifier)); err != nil {
		return Group{}, err
	}
	group, err := s.store.CreateGroup(ctx, qualifier, item, description, actorID)
	if err != nil {
		return Group{}, err
	}
	s.recordAudit(ctx, actorID, "group_create", "rbac_groups", group.ID, map[string]any{"name": group.Name()})
	return group, nil
}

// DeleteGroup removes a group and everything it holds.
func (s *Service) DeleteGroup(ctx context.Context, actorID, groupID int64) error {
	group, err := s.store.GroupByID(ctx, groupID)
	if err != nil {
		return err
	}
	if err := s.requireGroupAdmin(ctx, actorID, group); err != nil {
		return err
	}
	if err := s.store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "group_delete", "rbac_groups", groupID, map[string]any{"name": group.Name()})
	s.cache.Invalidate(ctx)
	return nil
}

// AddUserToGroup adds a member to a group, idempotently.
func (s *Service) AddUserToGroup(ctx context.Context, actorID, groupID, memberID int64) error {
	group, err := s.store.GroupByID(ctx, groupID)
	if err != nil {
		return err
	}
	if err := s.requireGroupAdmin(ctx, actorID, group); err != nil {
		return err
	}
	if err := s.store.AddGroupMember(ctx, groupID, memberID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "group_member_add", "rbac_group_members", groupID, map[string]any{"member_id": memberID})
	s.cache.Invalidate(ctx)
	return nil
}

// RemoveUserFromGroup removes a member from a group.
func (s *Service) RemoveUserFromGroup(ctx context.Context, actorID, groupID, memberID int64) error {
	group, err := s.store.GroupByID(ctx, groupID)
	if err != nil {
		return err
	}
	if err := s.requireGroupAdmin(ctx, actorID, group); err != nil {
		return err
	}
	if err := s.store.RemoveGroupMember(ctx, groupID, memberID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "group_member_remove", "rbac_group_members", groupID, map[string]any{"member_id": memberID})
	s.cache.Invalidate(ctx)
	return nil
}

// AddRoleToGroup attaches a rule to a group, idempotently. Non-system actors
// need rule-admin rights over the target, and the action must sit in the
// catalogue when one exists for the app.model pair.
func (s *Service) AddRoleToGroup(ctx context.Context, actorID, groupID int64, app, model string, instance InstanceID, action string, ruleType RuleType) (GroupRole, error) {
	role := GroupRole{GroupID: groupID, App: app, Model: model, Instance: instance, Action: action, RuleType: ruleType}
	if _, err := ParseRuleType(string(ruleType)); err != nil {
		return GroupRole{}, err
	}
	if err := s.requireRoleAdmin(ctx, actorID, role.Role().Path()); err != nil {
		return GroupRole{}, err
	}
	if err := s.validateAction(ctx, app, model, action); err != nil {
		return GroupRole{}, err
	}
	stored, err := s.store.AddGroupRole(ctx, role)
	if err != nil {
		return GroupRole{}, err
	}
	s.recordAudit(ctx, actorID, "group_role_add", "rbac_group_roles", stored.ID, map[string]any{
		"group_id": groupID, "role": stored.Role().String(), "rule_type": string(ruleType),
	})
	s.cache.Invalidate(ctx)
	return stored, nil
}

// RemoveRoleFromGroup deletes a rule.
func (s *Service) RemoveRoleFromGroup(ctx context.Context, actorID, roleID int64) error {
	role, err := s.store.GroupRoleByID(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.requireRoleAdmin(ctx, actorID, role.Role().Path()); err != nil {
		return err
	}
	if err := s.store.RemoveGroupRole(ctx, roleID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "group_role_remove", "rbac_group_roles", roleID, map[string]any{"role": role.Role().String()})
	s.cache.Invalidate(ctx)
	return nil
}

// CreateModelDefault stores the fallback behaviour for app.model, idempotently.
func (s *Service) CreateModelDefault(ctx context.Context, actorID int64, app, model string, def RuleType) (ModelDefault, error) {
	if _, err := ParseRuleType(string(def)); err != nil {
		return ModelDefault{}, err
	}
	if err := s.requireRoleAdmin(ctx, actorID, app+"."+model); err != nil {
		return ModelDefault{}, err
	}
	md, err := s.store.CreateModelDefault(ctx, app, model, def)
	if err != nil {
		return ModelDefault{}, err
	}
	s.recordAudit(ctx, actorID, "model_default_create", "rbac_model_defaults", md.ID, map[string]any{
		"app": app, "model": model, "default": string(md.Default),
	})
	s.cache.Invalidate(ctx)
	return md, nil
}

// CreateModelAction catalogues a valid action for app.model, idempotently.
func (s *Service) CreateModelAction(ctx context.Context, actorID int64, app, model, action, description string) (ModelAction, error) {
	if err := s.requireRoleAdmin(ctx, actorID, app+"."+model); err != nil {
		return ModelAction{}, err
	}
	ma, err := s.store.CreateModelAction(ctx, app, model, action, description)
	if err != nil {
		return ModelAction{}, err
	}
	s.recordAudit(ctx, actorID, "model_action_create", "rbac_model_actions", ma.ID, map[string]any{
		"app": app, "model": model, "action": action,
	})
	return ma, nil
}

// CreateAdminGroup creates an admin group under the qualifier, idempotently.
func (s *Service) CreateAdminGroup(ctx context.Context, actorID int64, qualifier, item, description string) (AdminGroup, error) {
	qualifier = strings.TrimSpace(qualifier)
	item = strings.TrimSpace(item)
	if qualifier == "" || item == "" {
		return AdminGroup{}, fmt.Errorf("rbac: admin group qualifier and item required")
	}
	if err := s.requirePathAdmin(ctx, actorID, ParseTreePath(qualifier)); err != nil {
		return AdminGroup{}, err
	}
	group, err := s.store.CreateAdminGroup(ctx, qualifier, item, description, actorID)
	if err != nil {
		return AdminGroup{}, err
	}
	s.recordAudit(ctx, actorID, "admin_group_create", "rbac_admin_groups", group.ID, map[string]any{"name": group.Name()})
	return group, nil
}

// DeleteAdminGroup removes an admin group together with its members, role
// grants and tree entries.
func (s *Service) DeleteAdminGroup(ctx context.Context, actorID, groupID int64) error {
	group, err := s.store.AdminGroupByID(ctx, groupID)
	if err != nil {
		return err
	}
	if err := s.requireAdminGroupAdmin(ctx, actorID, groupID); err != nil {
		return err
	}
	if err := s.store.DeleteAdminGroup(ctx, groupID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "admin_group_delete", "rbac_admin_groups", groupID, map[string]any{"name": group.Name()})
	return nil
}

// AddUserToAdminGroup adds a member to an admin group, idempotently. Any
// current member of the admin group may do this.
func (s *Service) AddUserToAdminGroup(ctx context.Context, actorID, groupID, memberID int64) error {
	if err := s.requireAdminGroupAdmin(ctx, actorID, groupID); err != nil {
		return err
	}
	if err := s.store.AddAdminGroupMember(ctx, groupID, memberID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "admin_group_member_add", "rbac_admin_group_members", groupID, map[string]any{"member_id": memberID})
	return nil
}

// RemoveUserFromAdminGroup removes a member from an admin group.
func (s *Service) RemoveUserFromAdminGroup(ctx context.Context, actorID, groupID, memberID int64) error {
	if err := s.requireAdminGroupAdmin(ctx, actorID, groupID); err != nil {
		return err
	}
	if err := s.store.RemoveAdminGroupMember(ctx, groupID, memberID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "admin_group_member_remove", "rbac_admin_group_members", groupID, map[string]any{"member_id": memberID})
	return nil
}

// AddRoleToAdminGroup delegates a managed target to an admin group. The actor
// must administer the admin group and hold the right being delegated.
func (s *Service) AddRoleToAdminGroup(ctx context.Context, actorID, groupID int64, app, model string, instance InstanceID) (AdminGroupRole, error) {
	if err := s.requireAdminGroupAdmin(ctx, actorID, groupID); err != nil {
		return AdminGroupRole{}, err
	}
	role := AdminGroupRole{GroupID: groupID, App: app, Model: model, Instance: instance}
	if err := s.requireRoleAdmin(ctx, actorID, role.Path().String()); err != nil {
		return AdminGroupRole{}, err
	}
	stored, err := s.store.AddAdminGroupRole(ctx, role)
	if err != nil {
		return AdminGroupRole{}, err
	}
	s.recordAudit(ctx, actorID, "admin_group_role_add", "rbac_admin_group_roles", stored.ID, map[string]any{
		"group_id": groupID, "path": stored.Path().String(),
	})
	return stored, nil
}

// AddTreeToAdminGroup declares a tree entry point for an admin group. The
// actor must administer the admin group and hold tree rights over the path.
func (s *Service) AddTreeToAdminGroup(ctx context.Context, actorID, groupID int64, tree string) (AdminTreeEntry, error) {
	if err := s.requireAdminGroupAdmin(ctx, actorID, groupID); err != nil {
		return AdminTreeEntry{}, err
	}
	path := ParseTreePath(tree)
	if len(path) == 0 {
		return AdminTreeEntry{}, fmt.Errorf("rbac: tree path required")
	}
	if err := s.requirePathAdmin(ctx, actorID, path); err != nil {
		return AdminTreeEntry{}, err
	}
	entry, err := s.store.AddAdminTree(ctx, groupID, path)
	if err != nil {
		return AdminTreeEntry{}, err
	}
	s.recordAudit(ctx, actorID, "admin_tree_add", "rbac_admin_tree", entry.ID, map[string]any{
		"group_id": groupID, "tree": path.String(),
	})
	return entry, nil
}

// validateAction accepts any action when no catalogue exists for the pair;
// with a catalogue present, the action must be listed or be the wildcard.
func (s *Service) validateAction(ctx context.Context, app, model, action string) error {
	if action == ActionAll {
		return nil
	}
	actions, err := s.store.ModelActions(ctx, app, model)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return nil
	}
	for _, a := range actions {
		if a.Action == action {
			return nil
		}
	}
	return fmt.Errorf("%w: %s for %s.%s", ErrInvalidAction, action, app, model)
}

func (s *Service) requireGroupAdmin(ctx context.Context, actorID int64, group Group) error {
	if actorID == SystemActor {
		return nil
	}
	ok, err := s.admin.IsGroupAdmin(ctx, actorID, group)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: member %d cannot administer group %s", ErrForbidden, actorID, group.Name())
	}
	return nil
}

func (s *Service) requirePathAdmin(ctx context.Context, actorID int64, path TreePath) error {
	if actorID == SystemActor {
		return nil
	}
	ok, err := s.admin.CanAdministerPath(ctx, actorID, path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: member %d has no tree rights over %s", ErrForbidden, actorID, path)
	}
	return nil
}

func (s *Service) requireRoleAdmin(ctx context.Context, actorID int64, rolePath string) error {
	if actorID == SystemActor {
		return nil
	}
	ok, err := s.admin.IsRoleAdmin(ctx, actorID, rolePath)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: member %d cannot manage rules for %s", ErrForbidden, actorID, rolePath)
	}
	return nil
}

func (s *Service) requireAdminGroupAdmin(ctx context.Context, actorID, groupID int64) error {
	if actorID == SystemActor {
		return nil
	}
	ok, err := s.admin.IsAdminForAdminGroup(ctx, actorID, groupID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: member %d is not in admin group %d", ErrForbidden, actorID, groupID)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Error("rbac audit record", slog.Any("error", err))
	}
}
