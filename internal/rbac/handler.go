package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/clubkit/clubkit/internal/platform/httpx"
	"github.com/clubkit/clubkit/internal/shared"
)

// Handler exposes the authorization API consumed by the platform services.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers the authorization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/check", h.check)
	r.Get("/explain", h.explain)
	r.Get("/users", h.usersWithRole)
	r.Get("/members/{memberID}/access", h.accessInEnglish)
	r.Get("/members/{memberID}/blocked", h.blockedForModel)
	r.Get("/members/{memberID}/allowed", h.allowedForModel)
	r.Get("/members/{memberID}/roles", h.userRoleList)
	r.Get("/members/{memberID}/rights", h.adminRights)

	r.Get("/groups", h.listGroups)
	r.Get("/groups/lookup", h.groupByName)
	r.Post("/groups", h.createGroup)
	r.Delete("/groups/{groupID}", h.deleteGroup)
	r.Get("/groups/{groupID}/members", h.listGroupMembers)
	r.Post("/groups/{groupID}/members", h.addGroupMember)
	r.Delete("/groups/{groupID}/members/{memberID}", h.removeGroupMember)
	r.Post("/groups/{groupID}/roles", h.addGroupRole)
	r.Get("/roles", h.groupsForRole)
	r.Delete("/roles/{roleID}", h.removeGroupRole)
	r.Post("/defaults", h.createModelDefault)
	r.Post("/actions", h.createModelAction)

	r.Post("/admin/groups", h.createAdminGroup)
	r.Delete("/admin/groups/{groupID}", h.deleteAdminGroup)
	r.Post("/admin/groups/{groupID}/members", h.addAdminGroupMember)
	r.Delete("/admin/groups/{groupID}/members/{memberID}", h.removeAdminGroupMember)
	r.Post("/admin/groups/{groupID}/roles", h.addAdminGroupRole)
	r.Post("/admin/groups/{groupID}/trees", h.addAdminTree)
}

type decisionResponse struct {
	MemberID int64  `json:"member_id"`
	Role     string `json:"role"`
	Allowed  bool   `json:"allowed"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	memberID, role, ok := h.decisionParams(w, r)
	if !ok {
		return
	}
	allowed, err := h.service.Check(r.Context(), memberID, role)
	if err != nil {
		h.respondError(w, "check", err)
		return
	}
	httpx.JSON(w, http.StatusOK, decisionResponse{MemberID: memberID, Role: role, Allowed: allowed})
}

func (h *Handler) explain(w http.ResponseWriter, r *http.Request) {
	memberID, role, ok := h.decisionParams(w, r)
	if !ok {
		return
	}
	allowed, explanation, err := h.service.Explain(r.Context(), memberID, role)
	if err != nil {
		h.respondError(w, "explain", err)
		return
	}
	httpx.JSON(w, http.StatusOK, struct {
		decisionResponse
		Explanation string `json:"explanation"`
	}{decisionResponse{MemberID: memberID, Role: role, Allowed: allowed}, explanation})
}

type memberResponse struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

func (h *Handler) usersWithRole(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	if role == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role is required")
		return
	}
	members, err := h.service.Evaluator().UsersWithRole(r.Context(), role)
	if err != nil {
		h.respondError(w, "users with role", err)
		return
	}
	out := make([]memberResponse, 0, len(members))
	for _, m := range members {
		out = append(out, memberResponse{ID: m.ID, FirstName: m.FirstName, LastName: m.LastName, Email: m.Email})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role": role, "members": out})
}

func (h *Handler) accessInEnglish(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.pathID(w, r, "memberID")
	if !ok {
		return
	}
	lines, err := h.service.Evaluator().AccessInEnglish(r.Context(), memberID)
	if err != nil {
		h.respondError(w, "access in english", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"member_id": memberID, "access": lines})
}

func (h *Handler) blockedForModel(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.pathID(w, r, "memberID")
	if !ok {
		return
	}
	app, model, action, ok := h.modelParams(w, r)
	if !ok {
		return
	}
	blocked, err := h.service.Evaluator().BlockedForModel(r.Context(), memberID, app, model, action)
	if err != nil {
		h.respondError(w, "blocked for model", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"member_id": memberID, "blocked": blocked})
}

func (h *Handler) allowedForModel(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.pathID(w, r, "memberID")
	if !ok {
		return
	}
	app, model, action, ok := h.modelParams(w, r)
	if !ok {
		return
	}
	all, instances, err := h.service.Evaluator().AllowedForModel(r.Context(), memberID, app, model, action)
	if err != nil {
		h.respondError(w, "allowed for model", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"member_id": memberID, "all": all, "allowed": instances})
}

func (h *Handler) userRoleList(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.pathID(w, r, "memberID")
	if !ok {
		return
	}
	app := r.URL.Query().Get("app")
	model := r.URL.Query().Get("model")
	if app == "" || model == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "app and model are required")
		return
	}
	entries, err := h.service.Evaluator().UserRoleList(r.Context(), memberID, app, model)
	if err != nil {
		h.respondError(w, "user role list", err)
		return
	}
	type entry struct {
		InstanceID *int64 `json:"instance_id"`
		Action     string `json:"action"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, entry{InstanceID: instanceArg(e.Instance), Action: e.Action})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"member_id": memberID, "roles": out})
}

func (h *Handler) adminRights(w http.ResponseWriter, r *http.Request) {
	memberID, ok := h.pathID(w, r, "memberID")
	if !ok {
		return
	}
	rights, err := h.service.Admin().AllRights(r.Context(), memberID)
	if err != nil {
		h.respondError(w, "admin rights", err)
		return
	}
	trees, err := h.service.Admin().TreeAccess(r.Context(), memberID)
	if err != nil {
		h.respondError(w, "admin tree access", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"member_id": memberID, "roles": rights, "trees": trees})
}

type groupResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	p := shared.NewPagination(page, 50, 0)
	groups, total, err := h.service.store.ListGroups(r.Context(), p.Offset(), p.PerPage)
	if err != nil {
		h.respondError(w, "list groups", err)
		return
	}
	out := make([]groupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupResponse{ID: g.ID, Name: g.Name(), Description: g.Description})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"groups":     out,
		"pagination": shared.NewPagination(p.Page, p.PerPage, total),
	})
}

type createGroupRequest struct {
	Qualifier   string `json:"qualifier" validate:"required"`
	Item        string `json:"item" validate:"required"`
	Description string `json:"description"`
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	group, err := h.service.CreateGroup(r.Context(), actorID, req.Qualifier, req.Item, req.Description)
	if err != nil {
		h.respondError(w, "create group", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, groupResponse{ID: group.ID, Name: group.Name(), Description: group.Description})
}

func (h *Handler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteGroup(r.Context(), actorID, groupID); err != nil {
		h.respondError(w, "delete group", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) groupByName(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	qualifier, item := q.Get("qualifier"), q.Get("item")
	if qualifier == "" || item == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "qualifier and item are required")
		return
	}
	group, err := h.service.store.GroupByName(r.Context(), qualifier, item)
	if err != nil {
		h.respondError(w, "group by name", err)
		return
	}
	httpx.JSON(w, http.StatusOK, groupResponse{ID: group.ID, Name: group.Name(), Description: group.Description})
}

func (h *Handler) listGroupMembers(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	if _, err := h.service.store.GroupByID(r.Context(), groupID); err != nil {
		h.respondError(w, "list group members", err)
		return
	}
	members, err := h.service.store.MembersOfGroups(r.Context(), []int64{groupID})
	if err != nil {
		h.respondError(w, "list group members", err)
		return
	}
	out := make([]memberResponse, 0, len(members))
	for _, m := range members {
		out = append(out, memberResponse{ID: m.ID, FirstName: m.FirstName, LastName: m.LastName, Email: m.Email})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"group_id": groupID, "members": out})
}

type memberRequest struct {
	MemberID int64 `json:"member_id" validate:"required,gt=0"`
}

func (h *Handler) addGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	var req memberRequest
	if !h.decode(w, r, &req) {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.service.AddUserToGroup(r.Context(), actorID, groupID, req.MemberID); err != nil {
		h.respondError(w, "add group member", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	memberID, ok := h.pathID(w, r, "memberID")
	if !ok {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.service.RemoveUserFromGroup(r.Context(), actorID, groupID, memberID); err != nil {
		h.respondError(w, "remove group member", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addRoleRequest struct {
	App        string `json:"app" validate:"required"`
	Model      string `json:"model" validate:"required"`
	InstanceID *int64 `json:"instance_id"`
	Action     string `json:"action" validate:"required"`
	RuleType   string `json:"rule_type" validate:"required,oneof=Allow Block"`
}

func (h *Handler) addGroupRole(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	var req addRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	instance := InstanceID{}
	if req.InstanceID != nil {
		instance = Instance(*req.InstanceID)
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	role, err := h.service.AddRoleToGroup(r.Context(), actorID, groupID, req.App, req.Model, instance, req.Action, RuleType(req.RuleType))
	if err != nil {
		h.respondError(w, "add group role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"id": role.ID, "role": role.Role().String(), "rule_type": role.RuleType})
}

func (h *Handler) groupsForRole(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	if role == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role is required")
		return
	}
	rules, err := h.service.Evaluator().GroupsForRole(r.Context(), role)
	if err != nil {
		h.respondError(w, "groups for role", err)
		return
	}
	groups, err := h.service.store.GroupsByIDs(r.Context(), distinctGroupIDs(rules))
	if err != nil {
		h.respondError(w, "groups for role", err)
		return
	}
	names := make(map[int64]string, len(groups))
	for _, g := range groups {
		names[g.ID] = g.Name()
	}
	type ruleResponse struct {
		ID       int64    `json:"id"`
		GroupID  int64    `json:"group_id"`
		Group    string   `json:"group"`
		Role     string   `json:"role"`
		RuleType RuleType `json:"rule_type"`
	}
	out := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, ruleResponse{ID: rule.ID, GroupID: rule.GroupID, Group: names[rule.GroupID], Role: rule.Role().String(), RuleType: rule.RuleType})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role": role, "rules": out})
}

func (h *Handler) removeGroupRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.service.RemoveRoleFromGroup(r.Context(), actorID, roleID); err != nil {
		h.respondError(w, "remove group role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type modelDefaultRequest struct {
	App     string `json:"app" validate:"required"`
	Model   string `json:"model" validate:"required"`
	Default string `json:"default" validate:"required,oneof=Allow Block"`
}

func (h *Handler) createModelDefault(w http.ResponseWriter, r *http.Request) {
	var req modelDefaultRequest
	if !h.decode(w, r, &req) {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	md, err := h.service.CreateModelDefault(r.Context(), actorID, req.App, req.Model, RuleType(req.Default))
	if err != nil {
		h.respondError(w, "create model default", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"id": md.ID, "app": md.App, "model": md.Model, "default": md.Default})
}

type modelActionRequest struct {
	App         string `json:"app" validate:"required"`
	Model       string `json:"model" validate:"required"`
	Action      string `json:"action" validate:"required"`
	Description string `json:"description"`
}

func (h *Handler) createModelAction(w http.ResponseWriter, r *http.Request) {
	var req modelActionRequest
	if !h.decode(w, r, &req) {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	ma, err := h.service.CreateModelAction(r.Context(), actorID, req.App, req.Model, req.Action, req.Description)
	if err != nil {
		h.respondError(w, "create model action", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"id": ma.ID, "app": ma.App, "model": ma.Model, "action": ma.Action})
}

func (h *Handler) createAdminGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	group, err := h.service.CreateAdminGroup(r.Context(), actorID, req.Qualifier, req.Item, req.Description)
	if err != nil {
		h.respondError(w, "create admin group", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, groupResponse{ID: group.ID, Name: group.Name(), Description: group.Description})
}

func (h *Handler) deleteAdminGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteAdminGroup(r.Context(), actorID, groupID); err != nil {
		h.respondError(w, "delete admin group", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addAdminGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	var req memberRequest
	if !h.decode(w, r, &req) {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.service.AddUserToAdminGroup(r.Context(), actorID, groupID, req.MemberID); err != nil {
		h.respondError(w, "add admin group member", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeAdminGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	memberID, ok := h.pathID(w, r, "memberID")
	if !ok {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.service.RemoveUserFromAdminGroup(r.Context(), actorID, groupID, memberID); err != nil {
		h.respondError(w, "remove admin group member", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type adminRoleRequest struct {
	App        string `json:"app" validate:"required"`
	Model      string `json:"model" validate:"required"`
	InstanceID *int64 `json:"instance_id"`
}

func (h *Handler) addAdminGroupRole(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	var req adminRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	instance := InstanceID{}
	if req.InstanceID != nil {
		instance = Instance(*req.InstanceID)
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	role, err := h.service.AddRoleToAdminGroup(r.Context(), actorID, groupID, req.App, req.Model, instance)
	if err != nil {
		h.respondError(w, "add admin group role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"id": role.ID, "path": role.Path().String()})
}

type adminTreeRequest struct {
	Tree string `json:"tree" validate:"required"`
}

func (h *Handler) addAdminTree(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}
	var req adminTreeRequest
	if !h.decode(w, r, &req) {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	entry, err := h.service.AddTreeToAdminGroup(r.Context(), actorID, groupID, req.Tree)
	if err != nil {
		h.respondError(w, "add admin tree", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"id": entry.ID, "tree": entry.Tree.String()})
}

func (h *Handler) decisionParams(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	memberID, err := strconv.ParseInt(r.URL.Query().Get("member_id"), 10, 64)
	if err != nil || memberID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "member_id must be a positive integer")
		return 0, "", false
	}
	role := r.URL.Query().Get("role")
	if role == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role is required")
		return 0, "", false
	}
	return memberID, role, true
}

func (h *Handler) modelParams(w http.ResponseWriter, r *http.Request) (string, string, string, bool) {
	q := r.URL.Query()
	app, model, action := q.Get("app"), q.Get("model"), q.Get("action")
	if app == "" || model == "" || action == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "app, model and action are required")
		return "", "", "", false
	}
	return app, model, action, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

// actor resolves the acting member for a mutation. Requests whose context
// carries no actor are refused: the system actor is reserved for in-process
// callers and must never be reachable from HTTP input.
func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actorID, ok := shared.ActorFromContext(r.Context())
	if !ok || actorID <= 0 {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "request carries no acting member")
		return 0, false
	}
	return actorID, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidRoleFormat), errors.Is(err, ErrInvalidAction),
		errors.Is(err, ErrDefaultNotAllow), errors.Is(err, ErrDefaultNotBlock):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrTreeDelegated):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrDefaultMissing):
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Configuration Error", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
