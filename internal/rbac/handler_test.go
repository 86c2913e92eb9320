package rbac

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/clubkit/clubkit/internal/shared"
)

// testActorHeader lets handler tests pick the acting member per request,
// standing in for the auth middleware.
const testActorHeader = "X-Actor-ID"

func newTestHandler(t *testing.T) (http.Handler, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	store.addMember(t, testEveryoneID, "Everyone", "")
	svc := NewService(store, testEveryoneID, nil, ServiceConfig{})
	h := NewHandler(nil, svc)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if raw := req.Header.Get(testActorHeader); raw != "" {
				id, err := strconv.ParseInt(raw, 10, 64)
				require.NoError(t, err)
				req = req.WithContext(shared.ContextWithActor(req.Context(), id))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/rbac", h.MountRoutes)
	return r, store
}

func doJSON(t *testing.T, handler http.Handler, method, target, body string, actorID int64) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if actorID != 0 {
		req.Header.Set(testActorHeader, strconv.FormatInt(actorID, 10))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCheckEndpoint(t *testing.T) {
	handler, store := newTestHandler(t)
	store.addMember(t, 10, "Betty", "Bridge")
	store.setDefault(t, "forums", "forum", Block)
	g := store.addGroup(t, "rbac.abf.posters", 10)
	store.addRule(t, g.ID, "forums.forum.view", Allow)

	rec := doJSON(t, handler, http.MethodGet, "/rbac/check?member_id=10&role=forums.forum.view", "", 0)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		MemberID int64  `json:"member_id"`
		Role     string `json:"role"`
		Allowed  bool   `json:"allowed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(10), resp.MemberID)
	require.True(t, resp.Allowed)

	rec = doJSON(t, handler, http.MethodGet, "/rbac/check?member_id=10&role=forums.forum.create", "", 0)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Allowed)
}

func TestCheckEndpointValidation(t *testing.T) {
	handler, _ := newTestHandler(t)

	// Missing role.
	rec := doJSON(t, handler, http.MethodGet, "/rbac/check?member_id=10", "", 0)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Non-numeric member.
	rec = doJSON(t, handler, http.MethodGet, "/rbac/check?member_id=abc&role=forums.forum.view", "", 0)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed role string.
	rec = doJSON(t, handler, http.MethodGet, "/rbac/check?member_id=10&role=forums.forum", "", 0)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckEndpointMissingDefault(t *testing.T) {
	handler, store := newTestHandler(t)
	store.addMember(t, 10, "Betty", "Bridge")

	rec := doJSON(t, handler, http.MethodGet, "/rbac/check?member_id=10&role=mystery.model.view", "", 0)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestExplainEndpoint(t *testing.T) {
	handler, store := newTestHandler(t)
	store.addMember(t, 10, "Betty", "Bridge")
	store.setDefault(t, "events", "org", Block)

	rec := doJSON(t, handler, http.MethodGet, "/rbac/explain?member_id=10&role=events.org.17.edit", "", 0)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Allowed     bool   `json:"allowed"`
		Explanation string `json:"explanation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Allowed)
	require.Contains(t, resp.Explanation, "using default for events.org: Block")
}

func TestUsersWithRoleEndpoint(t *testing.T) {
	handler, store := newTestHandler(t)
	store.addMember(t, 10, "Betty", "Bridge")
	store.addMember(t, 11, "Alan", "Admin")
	g := store.addGroup(t, "rbac.abf.events", 10, 11)
	store.addRule(t, g.ID, "events.org.17.edit", Allow)

	rec := doJSON(t, handler, http.MethodGet, "/rbac/users?role=events.org.17.edit", "", 0)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Members []struct {
			ID        int64  `json:"id"`
			FirstName string `json:"first_name"`
		} `json:"members"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Members, 2)
	require.Equal(t, "Alan", resp.Members[0].FirstName)
}

func TestCreateGroupEndpoint(t *testing.T) {
	handler, store := newTestHandler(t)
	store.addMember(t, 10, "Alan", "Admin")
	store.addMember(t, 11, "Betty", "Bridge")
	admin := store.addAdminGroup(t, "admin.abf", 10)
	store.addAdminTreeEntry(t, admin.ID, "rbac.abf")

	body := `{"qualifier":"rbac.abf.clubs","item":"helpers","description":"club helpers"}`
	rec := doJSON(t, handler, http.MethodPost, "/rbac/groups", body, 10)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "rbac.abf.clubs.helpers", resp.Name)

	// Actor without tree rights over the qualifier.
	rec = doJSON(t, handler, http.MethodPost, "/rbac/groups", body, 11)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Missing required fields.
	rec = doJSON(t, handler, http.MethodPost, "/rbac/groups", `{"qualifier":"rbac.abf.clubs"}`, 10)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Broken JSON.
	rec = doJSON(t, handler, http.MethodPost, "/rbac/groups", `{"qualifier":`, 10)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddGroupRoleEndpoint(t *testing.T) {
	handler, store := newTestHandler(t)
	store.addMember(t, 10, "Alan", "Admin")
	admin := store.addAdminGroup(t, "admin.abf", 10)
	store.addAdminTreeEntry(t, admin.ID, "rbac.abf")
	store.addAdminRoleGrant(t, admin.ID, "events.org")
	group := store.addGroup(t, "rbac.abf.events")

	body := `{"app":"events","model":"org","instance_id":17,"action":"edit","rule_type":"Allow"}`
	rec := doJSON(t, handler, http.MethodPost, "/rbac/groups/"+strconv.FormatInt(group.ID, 10)+"/roles", body, 10)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Role string `json:"role"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "events.org.17.edit", resp.Role)

	// rule_type outside the enum fails validation before the service runs.
	bad := `{"app":"events","model":"org","action":"edit","rule_type":"Maybe"}`
	rec = doJSON(t, handler, http.MethodPost, "/rbac/groups/"+strconv.FormatInt(group.ID, 10)+"/roles", bad, 10)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteGroupEndpoint(t *testing.T) {
	handler, store := newTestHandler(t)
	store.addMember(t, 10, "Alan", "Admin")
	admin := store.addAdminGroup(t, "admin.abf", 10)
	store.addAdminTreeEntry(t, admin.ID, "rbac.abf")
	group := store.addGroup(t, "rbac.abf.events")

	rec := doJSON(t, handler, http.MethodDelete, "/rbac/groups/"+strconv.FormatInt(group.ID, 10), "", 10)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, handler, http.MethodDelete, "/rbac/groups/"+strconv.FormatInt(group.ID, 10), "", 10)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddAdminTreeEndpointConflict(t *testing.T) {
	handler, store := newTestHandler(t)
	store.addMember(t, 10, "Alan", "Admin")
	store.addMember(t, 11, "Betty", "Bridge")
	first := store.addAdminGroup(t, "admin.abf.one", 10)
	second := store.addAdminGroup(t, "admin.abf.two", 11)
	store.addAdminTreeEntry(t, first.ID, "rbac")
	store.addAdminTreeEntry(t, second.ID, "rbac.clubs")

	body := `{"tree":"rbac.clubs.sunshine"}`
	rec := doJSON(t, handler, http.MethodPost, "/rbac/admin/groups/"+strconv.FormatInt(first.ID, 10)+"/trees", body, 10)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Betty holds tree rights over the path through rbac.clubs, but the path
	// already belongs to the first admin group.
	rec = doJSON(t, handler, http.MethodPost, "/rbac/admin/groups/"+strconv.FormatInt(second.ID, 10)+"/trees", body, 11)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestMemberRolesEndpoint(t *testing.T) {
	handler, store := newTestHandler(t)
	store.addMember(t, 10, "Betty", "Bridge")
	g := store.addGroup(t, "rbac.abf.events", 10)
	store.addRule(t, g.ID, "events.org.17.edit", Allow)
	store.addRule(t, g.ID, "events.org.view", Allow)

	rec := doJSON(t, handler, http.MethodGet, "/rbac/members/10/roles?app=events&model=org", "", 0)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Roles []struct {
			InstanceID *int64 `json:"instance_id"`
			Action     string `json:"action"`
		} `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Roles, 2)
}

func TestMutationRequiresActor(t *testing.T) {
	handler, store := newTestHandler(t)

	// Without an actor in context no mutation may run, no matter how empty
	// the delegation tables are.
	body := `{"qualifier":"rbac.abf","item":"latecomers"}`
	rec := doJSON(t, handler, http.MethodPost, "/rbac/groups", body, 0)
	require.Equal(t, http.StatusForbidden, rec.Code)

	_, err := store.GroupByName(context.Background(), "rbac.abf", "latecomers")
	require.ErrorIs(t, err, ErrNotFound)

	rec = doJSON(t, handler, http.MethodPost, "/rbac/admin/groups", body, 0)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, handler, http.MethodDelete, "/rbac/groups/1", "", 0)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/rbac/defaults", `{"app":"forums","model":"forum","default":"Allow"}`, 0)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeleteAdminGroupEndpoint(t *testing.T) {
	handler, store := newTestHandler(t)
	store.addMember(t, 10, "Alan", "Admin")
	store.addMember(t, 11, "Betty", "Bridge")
	admin := store.addAdminGroup(t, "admin.abf", 10)
	target := "/rbac/admin/groups/" + strconv.FormatInt(admin.ID, 10)

	// Only members of the admin group may remove it.
	rec := doJSON(t, handler, http.MethodDelete, target, "", 11)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, handler, http.MethodDelete, target, "", 10)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, handler, http.MethodDelete, target, "", 10)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGroupLookupEndpoint(t *testing.T) {
	handler, store := newTestHandler(t)
	group := store.addGroup(t, "rbac.abf.payments")

	rec := doJSON(t, handler, http.MethodGet, "/rbac/groups/lookup?qualifier=rbac.abf&item=payments", "", 0)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, group.ID, resp.ID)
	require.Equal(t, "rbac.abf.payments", resp.Name)

	rec = doJSON(t, handler, http.MethodGet, "/rbac/groups/lookup?qualifier=rbac.abf&item=nope", "", 0)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/rbac/groups/lookup?qualifier=rbac.abf", "", 0)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListGroupMembersEndpoint(t *testing.T) {
	handler, store := newTestHandler(t)
	store.addMember(t, 10, "Betty", "Bridge")
	store.addMember(t, 11, "Alan", "Admin")
	group := store.addGroup(t, "rbac.abf.events", 10, 11)

	rec := doJSON(t, handler, http.MethodGet, "/rbac/groups/"+strconv.FormatInt(group.ID, 10)+"/members", "", 0)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Members []struct {
			ID int64 `json:"id"`
		} `json:"members"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Members, 2)

	rec = doJSON(t, handler, http.MethodGet, "/rbac/groups/999/members", "", 0)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGroupsForRoleEndpoint(t *testing.T) {
	handler, store := newTestHandler(t)
	store.addMember(t, 10, "Betty", "Bridge")
	g := store.addGroup(t, "rbac.abf.events", 10)
	store.addRule(t, g.ID, "events.org.17.edit", Allow)
	store.addRule(t, g.ID, "events.org.21.edit", Allow)

	rec := doJSON(t, handler, http.MethodGet, "/rbac/roles?role=events.org.17.edit", "", 0)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Rules []struct {
			GroupID int64  `json:"group_id"`
			Group   string `json:"group"`
			Role    string `json:"role"`
		} `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Rules, 1)
	require.Equal(t, g.ID, resp.Rules[0].GroupID)
	require.Equal(t, "rbac.abf.events", resp.Rules[0].Group)
}

func TestAccessEndpointUnknownMember(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/rbac/members/404/access", "", 0)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
