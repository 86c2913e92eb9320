package rbac

import (
	"fmt"
	"time"
)

// Group bundles role rules. Members of a group inherit every rule it holds.
// Groups are addressed by a hierarchical dotted name: qualifier + "." + item.
type Group struct {
	ID          int64
	Qualifier   string
	Item        string
	Description string
	CreatedAt   time.Time
	CreatedBy   int64
}

// Name returns the full dotted name of the group.
func (g Group) Name() string {
	return g.Qualifier + "." + g.Item
}

// Path returns the group name as a tree path.
func (g Group) Path() TreePath {
	return ParseTreePath(g.Name())
}

// GroupRole maps a group to a role with an Allow or Block rule.
type GroupRole struct {
	ID       int64
	GroupID  int64
	App      string
	Model    string
	Instance InstanceID
	Action   string
	RuleType RuleType
}

// Role returns the rule target as a Role value.
func (gr GroupRole) Role() Role {
	return Role{App: gr.App, Model: gr.Model, Instance: gr.Instance, Action: gr.Action}
}

func (gr GroupRole) String() string {
	return fmt.Sprintf("[id=%d] %s %s", gr.ID, gr.Role(), gr.RuleType)
}

// ModelDefault is the fallback behaviour for an app.model pair when no rule
// matches. Every pair that gets checked must have exactly one default row.
type ModelDefault struct {
	ID      int64
	App     string
	Model   string
	Default RuleType
}

// ModelAction catalogues a valid action for an app.model pair.
type ModelAction struct {
	ID          int64
	App         string
	Model       string
	Action      string
	Description string
}

// Member is a principal whose permissions are evaluated. A distinguished
// "everyone" member carries rules that apply to all principals.
type Member struct {
	ID        int64
	FirstName string
	LastName  string
	Email     string
}

// AdminGroup delegates the right to administer groups and rules. It is never
// consulted for runtime permission checks.
type AdminGroup struct {
	ID          int64
	Qualifier   string
	Item        string
	Description string
	CreatedAt   time.Time
	CreatedBy   int64
}

// Name returns the full dotted name of the admin group.
func (g AdminGroup) Name() string {
	return g.Qualifier + "." + g.Item
}

// AdminGroupRole lets members of an admin group manage rules for an
// app.model[.instance] target. Administering is binary, so there is no
// rule type here.
type AdminGroupRole struct {
	ID       int64
	GroupID  int64
	App      string
	Model    string
	Instance InstanceID
}

// Path returns the managed target as a role path.
func (r AdminGroupRole) Path() RolePath {
	return RolePath{App: r.App, Model: r.Model, Instance: r.Instance}
}

// AdminTreeEntry lets members of an admin group administer every group whose
// name equals the tree path or sits below it.
type AdminTreeEntry struct {
	ID      int64
	GroupID int64
	Tree    TreePath
}
