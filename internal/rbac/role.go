package rbac

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// RuleType decides whether a rule grants or denies access.
type RuleType string

const (
	// Allow grants access when the rule matches.
	Allow RuleType = "Allow"
	// Block denies access when the rule matches.
	Block RuleType = "Block"
)

// ActionAll is the wildcard action that matches every action for its target.
const ActionAll = "all"

// ErrInvalidRoleFormat indicates a role string that is not 3 or 4 dot-separated segments.
var ErrInvalidRoleFormat = errors.New("rbac: invalid role format")

// ParseRuleType converts a stored string into a RuleType.
func ParseRuleType(s string) (RuleType, error) {
	switch RuleType(s) {
	case Allow:
		return Allow, nil
	case Block:
		return Block, nil
	}
	return "", fmt.Errorf("rbac: unknown rule type %q", s)
}

// InstanceID is an optional reference to a specific model instance.
// The zero value means the role applies to the whole model.
type InstanceID struct {
	ID    int64
	Valid bool
}

// Instance builds a valid InstanceID.
func Instance(id int64) InstanceID {
	return InstanceID{ID: id, Valid: true}
}

func (i InstanceID) String() string {
	if !i.Valid {
		return ""
	}
	return strconv.FormatInt(i.ID, 10)
}

// Role is a parsed role string: app.model[.instance].action.
type Role struct {
	App      string
	Model    string
	Instance InstanceID
	Action   string
}

// ParseRole splits a role string into its parts. Role strings always have
// exactly 3 or 4 dot-separated segments and the last segment is the action.
// A 4-segment role carries a numeric instance id as its third segment,
// e.g. forums.forum.5.view.
func ParseRole(s string) (Role, error) {
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return Role{}, fmt.Errorf("%w: %q", ErrInvalidRoleFormat, s)
		}
	}
	switch len(parts) {
	case 3:
		return Role{App: parts[0], Model: parts[1], Action: parts[2]}, nil
	case 4:
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return Role{}, fmt.Errorf("%w: %q has non-numeric instance id", ErrInvalidRoleFormat, s)
		}
		return Role{App: parts[0], Model: parts[1], Instance: Instance(id), Action: parts[3]}, nil
	}
	return Role{}, fmt.Errorf("%w: %q", ErrInvalidRoleFormat, s)
}

func (r Role) String() string {
	if r.Instance.Valid {
		return fmt.Sprintf("%s.%s.%s.%s", r.App, r.Model, r.Instance, r.Action)
	}
	return fmt.Sprintf("%s.%s.%s", r.App, r.Model, r.Action)
}

// Path returns the role without its action: app.model[.instance].
func (r Role) Path() string {
	if r.Instance.Valid {
		return fmt.Sprintf("%s.%s.%s", r.App, r.Model, r.Instance)
	}
	return fmt.Sprintf("%s.%s", r.App, r.Model)
}

// Wildcard returns the same role with the action replaced by "all".
func (r Role) Wildcard() Role {
	r.Action = ActionAll
	return r
}

// TypeLevel drops the instance id, producing the one-level-up role.
// forums.forum.5.create becomes forums.forum.create.
func (r Role) TypeLevel() Role {
	r.Instance = InstanceID{}
	return r
}

// RolePath is a role path without an action: app.model[.instance].
// Admin grants use paths rather than full roles.
type RolePath struct {
	App      string
	Model    string
	Instance InstanceID
}

// ParseRolePath splits an app.model[.instance] path.
func ParseRolePath(s string) (RolePath, error) {
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return RolePath{}, fmt.Errorf("%w: %q", ErrInvalidRoleFormat, s)
		}
	}
	switch len(parts) {
	case 2:
		return RolePath{App: parts[0], Model: parts[1]}, nil
	case 3:
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return RolePath{}, fmt.Errorf("%w: %q has non-numeric instance id", ErrInvalidRoleFormat, s)
		}
		return RolePath{App: parts[0], Model: parts[1], Instance: Instance(id)}, nil
	}
	return RolePath{}, fmt.Errorf("%w: %q", ErrInvalidRoleFormat, s)
}

func (p RolePath) String() string {
	if p.Instance.Valid {
		return fmt.Sprintf("%s.%s.%s", p.App, p.Model, p.Instance)
	}
	return fmt.Sprintf("%s.%s", p.App, p.Model)
}

// TreePath is a dot-separated hierarchical path used for group names and
// admin tree entries.
type TreePath []string

// ParseTreePath splits a dotted path into segments.
func ParseTreePath(s string) TreePath {
	if s == "" {
		return nil
	}
	return TreePath(strings.Split(s, "."))
}

func (p TreePath) String() string {
	return strings.Join(p, ".")
}

// IsPrefixOf reports whether other equals p or sits below it in the tree.
// Matching is segment-wise, so "rbac.orgs.abf" does not cover "rbac.orgs.abfx".
func (p TreePath) IsPrefixOf(other TreePath) bool {
	if len(p) == 0 || len(p) > len(other) {
		return false
	}
	for i, seg := range p {
		if other[i] != seg {
			return false
		}
	}
	return true
}

// Child appends a segment to the path.
func (p TreePath) Child(item string) TreePath {
	out := make(TreePath, 0, len(p)+1)
	out = append(out, p...)
	return append(out, item)
}
