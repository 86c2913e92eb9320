package rbac

import (
	"context"
	"fmt"
)

// describeOverride produces an app-specific sentence for a rule, or "" to use
// the generic phrasing. Keyed by app.model so new special cases stay data.
var describeOverride = map[string]func(name, verb, action string, r GroupRole) string{
	"payments.global": func(name, verb, action string, r GroupRole) string {
		return fmt.Sprintf("%s %s %s in global payments.", name, verb, action)
	},
	"events.org": func(name, verb, action string, r GroupRole) string {
		if r.Instance.Valid {
			return fmt.Sprintf("%s %s create and run congresses for organisation %d.", name, verb, r.Instance.ID)
		}
		return fmt.Sprintf("%s %s create and run congresses for all organisations.", name, verb)
	},
	"events.global": func(name, verb, action string, r GroupRole) string {
		return fmt.Sprintf("%s %s manage global settings for events such as creating new types of congress.", name, verb)
	},
}

// AccessInEnglish describes the member's access in plain English: first the
// rules everyone holds, then the member's own.
func (e *Evaluator) AccessInEnglish(ctx context.Context, memberID int64) ([]string, error) {
	everyone, err := e.accessInEnglishFor(ctx, e.everyone, "Everyone")
	if err != nil {
		return nil, err
	}
	member, err := e.store.Member(ctx, memberID)
	if err != nil {
		return nil, err
	}
	name := member.FirstName
	if name == "" {
		name = fmt.Sprintf("Member %d", memberID)
	}
	own, err := e.accessInEnglishFor(ctx, memberID, name)
	if err != nil {
		return nil, err
	}
	return append(everyone, own...), nil
}

func (e *Evaluator) accessInEnglishFor(ctx context.Context, memberID int64, name string) ([]string, error) {
	groups, err := e.store.GroupIDsForMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, nil
	}
	rules, err := e.store.RolesForGroups(ctx, groups)
	if err != nil {
		return nil, err
	}

	sentences := make([]string, 0, len(rules))
	for _, r := range rules {
		verb := "can"
		if r.RuleType == Block {
			verb = "cannot"
		}
		action := r.Action
		if action == ActionAll {
			action = "do everything"
		}

		if override, ok := describeOverride[r.App+"."+r.Model]; ok {
			sentences = append(sentences, override(name, verb, action, r))
			continue
		}
		if r.Instance.Valid {
			sentences = append(sentences, fmt.Sprintf("%s %s %s in %s no. %d in the application '%s'.", name, verb, action, r.Model, r.Instance.ID, r.App))
		} else {
			sentences = append(sentences, fmt.Sprintf("%s %s %s in every %s in the application '%s'.", name, verb, action, r.Model, r.App))
		}
	}
	return sentences, nil
}
