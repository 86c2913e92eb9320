package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccessInEnglish(t *testing.T) {
	eval, store := newTestEvaluator(t)
	store.addMember(t, 10, "Betty", "Bridge")

	pub := store.addGroup(t, "rbac.abf.public", testEveryoneID)
	store.addRule(t, pub.ID, "forums.forum.view", Allow)

	own := store.addGroup(t, "rbac.abf.own", 10)
	store.addRule(t, own.ID, "payments.global.all", Allow)
	store.addRule(t, own.ID, "events.org.17.edit", Allow)
	store.addRule(t, own.ID, "forums.forum.5.view", Block)

	lines, err := eval.AccessInEnglish(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, lines, 4)

	// Everyone's rules come first.
	require.Equal(t, "Everyone can view in every forum in the application 'forums'.", lines[0])
	require.Contains(t, lines, "Betty can do everything in global payments.")
	require.Contains(t, lines, "Betty can create and run congresses for organisation 17.")
	require.Contains(t, lines, "Betty cannot view in forum no. 5 in the application 'forums'.")
}

func TestAccessInEnglishUnknownMember(t *testing.T) {
	eval, _ := newTestEvaluator(t)

	_, err := eval.AccessInEnglish(context.Background(), 404)
	require.ErrorIs(t, err, ErrNotFound)
}
