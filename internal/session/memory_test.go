package session

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errUtils "github.com/apexion-ai/chatcore/errors"
)

func TestMemoryStore_ContextIsCopied(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := NewContext("s1", time.Now())
	c.ActiveMessageIDs = append(c.ActiveMessageIDs, "m1")
	require.NoError(t, store.UpsertContext(ctx, c))

	c.ActiveMessageIDs[0] = "mutated"
	got, err := store.GetContext(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, got.ActiveMessageIDs)

	require.NoError(t, store.DeleteContext(ctx, "s1"))
	_, err = store.GetContext(ctx, "s1")
	assert.True(t, errors.Is(err, errUtils.ErrContextNotFound))
}

func TestMemoryStore_Messages(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	a := NewMessage("s1", RoleUser, "a", base)
	b := NewMessage("s1", RoleAssistant, "b", base.Add(time.Millisecond))
	c := NewMessage("s2", RoleUser, "c", base)
	require.NoError(t, store.InsertBatch(ctx, []*Message{b, a, c}))

	require.Error(t, store.InsertBatch(ctx, []*Message{a}))

	got, err := store.SelectByIDs(ctx, []string{b.ID, a.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Content)

	all := store.SessionMessages("s1")
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)

	require.NoError(t, store.DeleteBySession(ctx, "s1"))
	assert.Empty(t, store.SessionMessages("s1"))
	assert.Len(t, store.SessionMessages("s2"), 1)
}
