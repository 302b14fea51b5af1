package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserManagerBind(t *testing.T) {
	router := newFakeRouter()
	m := NewUserManager("ChatServer1", router)
	ctx := context.Background()

	sess := &Session{}
	prev := m.Bind(ctx, 42, sess)
	assert.Nil(t, prev)
	assert.Equal(t, int64(42), sess.UID())
	assert.Equal(t, "ChatServer1", router.owner(42))

	got, ok := m.Get(42)
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Equal(t, 1, m.Count())
}

func TestUserManagerRebindReturnsDisplacedSession(t *testing.T) {
	router := newFakeRouter()
	m := NewUserManager("ChatServer1", router)
	ctx := context.Background()

	first := &Session{}
	second := &Session{}
	m.Bind(ctx, 42, first)

	prev := m.Bind(ctx, 42, second)
	assert.Same(t, first, prev)

	got, _ := m.Get(42)
	assert.Same(t, second, got)

	// Rebinding the same session is not a displacement.
	assert.Nil(t, m.Bind(ctx, 42, second))
}

func TestUserManagerStaleUnbindIsNoop(t *testing.T) {
	router := newFakeRouter()
	m := NewUserManager("ChatServer1", router)
	ctx := context.Background()

	first := &Session{}
	second := &Session{}
	m.Bind(ctx, 42, first)
	m.Bind(ctx, 42, second)

	// The kicked session closes late; it must not evict its successor.
	m.Unbind(ctx, 42, first)
	got, ok := m.Get(42)
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, "ChatServer1", router.owner(42))

	m.Unbind(ctx, 42, second)
	_, ok = m.Get(42)
	assert.False(t, ok)
	assert.Equal(t, "", router.owner(42))
}
