package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestStore opens an in-memory SQLite store with a single pooled
// handle (each handle owns its own :memory: database, so the pool must not
// fan out in tests).
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Driver:   DriverSQLite,
		DSN:      ":memory:",
		PoolSize: 1,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestRegisterAndAuthenticate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	uid, err := s.RegisterUser(ctx, "alice", "alice@example.com", "s3cret")
	require.NoError(t, err)
	require.Greater(t, uid, int64(0))

	t.Run("duplicate name rejected", func(t *testing.T) {
		_, err := s.RegisterUser(ctx, "alice", "other@example.com", "x")
		assert.ErrorIs(t, err, ErrDuplicateUser)
	})

	t.Run("duplicate email rejected", func(t *testing.T) {
		_, err := s.RegisterUser(ctx, "alice2", "alice@example.com", "x")
		assert.ErrorIs(t, err, ErrDuplicateUser)
	})

	t.Run("check password", func(t *testing.T) {
		user, err := s.CheckPassword(ctx, "alice@example.com", "s3cret")
		require.NoError(t, err)
		assert.Equal(t, uid, user.UID)
		assert.Equal(t, "alice", user.Name)

		_, err = s.CheckPassword(ctx, "alice@example.com", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		_, err = s.CheckPassword(ctx, "nobody@example.com", "s3cret")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("check email", func(t *testing.T) {
		assert.NoError(t, s.CheckEmail(ctx, "alice", "alice@example.com"))
		assert.ErrorIs(t, s.CheckEmail(ctx, "alice", "bob@example.com"), ErrEmailMismatch)
		assert.ErrorIs(t, s.CheckEmail(ctx, "ghost", "alice@example.com"), ErrUserNotFound)
	})

	t.Run("update password", func(t *testing.T) {
		require.NoError(t, s.UpdatePassword(ctx, "alice@example.com", "newpass"))

		_, err := s.CheckPassword(ctx, "alice@example.com", "s3cret")
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		user, err := s.CheckPassword(ctx, "alice@example.com", "newpass")
		require.NoError(t, err)
		assert.Equal(t, uid, user.UID)

		assert.ErrorIs(t, s.UpdatePassword(ctx, "nobody@example.com", "x"), ErrUserNotFound)
	})
}

func TestLookup(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	uid, err := s.RegisterUser(ctx, "bob", "bob@example.com", "pw")
	require.NoError(t, err)

	byUID, err := s.GetUserByUID(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, "bob", byUID.Name)

	byName, err := s.GetUserByName(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, uid, byName.UID)

	_, err = s.GetUserByUID(ctx, 99999)
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = s.GetUserByName(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestFriendApplyFlow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	alice, err := s.RegisterUser(ctx, "alice", "alice@example.com", "pw")
	require.NoError(t, err)
	bob, err := s.RegisterUser(ctx, "bob", "bob@example.com", "pw")
	require.NoError(t, err)

	require.NoError(t, s.AddFriendApply(ctx, alice, bob, 50))

	t.Run("pending pair is unique, either direction", func(t *testing.T) {
		assert.ErrorIs(t, s.AddFriendApply(ctx, alice, bob, 50), ErrApplyExists)
		assert.ErrorIs(t, s.AddFriendApply(ctx, bob, alice, 50), ErrApplyExists)
	})

	t.Run("apply list carries sender profile", func(t *testing.T) {
		list, err := s.GetApplyList(ctx, bob, 0, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, alice, list[0].FromUID)
		assert.Equal(t, "alice", list[0].Name)
		assert.Equal(t, ApplyPending, list[0].Status)
	})

	t.Run("confirm persists friendship both ways", func(t *testing.T) {
		require.NoError(t, s.ConfirmFriendApply(ctx, alice, bob, "ally"))

		bobFriends, err := s.GetFriendList(ctx, bob)
		require.NoError(t, err)
		require.Len(t, bobFriends, 1)
		assert.Equal(t, alice, bobFriends[0].UID)

		aliceFriends, err := s.GetFriendList(ctx, alice)
		require.NoError(t, err)
		require.Len(t, aliceFriends, 1)
		assert.Equal(t, bob, aliceFriends[0].UID)
	})

	t.Run("confirm is not repeatable", func(t *testing.T) {
		assert.ErrorIs(t, s.ConfirmFriendApply(ctx, alice, bob, ""), ErrApplyNotFound)
	})

	t.Run("accepted pair can apply again", func(t *testing.T) {
		// The pending-pair invariant only covers Pending rows.
		assert.NoError(t, s.AddFriendApply(ctx, alice, bob, 50))
	})
}

func TestFriendApplyCap(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	sender, err := s.RegisterUser(ctx, "spammer", "spam@example.com", "pw")
	require.NoError(t, err)

	const limit = 3
	for i := 0; i < limit; i++ {
		target, err := s.RegisterUser(ctx, "t"+string(rune('a'+i)), "t"+string(rune('a'+i))+"@example.com", "pw")
		require.NoError(t, err)
		require.NoError(t, s.AddFriendApply(ctx, sender, target, limit))
	}

	extra, err := s.RegisterUser(ctx, "extra", "extra@example.com", "pw")
	require.NoError(t, err)
	assert.ErrorIs(t, s.AddFriendApply(ctx, sender, extra, limit), ErrApplyLimit)
}

func TestOfflineMessages(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveOfflineMessage(ctx, 1, 2, "first"))
	require.NoError(t, s.SaveOfflineMessage(ctx, 1, 2, "second"))
	require.NoError(t, s.SaveOfflineMessage(ctx, 1, 3, "other user"))

	msgs, err := s.TakeOfflineMessages(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Body)
	assert.Equal(t, "second", msgs[1].Body)

	// Taken messages are marked delivered.
	msgs, err = s.TakeOfflineMessages(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = s.TakeOfflineMessages(ctx, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "other user", msgs[0].Body)
}
