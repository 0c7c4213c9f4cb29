// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	backends := map[string]Store{}

	mem := NewMemoryStore()
	backends["memory"] = mem

	sq, err := NewSqliteStore(filepath.Join(dir, "bridge.db"))
	require.NoError(t, err)
	backends["sqlite"] = sq

	bg, err := OpenBadgerStore(filepath.Join(dir, "badger"))
	require.NoError(t, err)
	backends["badger"] = bg

	t.Cleanup(func() {
		for _, s := range backends {
			_ = s.Close()
		}
	})
	return backends
}

func TestStore_UserRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.GetUserByMXID(ctx, "@nobody:example.com")
			require.NoError(t, err)
			require.Nil(t, got, "missing user must be (nil, nil)")

			u := &User{
				MXID:       "@alice:example.com",
				TwitterID:  12345,
				AuthToken:  "at",
				CSRFToken:  "ct",
				PollCursor: "cursor-1",
			}
			require.NoError(t, s.PutUser(ctx, u))

			byMXID, err := s.GetUserByMXID(ctx, u.MXID)
			require.NoError(t, err)
			if diff := cmp.Diff(u, byMXID); diff != "" {
				t.Errorf("user mismatch (-want +got):\n%s", diff)
			}

			byTwid, err := s.GetUserByTwitterID(ctx, 12345)
			require.NoError(t, err)
			require.NotNil(t, byTwid)
			require.Equal(t, u.MXID, byTwid.MXID)
		})
	}
}

func TestStore_LogoutClearsLoggedInSet(t *testing.T) {
	ctx := context.Background()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			u := &User{MXID: "@bob:example.com", TwitterID: 99, AuthToken: "tok"}
			require.NoError(t, s.PutUser(ctx, u))

			logged, err := s.AllLoggedInUsers(ctx)
			require.NoError(t, err)
			require.Len(t, logged, 1)

			// Logout: twid, tokens and cursor cleared in one write.
			u.TwitterID = 0
			u.AuthToken = ""
			u.CSRFToken = ""
			u.PollCursor = ""
			require.NoError(t, s.PutUser(ctx, u))

			logged, err = s.AllLoggedInUsers(ctx)
			require.NoError(t, err)
			require.Empty(t, logged)

			stale, err := s.GetUserByTwitterID(ctx, 99)
			require.NoError(t, err)
			require.Nil(t, stale, "twid lookup must not resolve after logout")
		})
	}
}

func TestStore_PortalRoundTrip(t *testing.T) {
	ctx := context.Background()
	key := PortalKey{ConversationID: "12345-67890", Receiver: 12345}
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			p := &Portal{Key: key, ConvType: "one_to_one", Name: "Bob"}
			require.NoError(t, s.PutPortal(ctx, p))

			got, err := s.GetPortal(ctx, key)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, "one_to_one", got.ConvType)
			require.Empty(t, got.MXID)

			// Room creation updates the same row and the room index.
			p.MXID = "!room:example.com"
			require.NoError(t, s.PutPortal(ctx, p))

			byRoom, err := s.GetPortalByMXID(ctx, "!room:example.com")
			require.NoError(t, err)
			require.NotNil(t, byRoom)
			require.Equal(t, key, byRoom.Key)

			none, err := s.GetPortalByMXID(ctx, "")
			require.NoError(t, err)
			require.Nil(t, none, "empty room id must not match unbridged portals")
		})
	}
}

func TestStore_MessageDedupLookup(t *testing.T) {
	ctx := context.Background()
	key := PortalKey{ConversationID: "12345-67890", Receiver: 12345}
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			m := &Message{Key: key, TwitterID: 1111, MXID: "$evt1", Sender: 67890, TimestampMS: 1700000000000}
			require.NoError(t, s.PutMessage(ctx, m))

			got, err := s.GetMessage(ctx, key, 1111)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, "$evt1", got.MXID)

			byEvent, err := s.GetMessageByMXID(ctx, "$evt1")
			require.NoError(t, err)
			require.NotNil(t, byEvent)
			require.Equal(t, int64(1111), byEvent.TwitterID)
		})
	}
}

func TestStore_ReactionLifecycle(t *testing.T) {
	ctx := context.Background()
	key := PortalKey{ConversationID: "12345-67890", Receiver: 12345}
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			r := &Reaction{Key: key, MessageID: 1111, Sender: 67890, Emoji: "❤", MXID: "$react1"}
			require.NoError(t, s.PutReaction(ctx, r))

			got, err := s.GetReaction(ctx, key, 1111, 67890)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, "❤", got.Emoji)

			require.NoError(t, s.DeleteReaction(ctx, key, 1111, 67890))
			gone, err := s.GetReaction(ctx, key, 1111, 67890)
			require.NoError(t, err)
			require.Nil(t, gone)

			// Deleting an absent reaction is a no-op.
			require.NoError(t, s.DeleteReaction(ctx, key, 1111, 67890))
		})
	}
}

func TestStore_ReactionEventLookup(t *testing.T) {
	ctx := context.Background()
	key := PortalKey{ConversationID: "12345-67890", Receiver: 12345}
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			none, err := s.GetReactionByMXID(ctx, "$missing")
			require.NoError(t, err)
			require.Nil(t, none)

			r := &Reaction{Key: key, MessageID: 1111, Sender: 12345, Emoji: "👍", MXID: "$react1"}
			require.NoError(t, s.PutReaction(ctx, r))

			got, err := s.GetReactionByMXID(ctx, "$react1")
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, int64(1111), got.MessageID)
			require.Equal(t, "👍", got.Emoji)

			// Re-reacting replaces the row; the old event id must stop resolving.
			r.Emoji = "🔥"
			r.MXID = "$react2"
			require.NoError(t, s.PutReaction(ctx, r))

			stale, err := s.GetReactionByMXID(ctx, "$react1")
			require.NoError(t, err)
			require.Nil(t, stale)

			fresh, err := s.GetReactionByMXID(ctx, "$react2")
			require.NoError(t, err)
			require.NotNil(t, fresh)
			require.Equal(t, "🔥", fresh.Emoji)

			require.NoError(t, s.DeleteReaction(ctx, key, 1111, 12345))
			gone, err := s.GetReactionByMXID(ctx, "$react2")
			require.NoError(t, err)
			require.Nil(t, gone, "event lookup must not resolve after delete")
		})
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("etcd", "")
	require.Error(t, err)
}

func TestOpen_DefaultsToSqlite(t *testing.T) {
	s, err := Open("", filepath.Join(t.TempDir(), "default.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	_, ok := s.(*SqliteStore)
	require.True(t, ok)
}
