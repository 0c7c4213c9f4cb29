// SPDX-License-Identifier: AGPL-3.0-or-later

package twitter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		BaseURL:        srv.URL,
		Logger:         zerolog.Nop(),
		RequestsPerSec: 1000, // don't throttle tests
	})
}

func TestGetUserIdentifier_SendsCookiePair(t *testing.T) {
	var gotAuth, gotCSRF, gotHeader string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/account/verify_credentials.json", r.URL.Path)
		if ck, err := r.Cookie("auth_token"); err == nil {
			gotAuth = ck.Value
		}
		if ck, err := r.Cookie("ct0"); err == nil {
			gotCSRF = ck.Value
		}
		gotHeader = r.Header.Get("X-Csrf-Token")
		_, _ = w.Write([]byte(`{"id": 12345, "id_str": "12345"}`))
	}))
	c.SetTokens("auth-1", "csrf-1")

	id, err := c.GetUserIdentifier(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12345), id)
	assert.Equal(t, "auth-1", gotAuth)
	assert.Equal(t, "csrf-1", gotCSRF)
	assert.Equal(t, "csrf-1", gotHeader)
}

func TestGetUserIdentifier_UnauthorizedMapsToNotLoggedIn(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"code":32,"message":"Could not authenticate you."}]}`))
	}))
	c.SetTokens("dead", "dead")

	_, err := c.GetUserIdentifier(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotLoggedIn))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 32, apiErr.Code)
	assert.True(t, apiErr.Unauthorized())
	assert.False(t, apiErr.Retryable())
}

func TestDo_RotatesCSRFFromSetCookie(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "ct0", Value: "csrf-2"})
		_, _ = w.Write([]byte(`{"screen_name":"alice"}`))
	}))
	c.SetTokens("auth-1", "csrf-1")

	settings, err := c.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", settings.ScreenName)

	_, csrf := c.Tokens()
	assert.Equal(t, "csrf-2", csrf, "rotated CSRF cookie must replace the stored one")
}

func TestLookupUsers(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users/lookup.json", r.URL.Path)
		require.Equal(t, "alice,bob", r.URL.Query().Get("screen_name"))
		_, _ = w.Write([]byte(`[
			{"id_str":"1","id":1,"name":"Alice","screen_name":"alice"},
			{"id":"2","name":"Bob","screen_name":"bob"}
		]`))
	}))

	users, err := c.LookupUsers(context.Background(), []string{"alice", "bob"})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, ID(1), users[0].ID)
	assert.Equal(t, ID(2), users[1].ID, "string-typed ids must parse")
}

func TestSendMessage_ReturnsRequestID(t *testing.T) {
	var gotRequestID string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/dm/new2.json", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "12345-67890", r.PostForm.Get("conversation_id"))
		require.Equal(t, "hello", r.PostForm.Get("text"))
		gotRequestID = r.PostForm.Get("request_id")
		_, _ = w.Write([]byte(`{}`))
	}))

	reqID, err := c.SendMessage(context.Background(), "12345-67890", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, reqID)
	assert.Equal(t, gotRequestID, reqID)
}

func TestSendRemoveReaction_WireFormat(t *testing.T) {
	var paths []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "12345-67890", r.PostForm.Get("conversation_id"))
		require.Equal(t, "1111", r.PostForm.Get("message_id"))
		require.Equal(t, "emoji", r.PostForm.Get("reaction_key"))
		require.Equal(t, "❤", r.PostForm.Get("emoji_reaction"))
		_, _ = w.Write([]byte(`{}`))
	}))

	require.NoError(t, c.SendReaction(context.Background(), "12345-67890", 1111, "❤"))
	require.NoError(t, c.RemoveReaction(context.Background(), "12345-67890", 1111, "❤"))
	assert.Equal(t, []string{"/dm/reaction/new.json", "/dm/reaction/delete.json"}, paths)
}

func TestMarkRead_WireFormat(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/dm/conversation/12345-67890/mark_read.json", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "2222", r.PostForm.Get("last_read_event_id"))
		_, _ = w.Write([]byte(`{}`))
	}))

	require.NoError(t, c.MarkRead(context.Background(), "12345-67890", 2222))
}

func TestPollOnce_InitialStateThenUpdates(t *testing.T) {
	initial := `{"inbox_initial_state":{
		"cursor":"cur-1",
		"entries":[],
		"users":{},
		"conversations":{}
	}}`
	updates := `{"user_events":{
		"cursor":"cur-2",
		"entries":[
			{"reaction_create":{"id":"30","time":"1700000000300","conversation_id":"c1","message_id":"20","sender_id":"2","emoji_reaction":"❤"}},
			{"message":{"id":"20","time":"1700000000200","request_id":"","conversation_id":"c1",
				"message_data":{"id":"20","time":"1700000000200","sender_id":"2","text":"hi"}}}
		],
		"users":{"2":{"id":"2","name":"Bob","screen_name":"bob"}},
		"conversations":{"c1":{"conversation_id":"c1","type":"ONE_TO_ONE"}}
	}}`

	var paths []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/dm/inbox_initial_state.json":
			_, _ = w.Write([]byte(initial))
		case "/dm/user_updates.json":
			require.Equal(t, "cur-1", r.URL.Query().Get("cursor"))
			_, _ = w.Write([]byte(updates))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	var order []string
	c.SetHandlers(Handlers{
		Conversation: func(conv Conversation) {
			order = append(order, "conv:"+conv.ConversationID)
		},
		User: func(u User) {
			order = append(order, "user:"+u.ScreenName)
		},
		Message: func(m MessageEntry) {
			order = append(order, "msg:"+m.MessageData.Text)
			require.NotNil(t, m.Conversation, "inlined conversation must be attached")
			require.Equal(t, ConversationOneToOne, m.Conversation.Type)
		},
		ReactionCreate: func(r ReactionCreateEntry) {
			order = append(order, "react:"+r.EmojiReaction)
		},
	})

	require.NoError(t, c.pollOnce(context.Background()))
	assert.Equal(t, "cur-1", c.PollCursor())

	require.NoError(t, c.pollOnce(context.Background()))
	assert.Equal(t, "cur-2", c.PollCursor())

	// Entries are replayed in id order regardless of wire order.
	assert.Equal(t, []string{"conv:c1", "user:bob", "msg:hi", "react:❤"}, order)
	assert.Equal(t, []string{"/dm/inbox_initial_state.json", "/dm/user_updates.json"}, paths)
}

func TestStartStop_Idempotent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"inbox_initial_state":{"cursor":"x"}}`))
	}))
	c.Start(PollerConfig{Interval: time.Hour})
	c.Start(PollerConfig{Interval: time.Hour}) // second Start is a no-op

	require.True(t, c.Polling())
	c.Stop()
	require.False(t, c.Polling())
	c.Stop() // second Stop is a no-op
}

func TestStartStop_Concurrent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"inbox_initial_state":{"cursor":"x"}}`))
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Start(PollerConfig{Interval: time.Hour})
		}()
		go func() {
			defer wg.Done()
			c.Stop()
		}()
	}
	wg.Wait()

	c.Stop()
	require.False(t, c.Polling())
}
