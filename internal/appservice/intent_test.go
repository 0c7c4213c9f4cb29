// SPDX-License-Identifier: AGPL-3.0-or-later

package appservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntent_CreateRoomImpersonates(t *testing.T) {
	var gotUserID, gotAuth string
	var gotBody RoomCreateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_matrix/client/v3/createRoom", r.URL.Path)
		gotUserID = r.URL.Query().Get("user_id")
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"room_id":"!new:example.com"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "as-secret", zerolog.Nop())
	intent := client.Intent("@twitter_123:example.com")

	roomID, err := intent.CreateRoom(context.Background(), RoomCreateRequest{
		Name:     "Bob",
		IsDirect: true,
		Invite:   []string{"@alice:example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "!new:example.com", roomID)
	assert.Equal(t, "@twitter_123:example.com", gotUserID)
	assert.Equal(t, "Bearer as-secret", gotAuth)
	assert.True(t, gotBody.IsDirect)
}

func TestIntent_EnsureRegistered_UserInUseIsFine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "m.login.application_service", body["type"])
		assert.Equal(t, "twitter_123", body["username"])
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errcode":"M_USER_IN_USE","error":"taken"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "as-secret", zerolog.Nop())
	err := client.Intent("@twitter_123:example.com").EnsureRegistered(context.Background())
	require.NoError(t, err)
}

func TestIntent_SendText_RetriesOn502(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"event_id":"$sent"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "as-secret", zerolog.Nop())
	eventID, err := client.Intent("").SendText(context.Background(), "!r:example.com", "hi")
	require.NoError(t, err)
	assert.Equal(t, "$sent", eventID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIntent_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"no"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "as-secret", zerolog.Nop())
	_, err := client.Intent("").SendText(context.Background(), "!r:example.com", "hi")
	require.Error(t, err)

	var mxErr *MatrixError
	require.ErrorAs(t, err, &mxErr)
	assert.Equal(t, "M_FORBIDDEN", mxErr.Code)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}
