// SPDX-License-Identifier: AGPL-3.0-or-later

package appservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client is a minimal Matrix client-server API client authenticated with the
// appservice token.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   zerolog.Logger
}

// NewClient creates a client for the homeserver at base using the as_token.
func NewClient(base, asToken string, logger zerolog.Logger) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: asToken,
		http:  &http.Client{Timeout: 30 * time.Second},
		log:   logger,
	}
}

// Intent performs requests impersonating the given user via the appservice
// user_id query parameter. An empty userID acts as the bridge bot.
func (c *Client) Intent(userID string) *Intent {
	return &Intent{client: c, UserID: userID}
}

// Intent is a Matrix API handle bound to one (ghost or bot) user.
type Intent struct {
	client *Client
	UserID string
}

// MatrixError is an error response from the homeserver.
type MatrixError struct {
	StatusCode int
	Code       string `json:"errcode"`
	Message    string `json:"error"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path, impersonate string, body, out any) error {
	u := c.base + path
	if impersonate != "" {
		u += "?user_id=" + url.QueryEscape(impersonate)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	// Retry transient homeserver trouble; give up fast on client errors.
	op := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		res, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = res.Body.Close() }()

		if res.StatusCode >= 400 {
			mxErr := &MatrixError{StatusCode: res.StatusCode}
			_ = json.NewDecoder(res.Body).Decode(mxErr)
			if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
				return mxErr
			}
			return backoff.Permanent(mxErr)
		}
		if out != nil {
			if err := json.NewDecoder(res.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("matrix: decode %s: %w", path, err))
			}
		} else {
			_, _ = io.Copy(io.Discard, res.Body)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxElapsedTime(30*time.Second),
	), ctx)
	return backoff.Retry(op, bo)
}

// EnsureRegistered registers the ghost account, ignoring "already in use".
func (i *Intent) EnsureRegistered(ctx context.Context) error {
	localpart := i.UserID
	if idx := strings.IndexByte(localpart, ':'); idx > 0 {
		localpart = localpart[:idx]
	}
	localpart = strings.TrimPrefix(localpart, "@")

	body := map[string]any{
		"type":     "m.login.application_service",
		"username": localpart,
	}
	err := i.client.do(ctx, http.MethodPost, "/_matrix/client/v3/register", "", body, nil)
	var mxErr *MatrixError
	if asMatrixError(err, &mxErr) && mxErr.Code == "M_USER_IN_USE" {
		return nil
	}
	return err
}

// RoomCreateRequest describes the portal room to create.
type RoomCreateRequest struct {
	Name     string   `json:"name,omitempty"`
	Topic    string   `json:"topic,omitempty"`
	IsDirect bool     `json:"is_direct"`
	Preset   string   `json:"preset,omitempty"`
	Invite   []string `json:"invite,omitempty"`
}

// CreateRoom creates a room as the intent's user and returns the room ID.
func (i *Intent) CreateRoom(ctx context.Context, req RoomCreateRequest) (string, error) {
	var res struct {
		RoomID string `json:"room_id"`
	}
	if err := i.client.do(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", i.UserID, req, &res); err != nil {
		return "", err
	}
	return res.RoomID, nil
}

// Invite invites a user into a room.
func (i *Intent) Invite(ctx context.Context, roomID, userID string) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/invite"
	return i.client.do(ctx, http.MethodPost, path, i.UserID, map[string]string{"user_id": userID}, nil)
}

// JoinRoom joins the intent's user into a room.
func (i *Intent) JoinRoom(ctx context.Context, roomID string) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/join"
	return i.client.do(ctx, http.MethodPost, path, i.UserID, struct{}{}, nil)
}

// SendText sends a plain-text m.room.message and returns the event ID.
func (i *Intent) SendText(ctx context.Context, roomID, body string) (string, error) {
	content := MessageContent{MsgType: "m.text", Body: body}
	return i.sendEvent(ctx, roomID, "m.room.message", content)
}

// SendReaction sends an m.reaction annotation and returns the event ID.
func (i *Intent) SendReaction(ctx context.Context, roomID, targetEventID, emoji string) (string, error) {
	content := map[string]any{
		"m.relates_to": map[string]any{
			"rel_type": "m.annotation",
			"event_id": targetEventID,
			"key":      emoji,
		},
	}
	return i.sendEvent(ctx, roomID, "m.reaction", content)
}

// RedactEvent redacts an event (used to retract bridged reactions).
func (i *Intent) RedactEvent(ctx context.Context, roomID, eventID string) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/redact/" + url.PathEscape(eventID) + "/" + uuid.NewString()
	return i.client.do(ctx, http.MethodPut, path, i.UserID, struct{}{}, nil)
}

func (i *Intent) sendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/send/" + url.PathEscape(eventType) + "/" + uuid.NewString()
	var res struct {
		EventID string `json:"event_id"`
	}
	if err := i.client.do(ctx, http.MethodPut, path, i.UserID, content, &res); err != nil {
		return "", err
	}
	return res.EventID, nil
}

// SetRoomName updates the m.room.name state event of a room.
func (i *Intent) SetRoomName(ctx context.Context, roomID, name string) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/state/m.room.name"
	return i.client.do(ctx, http.MethodPut, path, i.UserID, map[string]string{"name": name}, nil)
}

// SetDisplayName updates the intent user's displayname.
func (i *Intent) SetDisplayName(ctx context.Context, name string) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(i.UserID) + "/displayname"
	return i.client.do(ctx, http.MethodPut, path, i.UserID, map[string]string{"displayname": name}, nil)
}

// SetAvatarURL updates the intent user's avatar.
func (i *Intent) SetAvatarURL(ctx context.Context, avatarURL string) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(i.UserID) + "/avatar_url"
	return i.client.do(ctx, http.MethodPut, path, i.UserID, map[string]string{"avatar_url": avatarURL}, nil)
}

func asMatrixError(err error, target **MatrixError) bool {
	return errors.As(err, target)
}
