// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists bridge state: users, portals, puppets and message
// mappings. Lookups that find nothing return (nil, nil).
package store

import (
	"context"
	"fmt"
)

// User is a bridge user: a Matrix account linked (or linkable) to a Twitter
// account. TwitterID is zero until the first successful login.
type User struct {
	MXID       string `json:"mxid"`
	TwitterID  int64  `json:"twitter_id,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"`
	CSRFToken  string `json:"csrf_token,omitempty"`
	PollCursor string `json:"poll_cursor,omitempty"`
	NoticeRoom string `json:"notice_room,omitempty"`
}

// LoggedIn reports whether the user has usable Twitter credentials.
func (u *User) LoggedIn() bool {
	return u != nil && u.TwitterID != 0 && u.AuthToken != ""
}

// PortalKey identifies a portal: one Twitter conversation as seen by one
// receiving bridge user. Group conversations share the ConversationID across
// receivers but keep distinct rows.
type PortalKey struct {
	ConversationID string `json:"conversation_id"`
	Receiver       int64  `json:"receiver"`
}

func (k PortalKey) String() string {
	return fmt.Sprintf("%s/%d", k.ConversationID, k.Receiver)
}

// Portal maps a Twitter DM conversation to a Matrix room. MXID is empty
// until the room is created.
type Portal struct {
	Key       PortalKey `json:"key"`
	ConvType  string    `json:"conv_type"`
	MXID      string    `json:"mxid,omitempty"`
	Name      string    `json:"name,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
}

// Puppet mirrors a remote Twitter user as a Matrix ghost.
type Puppet struct {
	TwitterID  int64  `json:"twitter_id"`
	Name       string `json:"name,omitempty"`
	ScreenName string `json:"screen_name,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	// CustomMXID is set when a real Matrix user double-puppets this ghost.
	CustomMXID string `json:"custom_mxid,omitempty"`
}

// Message maps a Twitter DM to the Matrix event it was bridged to.
type Message struct {
	Key         PortalKey `json:"key"`
	TwitterID   int64     `json:"twitter_id"`
	MXID        string    `json:"mxid"`
	Sender      int64     `json:"sender"`
	TimestampMS int64     `json:"timestamp_ms"`
}

// Reaction maps a Twitter DM reaction to its Matrix annotation event.
type Reaction struct {
	Key       PortalKey `json:"key"`
	MessageID int64     `json:"message_id"`
	Sender    int64     `json:"sender"`
	Emoji     string    `json:"emoji"`
	MXID      string    `json:"mxid"`
}

// Store is the persistence contract shared by all backends.
type Store interface {
	Close() error

	GetUserByMXID(ctx context.Context, mxid string) (*User, error)
	GetUserByTwitterID(ctx context.Context, twid int64) (*User, error)
	AllLoggedInUsers(ctx context.Context) ([]*User, error)
	PutUser(ctx context.Context, u *User) error

	GetPortal(ctx context.Context, key PortalKey) (*Portal, error)
	GetPortalByMXID(ctx context.Context, mxid string) (*Portal, error)
	PutPortal(ctx context.Context, p *Portal) error

	GetPuppet(ctx context.Context, twid int64) (*Puppet, error)
	PutPuppet(ctx context.Context, p *Puppet) error

	GetMessage(ctx context.Context, key PortalKey, twitterID int64) (*Message, error)
	GetMessageByMXID(ctx context.Context, mxid string) (*Message, error)
	PutMessage(ctx context.Context, m *Message) error

	GetReaction(ctx context.Context, key PortalKey, messageID, sender int64) (*Reaction, error)
	GetReactionByMXID(ctx context.Context, mxid string) (*Reaction, error)
	PutReaction(ctx context.Context, r *Reaction) error
	DeleteReaction(ctx context.Context, key PortalKey, messageID, sender int64) error
}
