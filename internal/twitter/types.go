// SPDX-License-Identifier: AGPL-3.0-or-later

package twitter

import (
	"bytes"
	"fmt"
	"strconv"
)

// ID is a Twitter snowflake. The API serializes them both as JSON numbers
// and as strings, so unmarshalling accepts either form.
type ID int64

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("twitter: invalid id %q: %w", data, err)
	}
	*id = ID(v)
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(id), 10))), nil
}

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ConversationType distinguishes DM threads.
type ConversationType string

const (
	ConversationOneToOne ConversationType = "ONE_TO_ONE"
	ConversationGroup    ConversationType = "GROUP_DM"
)

// User is a Twitter account as it appears in DM payloads.
type User struct {
	ID              ID     `json:"id"`
	Name            string `json:"name"`
	ScreenName      string `json:"screen_name"`
	ProfileImageURL string `json:"profile_image_url_https"`
}

// Participant is a conversation member reference.
type Participant struct {
	UserID ID `json:"user_id"`
}

// Conversation describes one DM thread.
type Conversation struct {
	ConversationID string           `json:"conversation_id"`
	Type           ConversationType `json:"type"`
	Name           string           `json:"name"`
	AvatarURL      string           `json:"avatar_image_https"`
	Participants   []Participant    `json:"participants"`
	LastReadEvent  ID               `json:"last_read_event_id"`
	SortEventID    ID               `json:"sort_event_id"`
	ReadOnly       bool             `json:"read_only"`
}

// MessageData is the sendable payload of a DM.
type MessageData struct {
	ID       ID     `json:"id"`
	Time     int64  `json:"time,string"`
	SenderID ID     `json:"sender_id"`
	Text     string `json:"text"`
}

// MessageEntry is a DM event in an inbox timeline.
type MessageEntry struct {
	ID             ID          `json:"id"`
	Time           int64       `json:"time,string"`
	RequestID      string      `json:"request_id"`
	ConversationID string      `json:"conversation_id"`
	MessageData    MessageData `json:"message_data"`

	// Conversation carries the thread metadata when the server inlines it.
	// Nil for updates whose conversation was delivered separately.
	Conversation *Conversation `json:"-"`
}

// ReactionCreateEntry records a reaction added to a DM.
type ReactionCreateEntry struct {
	ID             ID     `json:"id"`
	Time           int64  `json:"time,string"`
	ConversationID string `json:"conversation_id"`
	MessageID      ID     `json:"message_id"`
	SenderID       ID     `json:"sender_id"`
	EmojiReaction  string `json:"emoji_reaction"`
}

// ReactionDeleteEntry records a reaction removed from a DM.
type ReactionDeleteEntry ReactionCreateEntry

// inboxEntry is the union wrapper the inbox endpoints return per event.
type inboxEntry struct {
	Message         *MessageEntry        `json:"message"`
	ReactionCreate  *ReactionCreateEntry `json:"reaction_create"`
	ReactionDestroy *ReactionDeleteEntry `json:"reaction_destroy"`
}

// inboxState is the payload shared by inbox_initial_state and user_updates.
type inboxState struct {
	Cursor          string                  `json:"cursor"`
	LastSeenEventID ID                      `json:"last_seen_event_id"`
	Entries         []inboxEntry            `json:"entries"`
	Users           map[string]User         `json:"users"`
	Conversations   map[string]Conversation `json:"conversations"`
}

type initialStateResponse struct {
	InboxInitialState inboxState `json:"inbox_initial_state"`
}

type userUpdatesResponse struct {
	UserEvents inboxState `json:"user_events"`
}

// Settings is the subset of account settings the bridge needs.
type Settings struct {
	ScreenName string `json:"screen_name"`
}

// Handlers receives typed events from the poller. Nil fields are skipped.
// Dispatch order within one poll: conversations, then users, then timeline
// entries ordered by entry ID.
type Handlers struct {
	Conversation   func(Conversation)
	User           func(User)
	Message        func(MessageEntry)
	ReactionCreate func(ReactionCreateEntry)
	ReactionDelete func(ReactionDeleteEntry)
}
