// SPDX-License-Identifier: AGPL-3.0-or-later

// Package appservice implements the Matrix application-service surface: the
// transaction listener the homeserver pushes events to, and the intent
// client the bridge uses to act as its ghosts.
package appservice

import "encoding/json"

// Transaction is the homeserver's event push payload.
type Transaction struct {
	Events []Event `json:"events"`
}

// Event is a Matrix room event in the shape the appservice API delivers.
type Event struct {
	ID        string          `json:"event_id"`
	Type      string          `json:"type"`
	RoomID    string          `json:"room_id"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"origin_server_ts"`
	Redacts   string          `json:"redacts,omitempty"`
	Content   json.RawMessage `json:"content"`
}

// MessageContent is the content of an m.room.message event.
type MessageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// ParseMessage decodes the event content as m.room.message content.
func (e Event) ParseMessage() (MessageContent, error) {
	var content MessageContent
	err := json.Unmarshal(e.Content, &content)
	return content, err
}

// RelatesTo is the m.relates_to aggregation of an annotation event.
type RelatesTo struct {
	RelType string `json:"rel_type"`
	EventID string `json:"event_id"`
	Key     string `json:"key"`
}

// ReactionContent is the content of an m.reaction event.
type ReactionContent struct {
	RelatesTo RelatesTo `json:"m.relates_to"`
}

// ParseReaction decodes the event content as m.reaction content.
func (e Event) ParseReaction() (ReactionContent, error) {
	var content ReactionContent
	err := json.Unmarshal(e.Content, &content)
	return content, err
}

// RedactsEvent returns the event ID targeted by an m.room.redaction. Room
// versions 11 and later carry it in the content instead of at the top level.
func (e Event) RedactsEvent() string {
	if e.Redacts != "" {
		return e.Redacts
	}
	var content struct {
		Redacts string `json:"redacts"`
	}
	if err := json.Unmarshal(e.Content, &content); err != nil {
		return ""
	}
	return content.Redacts
}
