// SPDX-License-Identifier: AGPL-3.0-or-later

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldUserMXID   = "user_mxid"
	FieldTwitterID  = "twitter_id"
	FieldGhostMXID  = "ghost_mxid"
	FieldRoomID     = "room_id"
	FieldEventID    = "event_id"
	FieldRequestID  = "request_id"
	FieldTxnID      = "txn_id"
	FieldMessageID  = "message_id"
	FieldScreenName = "screen_name"

	// Conversation fields
	FieldConversationID   = "conversation_id"
	FieldConversationType = "conversation_type"
	FieldReceiver         = "receiver"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldDirection = "direction" // "twitter->matrix" or "matrix->twitter"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldCursor   = "poll_cursor"

	// Network fields
	FieldBaseURL = "base_url"
	FieldStatus  = "status"
)
