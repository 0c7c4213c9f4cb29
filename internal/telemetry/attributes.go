// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys used on bridge spans.
const (
	UserMXIDKey       = "bridge.user_mxid"
	TwitterIDKey      = "bridge.twitter_id"
	ConversationKey   = "bridge.conversation_id"
	RoomIDKey         = "bridge.room_id"
	EventTypeKey      = "bridge.event_type"
	DirectionKey      = "bridge.direction"
	TransactionIDKey  = "bridge.txn_id"
	HTTPStatusCodeKey = "http.status_code"
)

// MessageAttributes builds the span attributes for one bridged message.
func MessageAttributes(userMXID, conversationID, direction string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(UserMXIDKey, userMXID),
		attribute.String(ConversationKey, conversationID),
		attribute.String(DirectionKey, direction),
	}
}

// TransactionAttributes builds the span attributes for one appservice
// transaction push.
func TransactionAttributes(txnID string, events int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(TransactionIDKey, txnID),
		attribute.Int("bridge.event_count", events),
	}
}
